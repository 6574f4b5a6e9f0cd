package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the alarm scheduler and the trackers. It
// lets tests substitute a manually advanced clock for wall time.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the time once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// WallClock is a Clock backed by the system clock.
type WallClock struct{}

// Now returns time.Now().
func (WallClock) Now() time.Time { return time.Now() }

// After delegates to time.After.
func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// ManualClock is a Clock that only moves when told to. After channels fire
// when Set or Advance moves time past their deadline.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewManualClock returns a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires once the clock reaches now+d.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := c.now.Add(d)
	if !deadline.After(c.now) {
		ch <- c.now
		return ch
	}
	c.waiters = append(c.waiters, manualWaiter{deadline: deadline, ch: ch})
	return ch
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.Set(c.Now().Add(d))
}

// Set moves the clock to t. Time never goes backwards.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		return
	}
	c.now = t
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(t) {
			w.ch <- t
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// Pump calls its listeners every Tick until the context is cancelled. The
// daemon uses it to run due alarms on each tracker's queue.
type Pump struct {
	mu        sync.RWMutex
	Tick      time.Duration
	clock     Clock
	lastTick  time.Time
	listeners []func(time.Time)
}

// NewPump constructs a pump ticking every tick on clock.
func NewPump(clock Clock, tick time.Duration) *Pump {
	if clock == nil {
		clock = WallClock{}
	}
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Pump{Tick: tick, clock: clock}
}

// AddListener registers a callback invoked on every tick.
func (p *Pump) AddListener(fn func(time.Time)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, fn)
}

// LastTick returns the time of the most recent tick.
func (p *Pump) LastTick() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastTick
}

// Start runs the pump in a separate goroutine. The returned channel is closed
// once ctx is cancelled and the loop exits.
func (p *Pump) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-p.clock.After(p.Tick):
				p.mu.Lock()
				p.lastTick = now
				listeners := append([]func(time.Time){}, p.listeners...)
				p.mu.Unlock()

				for _, fn := range listeners {
					fn(now)
				}
			}
		}
	}()
	return done
}
