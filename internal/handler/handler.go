// Package handler provides the single sequential task queue every tracker,
// connection and controller of one transport executes on. Work is posted as
// closures and run one at a time, in order, on whichever goroutine drains the
// queue. Timeouts are alarms that post their callback back onto the queue.
package handler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

// ErrStopped is returned by Call when the handler loop is not running.
var ErrStopped = errors.New("handler: loop stopped")

// Handler is a sequential executor. All state owned by a tracker is only ever
// touched from closures run by its Handler.
type Handler struct {
	name   string
	alarms AlarmScheduler
	log    logging.Logger

	mu       sync.Mutex
	queue    []func()
	draining bool
	running  bool
	wake     chan struct{}
}

// New returns a handler named name whose delayed work uses alarms.
func New(name string, alarms AlarmScheduler, log logging.Logger) *Handler {
	if log == nil {
		log = logging.Noop()
	}
	return &Handler{
		name:   name,
		alarms: alarms,
		log:    log.With(logging.String("handler", name)),
		wake:   make(chan struct{}, 1),
	}
}

// Name returns the handler name.
func (h *Handler) Name() string { return h.name }

// Now returns the alarm scheduler's current time.
func (h *Handler) Now() time.Time { return h.alarms.Now() }

// Alarms exposes the underlying scheduler.
func (h *Handler) Alarms() AlarmScheduler { return h.alarms }

// Post appends f to the queue. Safe to call from any goroutine.
func (h *Handler) Post(f func()) {
	if f == nil {
		return
	}
	h.mu.Lock()
	h.queue = append(h.queue, f)
	h.mu.Unlock()

	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// PostAt schedules f to be posted at 'at' and returns the alarm id.
func (h *Handler) PostAt(at time.Time, f func()) string {
	return h.alarms.Schedule(at, func() { h.Post(f) })
}

// PostDelayed schedules f to be posted after d and returns the alarm id.
func (h *Handler) PostDelayed(d time.Duration, f func()) string {
	if d < 0 {
		d = 0
	}
	return h.PostAt(h.alarms.Now().Add(d), f)
}

// Cancel drops a delayed post that has not fired yet. Work already moved onto
// the queue is not affected; callers rely on generation tags for that case.
func (h *Handler) Cancel(id string) {
	if id == "" {
		return
	}
	h.alarms.Cancel(id)
}

// Len reports how many closures are waiting on the queue.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.queue)
}

// Drain runs queued closures in order until the queue is empty, including
// closures posted while draining. A nested Drain from inside a closure is a
// no-op so ordering is preserved. It returns the number of closures run.
func (h *Handler) Drain() int {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		return 0
	}
	h.draining = true
	h.mu.Unlock()

	ran := 0
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.draining = false
			h.mu.Unlock()
			return ran
		}
		f := h.queue[0]
		h.queue[0] = nil
		h.queue = h.queue[1:]
		h.mu.Unlock()

		h.runOne(f)
		ran++
	}
}

func (h *Handler) runOne(f func()) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error(context.Background(), "task panicked", logging.Any("panic", r))
		}
	}()
	f()
}

// RunUntilIdle fires due alarms and drains the queue until neither produces
// more work. Tests use it after advancing a fake scheduler.
func (h *Handler) RunUntilIdle() int {
	total := 0
	for {
		h.alarms.RunDue()
		n := h.Drain()
		total += n
		if n == 0 {
			return total
		}
	}
}

// Tick fires due alarms; their callbacks land on the queue and wake the loop.
func (h *Handler) Tick(time.Time) {
	h.alarms.RunDue()
}

// Run drains the queue whenever work is posted until ctx is cancelled.
func (h *Handler) Run(ctx context.Context) {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
	}()

	h.log.Debug(ctx, "handler loop started")
	for {
		h.Drain()
		select {
		case <-ctx.Done():
			h.log.Debug(ctx, "handler loop stopped")
			return
		case <-h.wake:
		}
	}
}

// Call posts f and waits for it to run. It needs a running loop and is meant
// for readers outside the queue, such as the debug API.
func (h *Handler) Call(ctx context.Context, f func()) error {
	h.mu.Lock()
	running := h.running
	h.mu.Unlock()
	if !running {
		return ErrStopped
	}

	done := make(chan struct{})
	h.Post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
