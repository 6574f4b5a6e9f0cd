package handler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/timectrl"
)

// AlarmScheduler schedules callbacks to run at specific times. It stands in
// for the OS alarm facility: reconnect delays, the data-stall watchdog, the
// provisioning alarm and any other timeout are expressed as alarms.
//
// Alarms never run on their own. Whoever owns the scheduler calls RunDue after
// time moves forward (the daemon's Pump, or a test advancing a fake).
type AlarmScheduler interface {
	// Schedule registers f to run at 'at' and returns an id usable with Cancel.
	Schedule(at time.Time, f func()) (id string)

	// Cancel drops a pending alarm. Unknown or already fired ids are ignored.
	Cancel(id string)

	// Now returns the scheduler's notion of the current time.
	Now() time.Time

	// RunDue runs every alarm whose time is <= Now(), earliest first.
	RunDue()

	// Pending reports how many alarms are still waiting to fire.
	Pending() int
}

type alarm struct {
	id        string
	when      time.Time
	seq       uint64
	f         func()
	cancelled bool
}

type alarmScheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	counter uint64
	alarms  []*alarm // ordered by (when, seq)
	index   map[string]*alarm
}

// NewAlarmScheduler creates a scheduler backed by clock.
func NewAlarmScheduler(clock timectrl.Clock) AlarmScheduler {
	if clock == nil {
		clock = timectrl.WallClock{}
	}
	return &alarmScheduler{
		clock: clock,
		index: make(map[string]*alarm),
	}
}

func (s *alarmScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	a := &alarm{
		id:   fmt.Sprintf("alarm-%d", s.counter),
		when: at,
		seq:  s.counter,
		f:    f,
	}
	s.insertLocked(a)
	s.index[a.id] = a
	return a.id
}

// insertLocked keeps alarms ordered by time; alarms at the same instant keep
// their scheduling order.
func (s *alarmScheduler) insertLocked(a *alarm) {
	idx := sort.Search(len(s.alarms), func(i int) bool {
		return s.alarms[i].when.After(a.when)
	})
	s.alarms = append(s.alarms, nil)
	copy(s.alarms[idx+1:], s.alarms[idx:])
	s.alarms[idx] = a
}

func (s *alarmScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.index[id]
	if !ok {
		return
	}
	a.cancelled = true
	delete(s.index, id)
}

func (s *alarmScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *alarmScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes and returns the earliest live alarm due at now.
func (s *alarmScheduler) popDueLocked(now time.Time) *alarm {
	for len(s.alarms) > 0 {
		a := s.alarms[0]
		if a.cancelled {
			s.alarms = s.alarms[1:]
			continue
		}
		if a.when.After(now) {
			return nil
		}
		s.alarms = s.alarms[1:]
		delete(s.index, a.id)
		return a
	}
	return nil
}

func (s *alarmScheduler) RunDue() {
	for {
		s.mu.Lock()
		a := s.popDueLocked(s.clock.Now())
		s.mu.Unlock()
		if a == nil {
			return
		}
		// Callbacks run outside the lock so they can schedule or cancel.
		if a.f != nil {
			a.f()
		}
	}
}
