package handler

import (
	"fmt"
	"sync"
	"time"
)

// FakeAlarmScheduler is a test implementation of AlarmScheduler that keeps its
// own clock. Tests move time with Advance or AdvanceTo, which also fire due
// alarms, so retry and watchdog behaviour can be driven without sleeping.
type FakeAlarmScheduler struct {
	mu      sync.Mutex
	now     time.Time
	counter uint64

	alarms []*alarm
	index  map[string]*alarm
}

// NewFakeAlarmScheduler creates a fake scheduler starting at start.
func NewFakeAlarmScheduler(start time.Time) *FakeAlarmScheduler {
	return &FakeAlarmScheduler{
		now:   start,
		index: make(map[string]*alarm),
	}
}

// Now returns the fake current time.
func (s *FakeAlarmScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Schedule registers f to run at 'at'.
func (s *FakeAlarmScheduler) Schedule(at time.Time, f func()) (id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.counter++
	a := &alarm{
		id:   fmt.Sprintf("fake-alarm-%d", s.counter),
		when: at,
		seq:  s.counter,
		f:    f,
	}

	inserted := false
	for i, existing := range s.alarms {
		if at.Before(existing.when) {
			s.alarms = append(s.alarms[:i], append([]*alarm{a}, s.alarms[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		s.alarms = append(s.alarms, a)
	}
	s.index[a.id] = a
	return a.id
}

// Cancel drops a pending alarm.
func (s *FakeAlarmScheduler) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.index[id]
	if !ok {
		return
	}
	a.cancelled = true
	delete(s.index, id)
}

// Pending reports the number of live alarms.
func (s *FakeAlarmScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// NextAt returns the time of the earliest live alarm.
func (s *FakeAlarmScheduler) NextAt() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alarms {
		if !a.cancelled {
			return a.when, true
		}
	}
	return time.Time{}, false
}

// RunDue runs every alarm whose time is <= now.
func (s *FakeAlarmScheduler) RunDue() {
	for {
		s.mu.Lock()
		if len(s.alarms) == 0 || s.alarms[0].when.After(s.now) {
			s.mu.Unlock()
			return
		}
		a := s.alarms[0]
		s.alarms = s.alarms[1:]
		if a.cancelled {
			s.mu.Unlock()
			continue
		}
		delete(s.index, a.id)
		f := a.f
		s.mu.Unlock()

		if f != nil {
			f()
		}
	}
}

// AdvanceTo moves the fake time to t and runs due alarms. Time is monotonic.
func (s *FakeAlarmScheduler) AdvanceTo(t time.Time) {
	s.mu.Lock()
	if t.Before(s.now) {
		s.mu.Unlock()
		return
	}
	s.now = t
	s.mu.Unlock()

	s.RunDue()
}

// Advance moves the fake time forward by d and runs due alarms.
func (s *FakeAlarmScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}
