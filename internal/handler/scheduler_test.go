package handler

import (
	"testing"
	"time"

	"github.com/signalsfoundry/cellular-data-manager/timectrl"
)

func TestAlarmScheduler_SingleAlarm(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	sched := NewAlarmScheduler(clock)

	var counter int
	t1 := start.Add(10 * time.Second)

	id := sched.Schedule(t1, func() {
		counter++
	})
	if id == "" {
		t.Fatalf("Schedule returned empty ID")
	}

	sched.RunDue()
	if counter != 0 {
		t.Fatalf("expected counter=0 before time advance, got %d", counter)
	}

	clock.Set(t1)
	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after time advance, got %d", counter)
	}

	sched.RunDue()
	if counter != 1 {
		t.Fatalf("expected counter=1 after second RunDue (alarm should not run twice), got %d", counter)
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected no pending alarms, got %d", sched.Pending())
	}
}

func TestAlarmScheduler_OrderAndTies(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	sched := NewAlarmScheduler(clock)

	var order []string
	sched.Schedule(start.Add(3*time.Second), func() { order = append(order, "late") })
	sched.Schedule(start.Add(time.Second), func() { order = append(order, "early-1") })
	sched.Schedule(start.Add(time.Second), func() { order = append(order, "early-2") })

	clock.Advance(5 * time.Second)
	sched.RunDue()

	want := []string{"early-1", "early-2", "late"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %q, want %q (full %v)", i, order[i], want[i], order)
		}
	}
}

func TestAlarmScheduler_Cancel(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	sched := NewAlarmScheduler(clock)

	fired := false
	id := sched.Schedule(start.Add(time.Second), func() { fired = true })
	sched.Cancel(id)
	sched.Cancel("does-not-exist")

	clock.Advance(2 * time.Second)
	sched.RunDue()
	if fired {
		t.Fatalf("cancelled alarm fired")
	}
	if sched.Pending() != 0 {
		t.Fatalf("expected no pending alarms, got %d", sched.Pending())
	}
}

func TestAlarmScheduler_CallbackCanReschedule(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	sched := NewAlarmScheduler(clock)

	runs := 0
	var tick func()
	tick = func() {
		runs++
		if runs < 3 {
			sched.Schedule(clock.Now().Add(time.Second), tick)
		}
	}
	sched.Schedule(start.Add(time.Second), tick)

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		sched.RunDue()
	}
	if runs != 3 {
		t.Fatalf("expected 3 runs, got %d", runs)
	}
}

func TestFakeAlarmScheduler_AdvanceRunsDue(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	sched := NewFakeAlarmScheduler(start)

	var order []int
	sched.Schedule(start.Add(2*time.Second), func() { order = append(order, 2) })
	first := sched.Schedule(start.Add(time.Second), func() { order = append(order, 1) })
	sched.Schedule(start.Add(time.Minute), func() { order = append(order, 60) })

	if at, ok := sched.NextAt(); !ok || !at.Equal(start.Add(time.Second)) {
		t.Fatalf("NextAt = %v,%v; want %v,true", at, ok, start.Add(time.Second))
	}

	sched.Cancel(first)
	sched.Advance(5 * time.Second)

	if len(order) != 1 || order[0] != 2 {
		t.Fatalf("ran %v, want [2]", order)
	}
	if sched.Pending() != 1 {
		t.Fatalf("expected 1 pending alarm, got %d", sched.Pending())
	}

	sched.AdvanceTo(start)
	if !sched.Now().Equal(start.Add(5 * time.Second)) {
		t.Fatalf("AdvanceTo moved time backwards to %v", sched.Now())
	}
}
