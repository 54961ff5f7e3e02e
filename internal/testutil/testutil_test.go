package testutil

import (
	"testing"
	"time"
)

func TestClockAdvanceFiresTimersInDeadlineOrder(t *testing.T) {
	c := NewClock()
	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "late") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "early") })
	stopped := c.AfterFunc(1500*time.Millisecond, func() { fired = append(fired, "stopped") })
	if !stopped.Stop() {
		t.Fatalf("expected Stop to report an active timer")
	}

	c.Advance(1500 * time.Millisecond)
	if len(fired) != 1 || fired[0] != "early" {
		t.Fatalf("expected only the early timer to fire, got %v", fired)
	}
	c.Advance(time.Second)
	if len(fired) != 2 || fired[1] != "late" {
		t.Fatalf("expected late timer to fire second, got %v", fired)
	}
	if c.PendingTimers() != 0 {
		t.Fatalf("expected no pending timers, got %d", c.PendingTimers())
	}
}

func TestClockTimerSeesDeadlineAsNow(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewClock(start)
	var seen time.Time
	c.AfterFunc(time.Second, func() { seen = c.Now() })
	c.Advance(10 * time.Second)
	if !seen.Equal(start.Add(time.Second)) {
		t.Fatalf("expected timer to observe its deadline, got %s", seen)
	}
	if !c.Now().Equal(start.Add(10 * time.Second)) {
		t.Fatalf("expected clock at +10s, got %s", c.Now())
	}
}
