package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/agentworkforce/qbanksync/internal/clock"
)

// Clock provides a controllable time source for tests. Timers registered
// with AfterFunc fire synchronously, in deadline order, from Advance.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers map[int]*fakeTimer
}

type fakeTimer struct {
	clock    *Clock
	id       int
	deadline time.Time
	fn       func()
}

var _ clock.Clock = (*Clock)(nil)

// NewClock returns a Clock initialized to the given time.
// If no time is provided, it defaults to 2025-01-01 00:00:00 UTC.
func NewClock(now ...time.Time) *Clock {
	t := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if len(now) > 0 {
		t = now[0]
	}
	return &Clock{now: t, timers: map[int]*fakeTimer{}}
}

// Now returns the clock's current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn to run once the clock has been advanced by d.
func (c *Clock) AfterFunc(d time.Duration, fn func()) clock.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &fakeTimer{clock: c, id: c.nextID, deadline: c.now.Add(d), fn: fn}
	c.timers[t.id] = t
	return t
}

// Advance moves the clock forward by d, firing every timer whose deadline
// falls inside the window.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		due := c.dueLocked(target)
		if due == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		delete(c.timers, due.id)
		if due.deadline.After(c.now) {
			c.now = due.deadline
		}
		c.mu.Unlock()
		due.fn()
	}
}

// Set overrides the clock's current time without firing timers.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// PendingTimers reports how many timers have not fired or been stopped.
func (c *Clock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *Clock) dueLocked(target time.Time) *fakeTimer {
	due := make([]*fakeTimer, 0, len(c.timers))
	for _, t := range c.timers {
		if !t.deadline.After(target) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].id < due[j].id
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if _, ok := t.clock.timers[t.id]; !ok {
		return false
	}
	delete(t.clock.timers, t.id)
	return true
}
