package store

import (
	"sync"
	"time"
)

// Clock hands out UTC timestamps at millisecond resolution that strictly
// increase across calls, so last_updated_at always moves forward even when
// two writes land in the same millisecond.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a Clock backed by the wall clock.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Now returns the next timestamp.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	c.last = t
	return t
}

// After returns the next timestamp that is also later than floor. Stores
// use it so a chat written by another process still sees time advance.
func (c *Clock) After(floor time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Millisecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Millisecond)
	}
	if floor = floor.UTC().Truncate(time.Millisecond); !t.After(floor) {
		t = floor.Add(time.Millisecond)
	}
	c.last = t
	return t
}
