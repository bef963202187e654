package timeline

import (
	"sync"
	"time"
)

// Clock supplies "now" to the outermost callers. Nothing in the scheduling
// core reads the system clock directly.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is deterministic and test-friendly.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{t: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Today returns the calendar day to evaluate status against. An explicit
// YYYY-MM-DD override wins over the clock.
func (a Anchor) Today(clock Clock, override string) (time.Time, error) {
	if override != "" {
		return a.ParseDate(override)
	}
	return a.Day(clock.Now()), nil
}
