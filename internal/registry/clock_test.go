package registry

import (
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingClock panics on the n-th call to Now after failOnCall(n).
type failingClock struct {
	*fakeClock

	mu     sync.Mutex
	calls  int
	failAt int
}

func (c *failingClock) failOnCall(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls, c.failAt = 0, n
}

func (c *failingClock) Now() time.Time {
	c.mu.Lock()
	c.calls++
	fail := c.failAt > 0 && c.calls == c.failAt
	c.mu.Unlock()
	if fail {
		panic("clock failure")
	}
	return c.fakeClock.Now()
}
