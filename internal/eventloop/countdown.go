package eventloop

import "time"

// Countdowns holds one-shot tasks keyed by entity ID. Starting a key that is
// already running replaces it. Not safe for use off the loop.
type Countdowns struct {
	s      Scheduler
	timers map[string]Timer
}

func NewCountdowns(s Scheduler) *Countdowns {
	return &Countdowns{s: s, timers: make(map[string]Timer)}
}

func (c *Countdowns) Start(key string, d time.Duration, fn func()) {
	c.Cancel(key)
	var t Timer
	t = c.s.AfterFunc(d, func() {
		if cur, ok := c.timers[key]; !ok || cur != t {
			return
		}
		delete(c.timers, key)
		fn()
	})
	c.timers[key] = t
}

func (c *Countdowns) Cancel(key string) bool {
	t, ok := c.timers[key]
	if !ok {
		return false
	}
	delete(c.timers, key)
	t.Stop()
	return true
}

func (c *Countdowns) Active(key string) bool {
	_, ok := c.timers[key]
	return ok
}

func (c *Countdowns) CancelAll() {
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
}

func (c *Countdowns) Len() int { return len(c.timers) }
