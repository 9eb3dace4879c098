package testkit

import (
	"sync"
	"time"
)

// Clock 手动推进的时钟，用于 TTL 与过期场景
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock 以固定时间点创建时钟
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now 当前时间
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 推进 d
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
