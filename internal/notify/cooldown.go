package notify

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	defaultCooldownWindow = 5 * time.Minute
	cooldownGCInterval    = time.Minute
)

// Cooldown enforces a minimum interval between notifications for the same
// (user, tsCode, alertType) key. State is in-memory only and cleared on
// restart. Entries are garbage-collected once they age out.
type Cooldown struct {
	mu     sync.Mutex
	window time.Duration
	last   map[string]time.Time
	now    func() time.Time
}

// NewCooldown creates a cooldown tracker; a zero window selects the
// 5-minute default.
func NewCooldown(window time.Duration) *Cooldown {
	if window <= 0 {
		window = defaultCooldownWindow
	}
	return &Cooldown{
		window: window,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func cooldownKey(userID, tsCode, alertType string) string {
	return fmt.Sprintf("%s|%s|%s", userID, tsCode, alertType)
}

// Allow reports whether a notification for the key may be sent now and, if
// so, records the send. Callers must only invoke Allow when they are about
// to notify.
func (c *Cooldown) Allow(userID, tsCode, alertType string) bool {
	key := cooldownKey(userID, tsCode, alertType)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if last, ok := c.last[key]; ok && now.Sub(last) < c.window {
		return false
	}
	c.last[key] = now
	return true
}

// Ready reports whether the key is outside its cooldown window without
// consuming it. Callers that may still fail to deliver pair Ready with a
// Record once delivery actually happened.
func (c *Cooldown) Ready(userID, tsCode, alertType string) bool {
	key := cooldownKey(userID, tsCode, alertType)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.last[key]
	return !ok || now.Sub(last) >= c.window
}

// Record marks a delivered notification for the key.
func (c *Cooldown) Record(userID, tsCode, alertType string) {
	key := cooldownKey(userID, tsCode, alertType)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = c.now()
}

// GC drops expired entries.
func (c *Cooldown) GC() {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, last := range c.last {
		if now.Sub(last) >= c.window {
			delete(c.last, key)
		}
	}
}

// RunGC garbage-collects expired entries every minute until ctx is done.
func (c *Cooldown) RunGC(ctx context.Context) {
	ticker := time.NewTicker(cooldownGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.GC()
		case <-ctx.Done():
			return
		}
	}
}
