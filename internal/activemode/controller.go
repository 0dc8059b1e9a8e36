package activemode

import (
	"sort"
	"sync"
	"time"

	"github.com/wispbot/wisp/internal/scope"
)

// Controller tracks the time-boxed active-mode override per scope. Active is
// a pure function of now and the stored expiry; there is no background timer
// and no separate enabled flag, so enabling always writes a fresh expiry.
type Controller struct {
	mu     sync.Mutex
	expiry map[string]time.Time
}

func NewController() *Controller {
	return &Controller{expiry: map[string]time.Time{}}
}

// Enable switches the scope to active mode until now + duration.
func (c *Controller) Enable(sc scope.Scope, duration time.Duration, now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry := now.Add(duration)
	c.expiry[sc.Key()] = expiry
	return expiry
}

// Disable clears the override. Returns whether the scope had one.
func (c *Controller) Disable(sc scope.Scope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.expiry[sc.Key()]
	delete(c.expiry, sc.Key())
	return ok
}

// IsActive reports now < expiry. Expired entries are dropped lazily.
func (c *Controller) IsActive(sc scope.Scope, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expiry[sc.Key()]
	if !ok {
		return false
	}
	if !now.Before(expiry) {
		delete(c.expiry, sc.Key())
		return false
	}
	return true
}

// Remaining returns how long the override has left, false when inactive.
func (c *Controller) Remaining(sc scope.Scope, now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expiry[sc.Key()]
	if !ok || !now.Before(expiry) {
		return 0, false
	}
	return expiry.Sub(now), true
}

// ActiveScopes lists scope keys still active at now, sorted.
func (c *Controller) ActiveScopes(now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var keys []string
	for key, expiry := range c.expiry {
		if now.Before(expiry) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
