// Package scheduler picks the identity that carries each request. It tracks
// quota cooldowns, applies per-identity request pacing, and ranks the pool
// with a soft affinity for the identity that served the same conversation
// before.
package scheduler

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// CooldownRecord notes why and until when an identity is resting.
type CooldownRecord struct {
	ExceededAt time.Time `json:"exceeded_at"`
	Until      time.Time `json:"until"`
	Reason     string    `json:"reason"`
}

// Cooldowns is the process-local quota cooldown table. Entries expire by
// timestamp comparison; there is no sweeper and nothing is persisted.
type Cooldowns struct {
	mu      sync.Mutex
	entries map[string]CooldownRecord
}

// NewCooldowns creates an empty table.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{entries: make(map[string]CooldownRecord)}
}

// Mark rests the identity for d starting now.
func (c *Cooldowns) Mark(id, reason string, d time.Duration) {
	now := time.Now()
	c.mu.Lock()
	c.entries[id] = CooldownRecord{ExceededAt: now, Until: now.Add(d), Reason: reason}
	c.mu.Unlock()
	log.Warnf("identity %s cooling down for %s: %s", id, d, reason)
}

// Available reports whether the identity is past its cooldown.
func (c *Cooldowns) Available(id string) bool {
	return c.Remaining(id) <= 0
}

// Remaining returns how much cooldown is left, zero when none.
func (c *Cooldowns) Remaining(id string) time.Duration {
	c.mu.Lock()
	rec, ok := c.entries[id]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	d := time.Until(rec.Until)
	if d < 0 {
		return 0
	}
	return d
}

// Restore clears the identity's cooldown.
func (c *Cooldowns) Restore(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// Snapshot returns the active records keyed by identity id. Expired entries
// are dropped on the way out.
func (c *Cooldowns) Snapshot() map[string]CooldownRecord {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]CooldownRecord, len(c.entries))
	for id, rec := range c.entries {
		if now.Before(rec.Until) {
			out[id] = rec
		} else {
			delete(c.entries, id)
		}
	}
	return out
}
