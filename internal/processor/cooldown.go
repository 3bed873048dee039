package processor

import (
	"sync"
	"time"
)

// DefaultCooldown is the minimum time between two events of the same class on one resource
const DefaultCooldown = 10 * time.Second

type cooldownKey struct {
	resource string
	class    string
}

// Cooldown tracks sightings per (resource, class).
// The first sighting arms the timer, a sighting at least one window later fires,
// and firing disarms the pair again.
type Cooldown struct {
	window time.Duration
	mu     sync.Mutex
	armed  map[cooldownKey]time.Time
}

// NewCooldown creates a tracker with the given window
func NewCooldown(window time.Duration) *Cooldown {
	return &Cooldown{
		window: window,
		armed:  make(map[cooldownKey]time.Time),
	}
}

// Observe records a sighting at now and reports whether it emits an event
func (c *Cooldown) Observe(resource, class string, now time.Time) bool {
	key := cooldownKey{resource: resource, class: class}

	c.mu.Lock()
	defer c.mu.Unlock()

	last, ok := c.armed[key]
	if !ok {
		c.armed[key] = now
		return false
	}
	if now.Sub(last) >= c.window {
		delete(c.armed, key)
		return true
	}
	return false
}

// Forget drops all state of a resource
func (c *Cooldown) Forget(resource string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.armed {
		if k.resource == resource {
			delete(c.armed, k)
		}
	}
}
