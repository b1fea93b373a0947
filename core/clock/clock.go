// Package clock provides a monotonically-increasing uint32 epoch timestamp
// source, for callers (such as core/beacon) that need a timestamp cheaper
// and coarser than time.Time but still safe to compare across repeated
// calls within the same second.
package clock

import (
	"sync"
	"time"
)

// Clock hands out uint32 UNIX epoch timestamps. GetCurrentTimeUnique
// guarantees each call returns a value strictly greater than the last,
// even when called more than once within the same wall-clock second.
type Clock struct {
	mu         sync.Mutex
	lastUnique uint32
	nowFn      func() uint32 // overridable for testing
}

// New creates a Clock backed by the system clock.
func New() *Clock {
	return &Clock{
		nowFn: func() uint32 {
			return uint32(time.Now().Unix())
		},
	}
}

// GetCurrentTime returns the current UNIX epoch time as uint32.
func (c *Clock) GetCurrentTime() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn()
}

// SetCurrentTime overrides the clock source with a fixed base, which then
// advances with the real wall clock. Useful for bootstrapping from a
// timestamp supplied by an external source (e.g. a trusted peer) rather
// than this node's own clock.
func (c *Clock) SetCurrentTime(t uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := time.Now()
	c.nowFn = func() uint32 {
		return t + uint32(time.Since(base).Seconds())
	}
}

// GetCurrentTimeUnique returns a strictly increasing timestamp. If the
// underlying clock hasn't advanced past the last value this returned, the
// internal counter is bumped by 1 instead.
func (c *Clock) GetCurrentTimeUnique() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.nowFn()
	if t <= c.lastUnique {
		c.lastUnique++
		return c.lastUnique
	}
	c.lastUnique = t
	return t
}
