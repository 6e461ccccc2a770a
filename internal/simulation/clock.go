package simulation

import "sync"

// Clock is the simulated time in seconds. It is shared by the simulation,
// the detectors and the engine, which read it from other goroutines.
type Clock struct {
	mu  sync.RWMutex
	now float64
}

// Now returns the current simulation time.
func (c *Clock) Now() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d seconds and returns the new time.
func (c *Clock) Advance(d float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now += d
	return c.now
}
