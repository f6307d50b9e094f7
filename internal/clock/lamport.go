// Package clock implements a Lamport logical clock.
package clock

import "sync"

// Lamport is a per-process monotonic counter updated on send (Increment)
// and receive (Witness). It is safe for concurrent use.
type Lamport struct {
	mu   sync.Mutex
	time int64
}

// New creates a clock starting at zero.
func New() *Lamport {
	return &Lamport{}
}

// Increment advances the clock by one and returns the new value. Used
// immediately before a local send event.
func (c *Lamport) Increment() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.time++
	return c.time
}

// Witness applies Lamport's receive rule: the clock becomes
// max(local, received)+1. Returns the new value.
func (c *Lamport) Witness(received int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if received > c.time {
		c.time = received
	}
	c.time++
	return c.time
}

// Time returns the current value without advancing it.
func (c *Lamport) Time() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.time
}
