package mutex

// Clock is a Lamport logical clock. It is owned by a single event loop and is
// not safe for concurrent use.
type Clock struct {
	time uint64
}

func (c *Clock) Time() uint64 {
	return c.time
}

// Tick advances the clock for a local event and returns the new value.
func (c *Clock) Tick() uint64 {
	c.time++
	return c.time
}

// Observe merges a timestamp carried by a received message.
func (c *Clock) Observe(remote uint64) uint64 {
	c.time = max(c.time, remote) + 1
	return c.time
}
