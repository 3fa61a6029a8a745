package cache

import "sync"

// Counter tracks tile arrivals for one redraw pass. A new pass replaces the
// previous one; arrivals stamped with another epoch are ignored.
type Counter struct {
	mu      sync.Mutex
	epoch   uint64
	total   int
	arrived int
}

// Begin starts a pass expecting total tiles.
func (c *Counter) Begin(epoch uint64, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
	c.total = total
	c.arrived = 0
}

// Arrive records one tile for epoch and reports whether this arrival
// completed the pass. Arrivals past the total are ignored.
func (c *Counter) Arrive(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.arrived >= c.total {
		return false
	}
	c.arrived++
	return c.arrived == c.total
}

// Finished reports whether every tile of the current pass arrived.
func (c *Counter) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.arrived == c.total
}

// Progress returns the current epoch and the arrived/total tile counts.
func (c *Counter) Progress() (epoch uint64, arrived, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, c.arrived, c.total
}
