package execctx

// LoopCount returns the current iteration count recorded for nodeID.
func (c *Context) LoopCount(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loopCounters[nodeID]
}

// IncrementLoop advances nodeID's iteration count by one and returns
// the new value. Keyed per node_id only: there is no per-branch key,
// and the runner passes the plain node ID, so every branch through one
// loop node shares a single counter.
func (c *Context) IncrementLoop(nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loopCounters[nodeID]++
	return c.loopCounters[nodeID]
}

// LoopCounters returns a snapshot of every node's iteration count,
// suitable for publishing on an ExecutionHandle.
func (c *Context) LoopCounters() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.loopCounters))
	for k, v := range c.loopCounters {
		out[k] = v
	}
	return out
}

// TotalLoopIterations sums loop_counters over every node. The runner
// does not call it: it enforces SYSTEM_MAX_LOOPS per loop node through
// LoopCount.
func (c *Context) TotalLoopIterations() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, v := range c.loopCounters {
		total += v
	}
	return total
}

// GetItems returns the item batch a loop/split_in_batches node is
// iterating over.
func (c *Context) GetItems(nodeID string) []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loopItems[nodeID]
}

// SetItems installs the item batch for nodeID.
func (c *Context) SetItems(nodeID string, items []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loopItems[nodeID] = items
}

// BatchCursor returns the current index into nodeID's item batch.
func (c *Context) BatchCursor(nodeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.batchCursor[nodeID]
}

// SetBatchCursor advances nodeID's batch cursor.
func (c *Context) SetBatchCursor(nodeID string, cursor int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchCursor[nodeID] = cursor
}

// AccumulateResult appends value to nodeID's accumulated results, fed
// back to a loop's downstream nodes when the loop reaches its `done`
// handle.
func (c *Context) AccumulateResult(nodeID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulatedResult[nodeID] = append(c.accumulatedResult[nodeID], value)
}

// AccumulatedResults returns everything accumulated for nodeID so far.
func (c *Context) AccumulatedResults(nodeID string) []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]any, len(c.accumulatedResult[nodeID]))
	copy(out, c.accumulatedResult[nodeID])
	return out
}
