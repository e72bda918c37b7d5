package estimator

// ThroughputHistory exposes the throughput history of key for tests.
func (e *Estimator[K]) ThroughputHistory(key K) []float64 {
	e.mu.RLock()
	c, ok := e.conns[key]
	e.mu.RUnlock()
	if !ok {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.throughput.Values()
}

// Baseline exposes the stored byte counter of key for tests.
func (e *Estimator[K]) Baseline(key K) uint64 {
	e.mu.RLock()
	c := e.conns[key]
	e.mu.RUnlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastBytes
}
