package recovery

// breaker tracks consecutive failures for one agent key. There is no
// time-based half-open probe: once open, only an explicit RecordSuccess
// closes the breaker again.
type breaker struct {
	consecutiveFailures int
	open                bool
}

// recordFailure increments the counter and reports whether this failure
// just opened the breaker.
func (b *breaker) recordFailure(threshold int) bool {
	b.consecutiveFailures++
	if !b.open && b.consecutiveFailures >= threshold {
		b.open = true
		return true
	}
	return false
}

// reset closes the breaker and zeroes the counter.
func (b *breaker) reset() {
	b.consecutiveFailures = 0
	b.open = false
}
