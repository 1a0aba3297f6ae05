package recovery

import "time"

// BreakerState is the externally visible circuit-breaker state for one key.
type BreakerState struct {
	ConsecutiveFailures int
	IsOpen              bool
}

// Statistics is a snapshot of handler activity since the last ClearHistory.
type Statistics struct {
	TotalErrors      int64
	ErrorsByCategory map[Category]int64
	ErrorsBySeverity map[Severity]int64
	CircuitBreakers  map[string]BreakerState
	RecentErrors     []ErrorRecord
}

// Statistics returns a snapshot of current counters and breaker states.
func (h *Handler) Statistics() Statistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := Statistics{
		TotalErrors:      h.totalErrors,
		ErrorsByCategory: make(map[Category]int64, len(h.byCategory)),
		ErrorsBySeverity: make(map[Severity]int64, len(h.bySeverity)),
		CircuitBreakers:  make(map[string]BreakerState, len(h.breakers)),
		RecentErrors:     make([]ErrorRecord, len(h.recent)),
	}
	for k, v := range h.byCategory {
		s.ErrorsByCategory[k] = v
	}
	for k, v := range h.bySeverity {
		s.ErrorsBySeverity[k] = v
	}
	for k, b := range h.breakers {
		s.CircuitBreakers[k] = BreakerState{
			ConsecutiveFailures: b.consecutiveFailures,
			IsOpen:              b.open,
		}
	}
	copy(s.RecentErrors, h.recent)
	return s
}

// ClearHistory resets all counters, occurrence tracking, breaker state and
// the recent-errors buffer.
func (h *Handler) ClearHistory() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalErrors = 0
	h.byCategory = make(map[Category]int64)
	h.bySeverity = make(map[Severity]int64)
	h.breakers = make(map[string]*breaker)
	h.occurrences = make(map[string][]time.Time)
	h.recent = nil
}
