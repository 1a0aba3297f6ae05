// Package recovery classifies failures, decides retry and backoff, guards
// agents with circuit breakers and runs best-effort compensation actions.
// All agent and queue failures are routed through here before any retry
// decision is made.
package recovery

import (
	"context"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/evalforge/evalforge/agent"
	"github.com/evalforge/evalforge/pkg/events"
	"github.com/evalforge/evalforge/pkg/observability"
)

// Context identifies where a handled error came from.
type Context struct {
	AgentType     agent.Type
	Operation     string
	Timestamp     time.Time
	CorrelationID string
	UserID        string
}

// key is the circuit-breaker identity for the context.
func (c Context) key() string {
	if c.AgentType == "" {
		return "unknown"
	}
	return string(c.AgentType)
}

// escalationKey groups repeated identical-context errors.
func (c Context) escalationKey() string {
	return c.key() + "|" + c.Operation
}

// Categorized is the classification result for one handled error.
// Recomputed per error; the escalation level additionally depends on
// historical frequency.
type Categorized struct {
	Category            Category
	Severity            Severity
	Retryable           bool
	RetryPolicy         *RetryPolicy
	EscalationLevel     int
	CompensationActions []string
	PatternName         string
	AgentKey            string
	Cause               error
}

// Options configures a Handler. Zero values take the documented defaults.
type Options struct {
	// BreakerThreshold is the consecutive-failure count that opens an
	// agent's circuit breaker. Defaults to 5.
	BreakerThreshold int

	// EscalationWindow bounds how far back repeated same-context errors
	// raise the escalation level. Defaults to 5 minutes.
	EscalationWindow time.Duration

	// EscalationCap limits how much repetition can add on top of the
	// severity base. Defaults to 3.
	EscalationCap int

	// RecentErrors is the size of the recent-error ring buffer.
	// Defaults to 100.
	RecentErrors int

	// Bus receives errorHandled/circuitBreakerOpened/compensation events.
	// Optional.
	Bus *events.Bus
}

// ErrorRecord is one entry of the recent-errors buffer.
type ErrorRecord struct {
	Category  Category
	Severity  Severity
	AgentKey  string
	Operation string
	Message   string
	Timestamp time.Time
}

// Handler is the error-classification and failure-recovery engine. Safe for
// concurrent use; circuit breakers for different agent keys are independent.
type Handler struct {
	opts Options

	mu          sync.Mutex
	patterns    []Pattern
	fallback    Pattern
	breakers    map[string]*breaker
	occurrences map[string][]time.Time

	totalErrors int64
	byCategory  map[Category]int64
	bySeverity  map[Severity]int64
	recent      []ErrorRecord
}

// NewHandler creates a Handler with the built-in classification patterns
// installed.
func NewHandler(opts Options) *Handler {
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.EscalationWindow <= 0 {
		opts.EscalationWindow = 5 * time.Minute
	}
	if opts.EscalationCap <= 0 {
		opts.EscalationCap = 3
	}
	if opts.RecentErrors <= 0 {
		opts.RecentErrors = 100
	}
	return &Handler{
		opts:        opts,
		patterns:    builtinPatterns(),
		fallback:    unknownPattern(),
		breakers:    make(map[string]*breaker),
		occurrences: make(map[string][]time.Time),
		byCategory:  make(map[Category]int64),
		bySeverity:  make(map[Severity]int64),
	}
}

// Handle classifies an error and applies the failure-recovery side effects:
// statistics, circuit-breaker accounting, escalation and compensation.
// It never fails; unrecognized errors fall back to the unknown pattern.
func (h *Handler) Handle(ctx context.Context, err error, ec Context) Categorized {
	if ec.Timestamp.IsZero() {
		ec.Timestamp = time.Now()
	}

	pattern := h.classify(err)

	h.mu.Lock()
	h.totalErrors++
	h.byCategory[pattern.Category]++
	h.bySeverity[pattern.Severity]++
	h.recordRecent(pattern, err, ec)
	escalation := h.escalationLevelLocked(pattern.Severity, ec)

	key := ec.key()
	b, ok := h.breakers[key]
	if !ok {
		b = &breaker{}
		h.breakers[key] = b
	}
	opened := b.recordFailure(h.opts.BreakerThreshold)
	failureCount := b.consecutiveFailures

	actions := make([]Action, len(pattern.Compensation))
	copy(actions, pattern.Compensation)
	h.mu.Unlock()

	if opened {
		log.Printf("recovery: circuit breaker opened for %s after %d consecutive failures",
			key, failureCount)
		observability.SetCircuitBreakerOpen(key, true)
		h.publish(events.CircuitBreakerOpened, map[string]any{
			"key":          key,
			"failureCount": failureCount,
		})
	}

	cat := Categorized{
		Category:        pattern.Category,
		Severity:        pattern.Severity,
		Retryable:       pattern.Retryable,
		RetryPolicy:     pattern.RetryPolicy,
		EscalationLevel: escalation,
		PatternName:     pattern.Name,
		AgentKey:        key,
		Cause:           err,
	}
	for _, a := range actions {
		cat.CompensationActions = append(cat.CompensationActions, a.Name)
	}

	h.runCompensation(ctx, actions, ec, err)

	observability.RecordErrorHandled(string(cat.Category), string(cat.Severity))
	h.publish(events.ErrorHandled, map[string]any{
		"category":  cat.Category,
		"severity":  cat.Severity,
		"retryable": cat.Retryable,
	})

	return cat
}

// classify walks the pattern list in registration order; first match wins.
func (h *Handler) classify(err error) Pattern {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, p := range h.patterns {
		if p.Match != nil && p.Match(err) {
			return p
		}
	}
	return h.fallback
}

// ShouldRetry reports whether attempt (1-based) of the classified error may
// be retried. An open circuit breaker vetoes retries unconditionally.
func (h *Handler) ShouldRetry(cat Categorized, attempt int) bool {
	if !cat.Retryable {
		return false
	}
	if cat.RetryPolicy != nil && attempt > cat.RetryPolicy.MaxRetries {
		return false
	}
	if h.IsCircuitBreakerOpen(cat.AgentKey) {
		return false
	}
	return true
}

// RetryDelay computes the backoff before attempt (1-based). Exponential
// doubles from BaseDelay, linear grows by BaseDelay per attempt; the result
// is clamped to MaxDelay, with optional ±10% jitter.
func (h *Handler) RetryDelay(cat Categorized, attempt int) time.Duration {
	policy := cat.RetryPolicy
	if policy == nil {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch policy.Strategy {
	case BackoffLinear:
		delay = policy.BaseDelay * time.Duration(attempt)
	default:
		delay = policy.BaseDelay << (attempt - 1)
	}

	if policy.MaxDelay > 0 && delay > policy.MaxDelay {
		delay = policy.MaxDelay
	}

	if policy.Jitter {
		// ±10% uniform noise.
		noise := (rand.Float64()*0.2 - 0.1) * float64(delay)
		delay += time.Duration(noise)
	}
	return delay
}

// RecordSuccess resets the circuit breaker for the context's agent key.
// This is the only way an open breaker closes again.
func (h *Handler) RecordSuccess(ec Context) {
	key := ec.key()

	h.mu.Lock()
	b, ok := h.breakers[key]
	if ok {
		b.reset()
	}
	h.mu.Unlock()

	if ok {
		observability.SetCircuitBreakerOpen(key, false)
	}
}

// IsCircuitBreakerOpen reports the breaker state for an agent key.
func (h *Handler) IsCircuitBreakerOpen(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[key]
	return ok && b.open
}

// AddPattern appends a pattern to the classification list. Patterns are
// evaluated in registration order.
func (h *Handler) AddPattern(p Pattern) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patterns = append(h.patterns, p)
}

// RemovePattern deletes a pattern by name.
func (h *Handler) RemovePattern(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, p := range h.patterns {
		if p.Name == name {
			h.patterns = append(h.patterns[:i], h.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// AddCompensation attaches a compensation action to a named pattern.
func (h *Handler) AddCompensation(patternName string, action Action) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.patterns {
		if h.patterns[i].Name == patternName {
			h.patterns[i].Compensation = append(h.patterns[i].Compensation, action)
			return true
		}
	}
	if h.fallback.Name == patternName {
		h.fallback.Compensation = append(h.fallback.Compensation, action)
		return true
	}
	return false
}

// escalationLevelLocked combines the severity base with the count of
// same-context errors inside the escalation window. Monotonically
// non-decreasing for repeated occurrences. Caller holds h.mu.
func (h *Handler) escalationLevelLocked(severity Severity, ec Context) int {
	key := ec.escalationKey()
	cutoff := ec.Timestamp.Add(-h.opts.EscalationWindow)

	kept := h.occurrences[key][:0]
	for _, t := range h.occurrences[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, ec.Timestamp)
	h.occurrences[key] = kept

	extra := len(kept) - 1
	if extra > h.opts.EscalationCap {
		extra = h.opts.EscalationCap
	}
	return severity.weight() + extra
}

// runCompensation executes the pattern's actions in priority order, highest
// first. Each action is independent: a failure is logged and reported but
// never stops the rest.
func (h *Handler) runCompensation(ctx context.Context, actions []Action, ec Context, cause error) {
	if len(actions) == 0 {
		return
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})

	for _, a := range actions {
		if a.Execute == nil {
			continue
		}
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("recovery: compensation action %s panicked: %v", a.Name, r)
					h.publish(events.CompensationActionError, map[string]any{
						"action": a.Name,
						"error":  r,
					})
					err = nil // already reported
				}
			}()
			return a.Execute(ctx, ec, cause)
		}()
		if err != nil {
			log.Printf("recovery: compensation action %s failed: %v", a.Name, err)
			h.publish(events.CompensationActionFailed, map[string]any{
				"action": a.Name,
				"error":  err.Error(),
			})
			continue
		}
		h.publish(events.CompensationActionSucceeded, map[string]any{
			"action": a.Name,
		})
	}
}

func (h *Handler) publish(name string, payload any) {
	if h.opts.Bus == nil {
		return
	}
	h.opts.Bus.Publish(name, payload)
}

func (h *Handler) recordRecent(p Pattern, err error, ec Context) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	h.recent = append(h.recent, ErrorRecord{
		Category:  p.Category,
		Severity:  p.Severity,
		AgentKey:  ec.key(),
		Operation: ec.Operation,
		Message:   msg,
		Timestamp: ec.Timestamp,
	})
	if len(h.recent) > h.opts.RecentErrors {
		h.recent = h.recent[len(h.recent)-h.opts.RecentErrors:]
	}
}
