package recovery

import (
	"context"
	"strings"
	"time"
)

// Category classifies a handled error.
type Category string

const (
	CategoryTimeout        Category = "TIMEOUT_ERROR"
	CategoryNetwork        Category = "NETWORK_ERROR"
	CategoryAuthentication Category = "AUTHENTICATION_ERROR"
	CategoryRateLimit      Category = "RATE_LIMIT_ERROR"
	CategoryResource       Category = "RESOURCE_ERROR"
	CategoryValidation     Category = "VALIDATION_ERROR"
	CategoryDependency     Category = "DEPENDENCY_ERROR"
	CategoryBusinessLogic  Category = "BUSINESS_LOGIC_ERROR"
	CategorySystem         Category = "SYSTEM_ERROR"
	CategoryUnknown        Category = "UNKNOWN_ERROR"
)

// Severity grades how serious a handled error is.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// weight maps severities onto the escalation base level.
func (s Severity) weight() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 2
	}
}

// BackoffStrategy selects the retry delay growth curve.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
)

// RetryPolicy describes how a retryable error category backs off.
// Immutable per pattern definition.
type RetryPolicy struct {
	MaxRetries int
	Strategy   BackoffStrategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// Action is a best-effort compensation step attached to an error pattern.
// Actions run in priority order (highest first); a failing action never
// blocks the others.
type Action struct {
	Name     string
	Priority int
	Execute  func(ctx context.Context, ec Context, cause error) error
}

// Pattern is one entry in the ordered classification list. The first
// pattern whose Match returns true wins.
type Pattern struct {
	Name         string
	Match        func(error) bool
	Category     Category
	Severity     Severity
	Retryable    bool
	RetryPolicy  *RetryPolicy
	Compensation []Action
}

// matchSubstrings builds a matcher that tests the lowercased error message
// against a list of fragments.
func matchSubstrings(fragments ...string) func(error) bool {
	return func(err error) bool {
		if err == nil {
			return false
		}
		msg := strings.ToLower(err.Error())
		for _, f := range fragments {
			if strings.Contains(msg, f) {
				return true
			}
		}
		return false
	}
}

// builtinPatterns returns the default classification list in evaluation
// order.
func builtinPatterns() []Pattern {
	return []Pattern{
		{
			Name:      "timeout",
			Match:     matchSubstrings("timeout", "timed out", "deadline exceeded"),
			Category:  CategoryTimeout,
			Severity:  SeverityMedium,
			Retryable: true,
			RetryPolicy: &RetryPolicy{
				MaxRetries: 3,
				Strategy:   BackoffExponential,
				BaseDelay:  1000 * time.Millisecond,
				MaxDelay:   30 * time.Second,
			},
		},
		{
			Name:      "network",
			Match:     matchSubstrings("network", "connection refused", "connection reset", "no such host", "econnrefused", "broken pipe"),
			Category:  CategoryNetwork,
			Severity:  SeverityHigh,
			Retryable: true,
			RetryPolicy: &RetryPolicy{
				MaxRetries: 5,
				Strategy:   BackoffExponential,
				BaseDelay:  1000 * time.Millisecond,
				MaxDelay:   30 * time.Second,
			},
		},
		{
			Name:      "authentication",
			Match:     matchSubstrings("unauthorized", "authentication", "forbidden", "invalid credential", "api key"),
			Category:  CategoryAuthentication,
			Severity:  SeverityHigh,
			Retryable: false,
		},
		{
			Name:      "rate_limit",
			Match:     matchSubstrings("rate limit", "too many requests", "429", "throttl"),
			Category:  CategoryRateLimit,
			Severity:  SeverityMedium,
			Retryable: true,
			RetryPolicy: &RetryPolicy{
				MaxRetries: 10,
				Strategy:   BackoffExponential,
				BaseDelay:  1000 * time.Millisecond,
				MaxDelay:   60 * time.Second,
			},
		},
		{
			Name:      "resource",
			Match:     matchSubstrings("out of memory", "quota exceeded", "resource exhausted", "disk full"),
			Category:  CategoryResource,
			Severity:  SeverityCritical,
			Retryable: false,
		},
		{
			Name:      "validation",
			Match:     matchSubstrings("validation", "invalid input", "malformed", "schema"),
			Category:  CategoryValidation,
			Severity:  SeverityLow,
			Retryable: false,
		},
		{
			Name:      "dependency",
			Match:     matchSubstrings("dependency", "upstream", "service unavailable"),
			Category:  CategoryDependency,
			Severity:  SeverityHigh,
			Retryable: true,
			RetryPolicy: &RetryPolicy{
				MaxRetries: 3,
				Strategy:   BackoffLinear,
				BaseDelay:  5000 * time.Millisecond,
				MaxDelay:   60 * time.Second,
			},
		},
	}
}

// unknownPattern is the fallback when no registered pattern matches.
func unknownPattern() Pattern {
	return Pattern{
		Name:      "unknown",
		Match:     func(error) bool { return true },
		Category:  CategoryUnknown,
		Severity:  SeverityMedium,
		Retryable: true,
		RetryPolicy: &RetryPolicy{
			MaxRetries: 2,
			Strategy:   BackoffExponential,
			BaseDelay:  1000 * time.Millisecond,
			MaxDelay:   30 * time.Second,
		},
	}
}
