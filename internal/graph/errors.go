package graph

import (
	"fmt"
	"strings"

	"github.com/evalforge/evalforge/agent"
)

// CycleError provides detailed information about a dependency cycle.
type CycleError struct {
	Path []agent.Type
}

// Error returns a human-readable description of the cycle.
func (e *CycleError) Error() string {
	names := make([]string, len(e.Path))
	for i, t := range e.Path {
		names[i] = string(t)
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(names, " -> "))
}

// Unwrap returns the base error for errors.Is compatibility.
func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}
