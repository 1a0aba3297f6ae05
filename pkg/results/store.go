// Package results persists per-agent analysis outcomes keyed by evaluation.
package results

import (
	"context"
	"errors"
	"time"

	"github.com/evalforge/evalforge/agent"
)

var (
	// ErrNotFound is returned when no record exists for the given ID.
	ErrNotFound = errors.New("result not found")

	// ErrDuplicateID is returned when creating a record whose ID exists.
	ErrDuplicateID = errors.New("result ID already exists")

	// ErrStoreClosed is returned after Close.
	ErrStoreClosed = errors.New("result store is closed")
)

// RecordStatus tracks the lifecycle of one agent execution's result.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusRunning   RecordStatus = "running"
	StatusCompleted RecordStatus = "completed"
	StatusFailed    RecordStatus = "failed"
)

// Record is one agent's result within an evaluation. OutputData carries the
// agent's raw analysis payload untouched.
type Record struct {
	ID           string         `json:"id"`
	EvaluationID string         `json:"evaluation_id"`
	AgentType    agent.Type     `json:"agent_type"`
	Status       RecordStatus   `json:"status"`
	InputData    map[string]any `json:"input_data,omitempty"`
	OutputData   map[string]any `json:"output_data,omitempty"`
	Score        float64        `json:"score"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Store is the persistence contract for analysis results. Implementations
// must be safe for concurrent use; agents in the same dependency level write
// results in parallel.
type Store interface {
	// Create persists a new record. The record's ID must be unique.
	Create(ctx context.Context, rec *Record) error

	// FindByID returns the record with the given ID.
	FindByID(ctx context.Context, id string) (*Record, error)

	// FindByEvaluationID returns all records belonging to one evaluation,
	// ordered by creation time.
	FindByEvaluationID(ctx context.Context, evaluationID string) ([]*Record, error)

	// Update replaces an existing record.
	Update(ctx context.Context, rec *Record) error

	// Delete removes a record. Deleting a missing ID is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases the store's resources.
	Close() error
}
