// Package queue implements the typed work queue underneath the orchestrator:
// priority dispatch, delayed retries, pause/resume and job-state events.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/evalforge/evalforge/pkg/events"
	"github.com/evalforge/evalforge/pkg/observability"
)

var (
	// ErrClosed is returned when a job is added to a closed queue.
	ErrClosed = errors.New("queue is closed")

	// ErrHandlerExists is returned when Process is called twice for a type.
	ErrHandlerExists = errors.New("handler already registered for job type")
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one unit of queued work. Retries preserve the job ID and increment
// Attempts.
type Job struct {
	ID          string
	Type        string
	Payload     any
	Status      Status
	Attempts    int
	MaxAttempts int
	Priority    int
	CreatedAt   time.Time
	ProcessedAt time.Time
	Error       string

	seq     uint64
	readyAt time.Time
}

// Handler processes a single job. A non-nil error triggers the retry policy.
type Handler func(ctx context.Context, job *Job) error

// BackoffFunc computes the delay before retry attempt n (1-based).
type BackoffFunc func(job *Job, attempt int) time.Duration

// FixedBackoff returns a BackoffFunc with a constant delay.
func FixedBackoff(d time.Duration) BackoffFunc {
	return func(*Job, int) time.Duration { return d }
}

// Options configures a Queue.
type Options struct {
	// DefaultAttempts is used when a job is added without an explicit
	// attempt budget. Defaults to 1 (no retries).
	DefaultAttempts int

	// Backoff computes retry delays. Defaults to a fixed one-second delay.
	Backoff BackoffFunc

	// RateLimit caps dispatches per second across all job types
	// (0 = unlimited).
	RateLimit rate.Limit
	RateBurst int

	// Bus receives waiting/active/completed/failed events. Optional.
	Bus *events.Bus
}

// Queue is a typed in-memory work queue. Jobs of the same type are
// dispatched FIFO modulo priority by a single dispatcher goroutine, so at
// most one handler per type runs at a time; different types run
// concurrently.
type Queue struct {
	name string
	opts Options

	mu       sync.Mutex
	jobs     map[string]*Job
	pending  map[string]*typeState
	handlers map[string]Handler
	paused   bool
	closed   bool
	seq      uint64

	completed int64
	failed    int64
	durations []time.Duration
	startedAt time.Time

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// typeState holds the pending jobs and wakeup channel for one job type.
type typeState struct {
	heap   jobHeap
	notify chan struct{}
}

// New creates a queue. Close must be called to stop dispatchers.
func New(name string, opts Options) *Queue {
	if opts.DefaultAttempts <= 0 {
		opts.DefaultAttempts = 1
	}
	if opts.Backoff == nil {
		opts.Backoff = FixedBackoff(time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:      name,
		opts:      opts,
		jobs:      make(map[string]*Job),
		pending:   make(map[string]*typeState),
		handlers:  make(map[string]Handler),
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		q.limiter = rate.NewLimiter(opts.RateLimit, burst)
	}
	return q
}

// AddOption customizes a single Add call.
type AddOption func(*Job)

// WithPriority sets the job priority; higher dispatches first.
func WithPriority(p int) AddOption {
	return func(j *Job) { j.Priority = p }
}

// WithAttempts sets the total attempt budget for the job.
func WithAttempts(n int) AddOption {
	return func(j *Job) { j.MaxAttempts = n }
}

// WithJobID overrides the generated job ID.
func WithJobID(id string) AddOption {
	return func(j *Job) { j.ID = id }
}

// WithDelay makes the job eligible for dispatch only after d has elapsed.
func WithDelay(d time.Duration) AddOption {
	return func(j *Job) { j.readyAt = time.Now().Add(d) }
}

// Add enqueues a job and returns a snapshot of it.
func (q *Queue) Add(jobType string, payload any, opts ...AddOption) (*Job, error) {
	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusWaiting,
		MaxAttempts: q.opts.DefaultAttempts,
		CreatedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	job.seq = q.seq
	q.seq++
	q.jobs[job.ID] = job
	st := q.stateFor(jobType)
	heap.Push(&st.heap, job)
	snap := snapshot(job)
	q.mu.Unlock()

	q.emit(events.JobWaiting, snap)
	observability.RecordJobStateChange(q.name, jobType, string(StatusWaiting))
	q.wake(st)
	return snap, nil
}

// Process registers the handler for a job type and starts its dispatcher.
func (q *Queue) Process(jobType string, handler Handler) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if _, exists := q.handlers[jobType]; exists {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrHandlerExists, jobType)
	}
	q.handlers[jobType] = handler
	st := q.stateFor(jobType)
	q.mu.Unlock()

	q.wg.Add(1)
	go q.dispatch(jobType, handler, st)
	return nil
}

// GetJob returns a snapshot of a job by ID.
func (q *Queue) GetJob(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return snapshot(job), true
}

// Pause stops dispatching new jobs. In-flight handlers finish normally.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dispatching.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	states := make([]*typeState, 0, len(q.pending))
	for _, st := range q.pending {
		states = append(states, st)
	}
	q.mu.Unlock()

	for _, st := range states {
		q.wake(st)
	}
}

// Close stops all dispatchers and waits for in-flight handlers.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
}

func (q *Queue) stateFor(jobType string) *typeState {
	st, ok := q.pending[jobType]
	if !ok {
		st = &typeState{notify: make(chan struct{}, 1)}
		q.pending[jobType] = st
	}
	return st
}

func (q *Queue) wake(st *typeState) {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// dispatch is the per-type scheduling loop. One job of this type is active
// at a time; ordering is priority descending, then enqueue order.
func (q *Queue) dispatch(jobType string, handler Handler, st *typeState) {
	defer q.wg.Done()

	for {
		job, wait := q.next(st)
		if job == nil {
			if wait < 0 {
				return // queue closed
			}
			var timer *time.Timer
			var timerC <-chan time.Time
			if wait > 0 {
				timer = time.NewTimer(wait)
				timerC = timer.C
			}
			select {
			case <-q.ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case <-st.notify:
			case <-timerC:
			}
			if timer != nil {
				timer.Stop()
			}
			continue
		}

		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				return
			}
		}

		q.run(job, handler, st)
	}
}

// next pops the highest-priority ready job, or returns (nil, wait) where
// wait is how long until the earliest delayed job becomes ready (0 = block
// on notify, negative = closed).
func (q *Queue) next(st *typeState) (*Job, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, -1
	}
	if q.paused || st.heap.Len() == 0 {
		return nil, 0
	}

	now := time.Now()
	top := st.heap[0]
	if top.readyAt.After(now) {
		// The heap orders by priority and sequence only, so delayed jobs
		// can sit anywhere in it; scan for a ready job or the soonest
		// wakeup.
		soonest := top.readyAt
		for _, j := range st.heap {
			if !j.readyAt.After(now) {
				top = j
				soonest = now
				break
			}
			if j.readyAt.Before(soonest) {
				soonest = j.readyAt
			}
		}
		if soonest.After(now) {
			return nil, time.Until(soonest)
		}
		st.heap.remove(top)
	} else {
		heap.Pop(&st.heap)
	}

	top.Status = StatusActive
	top.Attempts++
	return top, 0
}

// run executes one attempt and applies the retry policy on failure.
func (q *Queue) run(job *Job, handler Handler, st *typeState) {
	q.emit(events.JobActive, snapshot(job))
	observability.RecordJobStateChange(q.name, job.Type, string(StatusActive))

	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return handler(q.ctx, job)
	}()
	elapsed := time.Since(start)

	q.mu.Lock()
	job.ProcessedAt = time.Now()
	q.durations = append(q.durations, elapsed)
	if len(q.durations) > 1000 {
		q.durations = q.durations[len(q.durations)-1000:]
	}

	if err == nil {
		job.Status = StatusCompleted
		job.Error = ""
		q.completed++
		snap := snapshot(job)
		q.mu.Unlock()

		observability.RecordJobDuration(q.name, job.Type, elapsed)
		observability.RecordJobStateChange(q.name, job.Type, string(StatusCompleted))
		q.emit(events.JobCompleted, snap)
		return
	}

	job.Error = err.Error()
	if job.Attempts < job.MaxAttempts {
		delay := q.opts.Backoff(job, job.Attempts)
		job.Status = StatusWaiting
		job.readyAt = time.Now().Add(delay)
		heap.Push(&st.heap, job)
		snap := snapshot(job)
		q.mu.Unlock()

		log.Printf("queue %s: job %s attempt %d/%d failed, retrying in %s: %v",
			q.name, snap.ID, snap.Attempts, snap.MaxAttempts, delay, err)
		q.emit(events.JobWaiting, snap)
		q.wake(st)
		return
	}

	job.Status = StatusFailed
	q.failed++
	snap := snapshot(job)
	q.mu.Unlock()

	log.Printf("queue %s: job %s failed terminally after %d attempts: %v",
		q.name, snap.ID, snap.Attempts, err)
	observability.RecordJobDuration(q.name, job.Type, elapsed)
	observability.RecordJobStateChange(q.name, job.Type, string(StatusFailed))
	q.emit(events.JobFailed, snap)
}

// emit publishes a job snapshot; callers pass copies made under the lock.
func (q *Queue) emit(name string, job *Job) {
	if q.opts.Bus == nil {
		return
	}
	q.opts.Bus.Publish(name, job)
}

func snapshot(j *Job) *Job {
	cp := *j
	return &cp
}
