// Package events provides the typed publish/subscribe bus carrying the
// engine's public event contract.
package events

import (
	"log"
	"sync"
	"time"
)

// Public event names emitted by the core. Transport layers (HTTP, WebSocket)
// subscribe to these; the names are a stable contract.
const (
	AgentRegistered     = "agentRegistered"
	AgentUnregistered   = "agentUnregistered"
	HealthCheckComplete = "healthCheckCompleted"

	WorkflowStarted   = "workflowStarted"
	WorkflowCompleted = "workflowCompleted"
	WorkflowFailed    = "workflowFailed"

	ErrorHandled         = "errorHandled"
	CircuitBreakerOpened = "circuitBreakerOpened"

	CompensationActionSucceeded = "compensationActionSucceeded"
	CompensationActionFailed    = "compensationActionFailed"
	CompensationActionError     = "compensationActionError"

	AlertTriggered = "alertTriggered"

	// Queue-level job state transitions.
	JobWaiting   = "waiting"
	JobActive    = "active"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Event is a single named occurrence with an arbitrary payload.
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

// Bus is an in-process publish/subscribe event bus. Delivery is
// non-blocking: a subscriber that falls behind its channel buffer loses
// events rather than stalling publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	all    []chan Event
	buffer int
	closed bool
}

// NewBus creates a bus with the given per-subscriber channel buffer.
// A non-positive buffer defaults to 64.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string][]chan Event),
		buffer: buffer,
	}
}

// Subscribe returns a channel receiving every event published under name.
func (b *Bus) Subscribe(name string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.subs[name] = append(b.subs[name], ch)
	return ch
}

// SubscribeAll returns a channel receiving every published event.
func (b *Bus) SubscribeAll() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	b.all = append(b.all, ch)
	return ch
}

// Publish delivers the event to all matching subscribers. It never blocks;
// full subscriber channels drop the event.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload, Timestamp: time.Now()}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[name] {
		select {
		case ch <- ev:
		default:
			log.Printf("events: dropping %q for slow subscriber", name)
		}
	}
	for _, ch := range b.all {
		select {
		case ch <- ev:
		default:
			log.Printf("events: dropping %q for slow subscriber", name)
		}
	}
}

// Close closes all subscriber channels. Publish becomes a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	for _, ch := range b.all {
		close(ch)
	}
	b.subs = make(map[string][]chan Event)
	b.all = nil
}
