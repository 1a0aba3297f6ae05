package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribe_ReceivesNamedEvents(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	ch := b.Subscribe(WorkflowStarted)
	b.Publish(WorkflowStarted, "payload-1")
	b.Publish(WorkflowCompleted, "other")

	select {
	case ev := <-ch:
		assert.Equal(t, WorkflowStarted, ev.Name)
		assert.Equal(t, "payload-1", ev.Payload)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	// The other event name must not be delivered here.
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event: %s", ev.Name)
	default:
	}
}

func TestSubscribeAll_ReceivesEverything(t *testing.T) {
	b := NewBus(4)
	defer b.Close()

	ch := b.SubscribeAll()
	b.Publish(AgentRegistered, nil)
	b.Publish(AlertTriggered, nil)

	names := []string{(<-ch).Name, (<-ch).Name}
	assert.Equal(t, []string{AgentRegistered, AlertTriggered}, names)
}

func TestPublish_DoesNotBlockOnFullSubscriber(t *testing.T) {
	b := NewBus(1)
	defer b.Close()

	ch := b.Subscribe(JobCompleted)
	b.Publish(JobCompleted, 1)
	// Buffer is full now; this publish must not block.
	done := make(chan struct{})
	go func() {
		b.Publish(JobCompleted, 2)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber")
	}

	ev := <-ch
	assert.Equal(t, 1, ev.Payload)
}

func TestClose_ClosesChannelsAndSilencesPublish(t *testing.T) {
	b := NewBus(4)
	ch := b.Subscribe(WorkflowFailed)

	b.Close()
	_, open := <-ch
	require.False(t, open)

	// Publishing after close must not panic.
	b.Publish(WorkflowFailed, nil)
	b.Close()
}
