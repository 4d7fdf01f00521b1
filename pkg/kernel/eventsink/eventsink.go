// Package eventsink implements the Event Sink external collaborator
// (§6): progress, state-change and HITL notifications, delivered
// best-effort. Grounded on the teacher's pkg/event_bus (a thin
// watermill.Publisher wrapper) and pkg/events (BaseEvent/EventType
// constants), adapted from workflow.* topics to execution-lifecycle
// ones.
package eventsink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// EventType enumerates the minimum event surface spec.md requires.
type EventType string

const (
	EventExecutionCreated   EventType = "execution_created"
	EventStateChanged       EventType = "state_changed"
	EventNodeStarted        EventType = "node_started"
	EventNodeCompleted      EventType = "node_completed"
	EventNodeFailed         EventType = "node_failed"
	EventHITLRequested      EventType = "hitl_requested"
	EventHITLResolved       EventType = "hitl_resolved"
	EventExecutionCompleted EventType = "execution_completed"
	EventExecutionFailed    EventType = "execution_failed"
)

// Topic is the watermill topic every kernel event publishes to.
// Consumers fan out by inspecting Type themselves — the kernel does
// not need per-type topics since ordering only matters per node_id,
// not globally, and watermill preserves per-publish-call ordering on a
// single topic for the gochannel and Kafka implementations alike.
const Topic = "kernel.executions"

// Event is one lifecycle notification. Payload's shape depends on
// Type; see spec.md §6 for the field list of each event type.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	Timestamp   time.Time      `json:"timestamp"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Sink is the collaborator the Supervisor publishes lifecycle events
// to. Delivery is best-effort: consumers must tolerate drops and
// reorder across (not within) node_ids, per spec.md §5.
type Sink interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Watermill adapts any watermill message.Publisher (gochannel for
// in-process fan-out, Kafka via ThreeDotsLabs/watermill-kafka for
// cross-process consumers) into a Sink.
type Watermill struct {
	publisher message.Publisher
}

// NewWatermill wraps pub as a Sink.
func NewWatermill(pub message.Publisher) *Watermill {
	return &Watermill{publisher: pub}
}

func (w *Watermill) Publish(_ context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.Metadata.Set("execution_id", event.ExecutionID)
	return w.publisher.Publish(Topic, msg)
}

func (w *Watermill) Close() error {
	return w.publisher.Close()
}

// Nop discards every event. Useful for tests and for the "none"
// SupervisionLevel path where event emission overhead isn't wanted.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }
