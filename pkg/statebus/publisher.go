// Package statebus exports relay lifecycle events to Kafka for downstream
// auditing. The publisher is optional: a nil *KafkaPublisher is a valid no-op
// so the relay runs unchanged when no brokers are configured.
package statebus

import (
	"context"
	"encoding/json"
	"time"
)

// Event kinds emitted on the bus.
const (
	EventSessionConnected    = "session.connected"
	EventSessionDisconnected = "session.disconnected"
	EventMessageForwarded    = "message.forwarded"
	EventValidationFailed    = "message.validation_failed"
	EventQueueDeleted        = "queue.deleted"
)

// Event is the wire shape of a lifecycle record.
type Event struct {
	Kind          string `json:"kind"`
	ParticipantID string `json:"participantId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// Publisher sinks lifecycle events. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NewEvent stamps an event with the current time.
func NewEvent(kind, participantID string) Event {
	return Event{
		Kind:          kind,
		ParticipantID: participantID,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func marshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}
