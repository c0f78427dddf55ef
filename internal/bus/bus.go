// Package bus provides the event transport boundary for the pipeline:
// ordered-per-key, at-least-once delivery with manual acknowledgment and a
// dead-letter path. Production deployments can back this with any broker
// offering the same contract; the in-memory implementation in this package
// is the default and the reference for the semantics consumers rely on.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Topics used by the pipeline.
const (
	TopicDocNormalized = "doc.normalized"
	TopicDocKept       = "doc.kept"
	TopicChunksReady   = "chunks.ready"
	TopicAnalysisReady = "analysis.ready"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// Envelope wraps every event. Consumers must be idempotent with respect to
// redelivery of the same ID.
type Envelope struct {
	ID   uuid.UUID       `json:"id"`
	Type string          `json:"type"`
	Time time.Time       `json:"time"`
	Key  string          `json:"key"`
	Data json.RawMessage `json:"data"`

	// Deliveries counts how many times this envelope has been handed to
	// a subscriber, including the current delivery.
	Deliveries int `json:"-"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// NewEnvelope builds an envelope with a fresh id and the current time.
func NewEnvelope(eventType, key string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s event: %w", eventType, err)
	}
	return Envelope{
		ID:   uuid.New(),
		Type: eventType,
		Time: time.Now().UTC(),
		Key:  key,
		Data: data,
	}, nil
}

// Handler processes a delivered envelope. Returning nil acknowledges the
// event. A retryable error triggers redelivery (same key ordering held in
// the meantime); a non-retryable error routes the event to the dead-letter
// topic immediately.
type Handler func(ctx context.Context, ev Envelope) error

// Bus is the transport contract the pipeline stages are written against.
type Bus interface {
	// Publish appends an event to the topic. Events sharing a key are
	// delivered in publish order.
	Publish(ctx context.Context, topic string, ev Envelope) error

	// Subscribe registers a handler for the topic. Delivery is ordered
	// per key and at-least-once. Multiple subscribers each receive every
	// event (fan-out).
	Subscribe(topic string, h Handler) error

	// DeadLetters returns the envelopes routed to the topic's DLQ.
	DeadLetters(topic string) []Envelope

	// Stats reports delivery counters for observability.
	Stats() Stats

	// Close stops delivery and waits for in-flight handlers.
	Close() error
}

// Stats are cumulative delivery counters.
type Stats struct {
	Published    uint64 `json:"published"`
	Acked        uint64 `json:"acked"`
	Redelivered  uint64 `json:"redelivered"`
	DeadLettered uint64 `json:"dead_lettered"`
}
