package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is an immutable fact recorded against one aggregate.
type Event struct {
	AggregateID string `json:"aggregate_id"`

	// SequenceNumber is unique per aggregate and strictly increasing, starting at 1.
	// Zero means "not yet assigned"; EventSequence.Add assigns the next number.
	SequenceNumber int64 `json:"sequence_number"`

	Timestamp time.Time `json:"timestamp"`

	// ETag is the idempotency token of the command that produced the event.
	ETag string `json:"etag,omitempty"`

	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s event payload: %w", e.Type, err)
	}
	return nil
}
