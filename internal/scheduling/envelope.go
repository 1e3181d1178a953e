// Package scheduling schedules commands for immediate, deferred or
// precondition-gated delivery to aggregates, with durable storage,
// retry with backoff, and named logical clocks.
package scheduling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// Envelope pairs a command with its target and scheduling metadata.
type Envelope struct {
	AggregateType string
	AggregateID   string

	// SequenceNumber keys the durable record. Zero lets the scheduler assign
	// a negative number; positive numbers are caller-assigned.
	SequenceNumber int64

	Command domain.Command

	// DueTime nil means as soon as possible.
	DueTime      *time.Time
	Precondition *domain.Precondition

	// Clock names the logical clock that gates DueTime. Empty inherits the
	// clock of the delivery in progress, or the scheduler default.
	Clock string

	// Attempts counts earlier delivery attempts.
	Attempts int

	Result Result
}

// NewEnvelope targets cmd at an aggregate.
func NewEnvelope(aggregateType, aggregateID string, cmd domain.Command) *Envelope {
	return &Envelope{AggregateType: aggregateType, AggregateID: aggregateID, Command: cmd}
}

// At sets the due time.
func (e *Envelope) At(due time.Time) *Envelope {
	d := due.UTC()
	e.DueTime = &d
	return e
}

// After gates delivery on a recorded event.
func (e *Envelope) After(p domain.Precondition) *Envelope {
	e.Precondition = &p
	return e
}

// On sets the clock name.
func (e *Envelope) On(clockName string) *Envelope {
	e.Clock = clockName
	return e
}

// IsDue reports whether the envelope may be delivered at now.
func (e *Envelope) IsDue(now time.Time) bool {
	if isTerminal(e.Result) {
		return false
	}
	return e.DueTime == nil || !e.DueTime.After(now)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s.%s -> %s #%d", e.AggregateType, e.Command.Type, e.AggregateID, e.SequenceNumber)
}

// storedCommand is the serialized_command payload of a durable record.
type storedCommand struct {
	Command      domain.Command       `json:"command"`
	Precondition *domain.Precondition `json:"precondition,omitempty"`
}

func (e *Envelope) serialize() (json.RawMessage, error) {
	b, err := json.Marshal(storedCommand{Command: e.Command, Precondition: e.Precondition})
	if err != nil {
		return nil, fmt.Errorf("serialize %s: %w", e, err)
	}
	return b, nil
}

// envelopeFromRecord rebuilds a pending envelope from its durable record.
func envelopeFromRecord(rec *storage.ScheduledCommand) (*Envelope, error) {
	var stored storedCommand
	if err := json.Unmarshal(rec.SerializedCommand, &stored); err != nil {
		return nil, fmt.Errorf("deserialize scheduled command %s #%d: %w", rec.AggregateID, rec.SequenceNumber, err)
	}
	env := &Envelope{
		AggregateType:  rec.AggregateType,
		AggregateID:    rec.AggregateID,
		SequenceNumber: rec.SequenceNumber,
		Command:        stored.Command,
		Precondition:   stored.Precondition,
		Clock:          rec.ClockName,
		Attempts:       rec.Attempts,
	}
	if rec.DueTime != nil {
		d := *rec.DueTime
		env.DueTime = &d
	}
	return env, nil
}

type clockNameKey struct{}

// WithClockName records the logical clock of the work in progress, so commands
// scheduled from inside a delivery inherit it.
func WithClockName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, clockNameKey{}, name)
}

// ClockNameFrom returns the clock name set by WithClockName.
func ClockNameFrom(ctx context.Context) (string, bool) {
	name, ok := ctx.Value(clockNameKey{}).(string)
	return name, ok && name != ""
}
