// Package storage defines the persistence contracts for events and scheduled
// commands, and the aggregate repository built on them.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

var (
	// ErrDuplicate is returned when a write hits a unique constraint.
	ErrDuplicate = errors.New("record already exists")
	// ErrNotFound is returned when a keyed lookup matches nothing.
	ErrNotFound = errors.New("record not found")
)

// EventStore is append-only storage unique on (aggregate id, sequence number).
type EventStore interface {
	// AppendEvents writes all events in one transaction. If any event collides
	// with a stored one, nothing is written and ErrDuplicate is returned.
	AppendEvents(ctx context.Context, aggregateType string, events []domain.Event) error

	// LoadEvents returns the events of one aggregate ordered by sequence number.
	LoadEvents(ctx context.Context, aggregateType, aggregateID string) ([]domain.Event, error)

	// EventRecorded reports whether an event carrying etag exists for aggregateID.
	EventRecorded(ctx context.Context, aggregateID, etag string) (bool, error)
}

// Clock is a persisted logical clock.
type Clock struct {
	ID        int64
	Name      string
	StartTime time.Time
	UTCNow    time.Time
}

// ScheduledCommand is the durable record of one scheduled command.
// AppliedTime set means the command was delivered; FinalAttemptTime set means
// it will never be attempted again.
type ScheduledCommand struct {
	AggregateID    string
	SequenceNumber int64
	AggregateType  string
	CommandType    string
	ETag           string

	// SerializedCommand is opaque to the store.
	SerializedCommand json.RawMessage

	CreatedTime      time.Time
	DueTime          *time.Time
	AppliedTime      *time.Time
	FinalAttemptTime *time.Time
	Attempts         int

	ClockID   int64
	ClockName string
}

// Pending reports whether the command is neither delivered nor abandoned.
func (c *ScheduledCommand) Pending() bool {
	return c.AppliedTime == nil && c.FinalAttemptTime == nil
}

// ScheduledCommandError is one failed delivery attempt.
type ScheduledCommandError struct {
	ID             string
	AggregateID    string
	SequenceNumber int64
	Detail         string
	CreatedTime    time.Time
}

// ScheduledCommandFilter selects scheduled commands for manual redelivery.
// Zero-valued fields do not constrain the query.
type ScheduledCommandFilter struct {
	ClockName      string
	AggregateID    string
	SequenceNumber *int64
	CommandType    string
	// PendingOnly excludes delivered and abandoned commands.
	PendingOnly bool
	Limit       int
}

// ScheduledCommandStore persists clocks, scheduled commands and their delivery errors.
type ScheduledCommandStore interface {
	GetClock(ctx context.Context, name string) (*Clock, error)
	// CreateClock returns ErrDuplicate if a clock with the name exists.
	CreateClock(ctx context.Context, name string, start time.Time) (*Clock, error)
	// UpdateClock moves a clock to clock.UTCNow. It fails with
	// clock.ErrMovedBackward when the stored clock is already later.
	UpdateClock(ctx context.Context, clock *Clock) error

	// InsertScheduledCommand returns ErrDuplicate when (aggregate id, sequence number) is taken.
	InsertScheduledCommand(ctx context.Context, cmd *ScheduledCommand) error
	UpdateScheduledCommand(ctx context.Context, cmd *ScheduledCommand) error
	GetScheduledCommand(ctx context.Context, aggregateID string, sequenceNumber int64) (*ScheduledCommand, error)
	// FindScheduledCommandByETag returns the pending command with etag, or ErrNotFound.
	FindScheduledCommandByETag(ctx context.Context, aggregateID, etag string) (*ScheduledCommand, error)

	// DueScheduledCommands returns pending commands on the clock due at or before asOf,
	// ordered by due time with undated commands first.
	DueScheduledCommands(ctx context.Context, clockID int64, asOf time.Time, limit int) ([]*ScheduledCommand, error)
	QueryScheduledCommands(ctx context.Context, filter ScheduledCommandFilter) ([]*ScheduledCommand, error)

	RecordError(ctx context.Context, e ScheduledCommandError) error
	ListErrors(ctx context.Context, aggregateID string, sequenceNumber int64) ([]ScheduledCommandError, error)
}
