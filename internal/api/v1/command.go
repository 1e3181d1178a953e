// Package v1 holds the JSON shapes of the v1 HTTP API.
package v1

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is a request to change one aggregate.
type Command struct {
	// Type names the command, e.g. "Subscribe".
	Type string `json:"type"`

	// ETag is the client's idempotency token. A command whose token was
	// already recorded on the aggregate is accepted without effect.
	ETag string `json:"etag,omitempty"`

	// RequiredVersion, when set, must match the aggregate's current version.
	RequiredVersion *int64 `json:"required_version,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the request shape.
func (c *Command) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("type is required")
	}
	if c.RequiredVersion != nil && *c.RequiredVersion < 0 {
		return fmt.Errorf("required_version must not be negative")
	}
	return nil
}

// Batch is an ordered list of commands applied to one aggregate and saved together.
type Batch struct {
	Commands []Command `json:"commands"`
}

func (b *Batch) Validate() error {
	if len(b.Commands) == 0 {
		return fmt.Errorf("commands must not be empty")
	}
	for i := range b.Commands {
		if err := b.Commands[i].Validate(); err != nil {
			return fmt.Errorf("commands[%d]: %w", i, err)
		}
	}
	return nil
}

// Precondition gates a scheduled command on an event recorded in Scope with ETag.
type Precondition struct {
	Scope string `json:"scope"`
	ETag  string `json:"etag"`
}

// ScheduleRequest schedules a command for later or gated delivery.
type ScheduleRequest struct {
	Command Command `json:"command"`

	// DueTime empty means as soon as possible.
	DueTime *time.Time `json:"due_time,omitempty"`
	// Clock names the logical clock; empty uses the scheduler default.
	Clock        string        `json:"clock,omitempty"`
	Precondition *Precondition `json:"precondition,omitempty"`
	// SequenceNumber is optional; zero lets the scheduler assign one.
	SequenceNumber int64 `json:"sequence_number,omitempty"`
}

func (r *ScheduleRequest) Validate() error {
	if err := r.Command.Validate(); err != nil {
		return fmt.Errorf("command: %w", err)
	}
	if r.Precondition != nil && (r.Precondition.Scope == "" || r.Precondition.ETag == "") {
		return fmt.Errorf("precondition needs a scope and an etag")
	}
	if r.SequenceNumber < 0 {
		return fmt.Errorf("sequence_number must be positive when set")
	}
	return nil
}

// AdvanceClockRequest moves a clock to an absolute time or by a duration.
// Exactly one of To and By is set.
type AdvanceClockRequest struct {
	To *time.Time `json:"to,omitempty"`
	// By is a Go duration string such as "90m".
	By string `json:"by,omitempty"`
}

func (r *AdvanceClockRequest) Validate() error {
	switch {
	case r.To == nil && r.By == "":
		return fmt.Errorf("one of to or by is required")
	case r.To != nil && r.By != "":
		return fmt.Errorf("to and by are mutually exclusive")
	}
	if r.By != "" {
		if _, err := r.Duration(); err != nil {
			return err
		}
	}
	return nil
}

// Duration parses By.
func (r *AdvanceClockRequest) Duration() (time.Duration, error) {
	d, err := time.ParseDuration(r.By)
	if err != nil {
		return 0, fmt.Errorf("by: %w", err)
	}
	return d, nil
}

// TriggerRequest selects stored commands for immediate redelivery.
type TriggerRequest struct {
	Clock          string `json:"clock,omitempty"`
	AggregateID    string `json:"aggregate_id,omitempty"`
	SequenceNumber *int64 `json:"sequence_number,omitempty"`
	CommandType    string `json:"command_type,omitempty"`
	PendingOnly    bool   `json:"pending_only,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// Validate refuses an unconstrained trigger, which would redeliver every
// stored command.
func (r *TriggerRequest) Validate() error {
	if r.Clock == "" && r.AggregateID == "" && r.SequenceNumber == nil && r.CommandType == "" {
		return fmt.Errorf("at least one of clock, aggregate_id, sequence_number or command_type is required")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

// Event is one recorded event.
type Event struct {
	SequenceNumber int64           `json:"sequence_number"`
	Type           string          `json:"type"`
	ETag           string          `json:"etag,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Aggregate is the stored history of one aggregate.
type Aggregate struct {
	Type    string  `json:"type"`
	ID      string  `json:"id"`
	Version int64   `json:"version"`
	Events  []Event `json:"events"`
}

// Result describes what happened to a scheduled or delivered command.
type Result struct {
	AggregateType  string     `json:"aggregate_type"`
	AggregateID    string     `json:"aggregate_id"`
	Command        string     `json:"command"`
	ETag           string     `json:"etag,omitempty"`
	SequenceNumber int64      `json:"sequence_number,omitempty"`
	Clock          string     `json:"clock,omitempty"`
	DueTime        *time.Time `json:"due_time,omitempty"`

	// Outcome is one of scheduled, deduplicated, succeeded, retrying,
	// canceled or abandoned.
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryAfter string `json:"retry_after,omitempty"`
}

// Advance is the outcome of moving a clock.
type Advance struct {
	Clock   string    `json:"clock"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	Results []Result  `json:"results"`
}

// Clock is the current time of a named clock.
type Clock struct {
	Name string    `json:"name"`
	Now  time.Time `json:"now"`
}
