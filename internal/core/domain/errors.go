package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidAggregateID is returned when an event is added to a sequence owned by another aggregate.
	ErrInvalidAggregateID = errors.New("event aggregate id does not match sequence")
	// ErrDuplicateSequenceNumber is returned when a sequence already holds an event with the same number.
	ErrDuplicateSequenceNumber = errors.New("duplicate sequence number")

	ErrAuthorizationFailure = errors.New("command not authorized")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrPreconditionNotMet   = errors.New("precondition not met")
	ErrUnknownCommand       = errors.New("unknown command")
	ErrUnknownAggregateType = errors.New("unknown aggregate type")
	ErrAggregateNotFound    = errors.New("aggregate not found")

	// ErrConfiguration marks a missing or invalid collaborator. It is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
)

// ValidationStage tells whether a validation failure came from the command alone
// or from checking it against aggregate state.
type ValidationStage string

const (
	StageCommand ValidationStage = "command"
	StageState   ValidationStage = "state"
)

// ValidationFailure is returned when a command fails validation.
type ValidationFailure struct {
	AggregateType string
	Command       string
	Stage         ValidationStage
	Report        ValidationReport
}

func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Report.Failures))
	for _, f := range e.Report.Failures {
		msgs = append(msgs, f.Message)
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("command %s failed %s validation", e.Command, e.Stage)
	}
	return fmt.Sprintf("command %s failed %s validation: %s", e.Command, e.Stage, strings.Join(msgs, "; "))
}

// Details surfaces the report for API error responses.
func (e *ValidationFailure) Details() map[string]interface{} {
	return map[string]interface{}{
		"command":  e.Command,
		"stage":    string(e.Stage),
		"failures": e.Report.Failures,
	}
}

// IsDeterministic reports whether retrying err could ever change the outcome.
// Validation and authorization failures, and commands nobody handles, are deterministic.
func IsDeterministic(err error) bool {
	var vf *ValidationFailure
	switch {
	case errors.As(err, &vf):
		return true
	case errors.Is(err, ErrAuthorizationFailure),
		errors.Is(err, ErrUnknownCommand),
		errors.Is(err, ErrUnknownAggregateType):
		return true
	}
	return false
}
