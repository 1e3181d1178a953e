package domain

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aevon-lab/chronicle/internal/core/clock"
)

// State is the folded, aggregate-specific state of an event-sourced entity.
// Apply must be a pure update: no I/O and no side effects outside the receiver.
type State interface {
	Apply(evt Event) error
}

// AfterSave is run by the repository once the aggregate's pending events are durable.
type AfterSave func(ctx context.Context) error

// Aggregate is an entity whose state is derived from its event history.
// Committed events live in history; events recorded since the last save live in pending.
type Aggregate struct {
	typ   string
	id    string
	state State

	history *EventSequence
	pending *EventSequence

	// etag stamps events recorded while a command is being enacted.
	etag      string
	afterSave []AfterSave
}

// NewAggregate creates an aggregate with no history.
func NewAggregate(typ, id string, state State) *Aggregate {
	return &Aggregate{
		typ:     typ,
		id:      id,
		state:   state,
		history: NewEventSequence(id),
		pending: NewEventSequence(id),
	}
}

// Rehydrate rebuilds an aggregate by folding history in sequence order.
func Rehydrate(typ, id string, state State, history []Event) (*Aggregate, error) {
	agg := NewAggregate(typ, id, state)
	if err := agg.history.AddRange(history); err != nil {
		return nil, fmt.Errorf("rehydrate %s %s: %w", typ, id, err)
	}
	for _, evt := range agg.history.Events() {
		if err := agg.state.Apply(evt); err != nil {
			return nil, fmt.Errorf("rehydrate %s %s: apply %s #%d: %w", typ, id, evt.Type, evt.SequenceNumber, err)
		}
	}
	return agg, nil
}

func (a *Aggregate) Type() string { return a.typ }
func (a *Aggregate) ID() string   { return a.id }
func (a *Aggregate) State() State { return a.state }

// Version is the highest sequence number across history and pending.
func (a *Aggregate) Version() int64 {
	if v := a.pending.Version(); v > a.history.Version() {
		return v
	}
	return a.history.Version()
}

// History returns committed events.
func (a *Aggregate) History() []Event { return a.history.Events() }

// Pending returns events recorded but not yet saved.
func (a *Aggregate) Pending() []Event { return a.pending.Events() }

// HasETag reports whether a recorded event, committed or pending, carries etag.
func (a *Aggregate) HasETag(etag string) bool {
	return a.history.HasETag(etag) || a.pending.HasETag(etag)
}

// Record builds an event from data, folds it into state and appends it to pending.
// The timestamp comes from clock.Now(ctx), so a scheduled delivery stamps events
// with the command's due time.
func (a *Aggregate) Record(ctx context.Context, eventType string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("record %s: marshal payload: %w", eventType, err)
		}
		raw = b
	}

	evt := Event{
		AggregateID:    a.id,
		SequenceNumber: a.Version() + 1,
		Timestamp:      clock.Now(ctx),
		ETag:           a.etag,
		Type:           eventType,
		Data:           raw,
	}
	if err := a.state.Apply(evt); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	if _, err := a.pending.Add(evt); err != nil {
		return fmt.Errorf("record %s: %w", eventType, err)
	}
	return nil
}

// OnSaved registers fn to run after the next successful save.
// Handlers use it to schedule follow-up commands once their own events are durable.
func (a *Aggregate) OnSaved(fn AfterSave) {
	a.afterSave = append(a.afterSave, fn)
}

// ConfirmSaved moves pending events into history and hands back the after-save actions.
func (a *Aggregate) ConfirmSaved() ([]AfterSave, error) {
	if err := a.pending.TransferTo(a.history); err != nil {
		return nil, fmt.Errorf("confirm save of %s %s: %w", a.typ, a.id, err)
	}
	actions := a.afterSave
	a.afterSave = nil
	return actions, nil
}

// StateAs returns the aggregate state as S.
func StateAs[S State](a *Aggregate) (S, bool) {
	s, ok := a.state.(S)
	return s, ok
}
