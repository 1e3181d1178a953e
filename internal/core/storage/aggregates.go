package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aevon-lab/chronicle/internal/core/bus"
	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// ErrPostCommit wraps failures that happen after events are durable: bus
// publication and after-save actions. The save itself succeeded.
var ErrPostCommit = errors.New("post-commit step failed")

// AggregateRepository loads and saves event-sourced aggregates.
type AggregateRepository struct {
	registry  *domain.Registry
	events    EventStore
	publisher bus.Publisher
}

// NewAggregateRepository wires a repository. publisher may be nil.
func NewAggregateRepository(registry *domain.Registry, events EventStore, publisher bus.Publisher) (*AggregateRepository, error) {
	if registry == nil || events == nil {
		return nil, fmt.Errorf("%w: aggregate repository needs a registry and an event store", domain.ErrConfiguration)
	}
	return &AggregateRepository{registry: registry, events: events, publisher: publisher}, nil
}

// Get rehydrates an aggregate. An aggregate with no events does not exist.
func (r *AggregateRepository) Get(ctx context.Context, aggregateType, id string) (*domain.Aggregate, error) {
	history, err := r.events.LoadEvents(ctx, aggregateType, id)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", aggregateType, id, err)
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: %s %s", domain.ErrAggregateNotFound, aggregateType, id)
	}
	return r.registry.Rehydrate(aggregateType, id, history)
}

// Exists reports whether any event is stored for the aggregate.
func (r *AggregateRepository) Exists(ctx context.Context, aggregateType, id string) (bool, error) {
	history, err := r.events.LoadEvents(ctx, aggregateType, id)
	if err != nil {
		return false, fmt.Errorf("load %s %s: %w", aggregateType, id, err)
	}
	return len(history) > 0, nil
}

// Save appends pending events, confirms them into history, publishes them and
// then runs the aggregate's after-save actions in registration order.
//
// A sequence collision with a concurrent writer is reported as
// domain.ErrConcurrencyConflict and leaves the aggregate untouched.
// Failures after the append are joined and wrapped in ErrPostCommit.
func (r *AggregateRepository) Save(ctx context.Context, agg *domain.Aggregate) error {
	pending := agg.Pending()
	if len(pending) > 0 {
		if err := r.events.AppendEvents(ctx, agg.Type(), pending); err != nil {
			if errors.Is(err, ErrDuplicate) {
				return fmt.Errorf("%w: %s %s was modified concurrently", domain.ErrConcurrencyConflict, agg.Type(), agg.ID())
			}
			return fmt.Errorf("save %s %s: %w", agg.Type(), agg.ID(), err)
		}
	}

	actions, err := agg.ConfirmSaved()
	if err != nil {
		return err
	}

	var postErrs []error
	if r.publisher != nil && len(pending) > 0 {
		if err := r.publisher.Publish(ctx, pending...); err != nil {
			slog.Warn("[Repository] Event publication failed",
				"aggregate_type", agg.Type(),
				"aggregate_id", agg.ID(),
				"error", err)
			postErrs = append(postErrs, fmt.Errorf("publish: %w", err))
		}
	}

	for _, action := range actions {
		if err := action(ctx); err != nil {
			postErrs = append(postErrs, err)
		}
	}

	if len(postErrs) > 0 {
		return fmt.Errorf("%w: %s %s: %w", ErrPostCommit, agg.Type(), agg.ID(), errors.Join(postErrs...))
	}
	return nil
}

// EventStoreVerifier answers preconditions from the event store.
type EventStoreVerifier struct {
	Events EventStore
}

// Verify reports whether the precondition's event is durably recorded.
func (v EventStoreVerifier) Verify(ctx context.Context, p domain.Precondition) (bool, error) {
	ok, err := v.Events.EventRecorded(ctx, p.Scope, p.ETag)
	if err != nil {
		return false, fmt.Errorf("verify precondition %s: %w", p, err)
	}
	return ok, nil
}
