// Package memory implements the storage contracts in process memory.
// It backs tests and the database.type=memory deployment mode.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

type eventKey struct {
	aggregateID    string
	sequenceNumber int64
}

type storedEvent struct {
	aggregateType string
	event         domain.Event
}

// EventStore is an in-memory storage.EventStore.
type EventStore struct {
	mu     sync.RWMutex
	events map[eventKey]storedEvent
	byAgg  map[string][]int64
}

// NewEventStore creates an empty store.
func NewEventStore() *EventStore {
	return &EventStore{
		events: make(map[eventKey]storedEvent),
		byAgg:  make(map[string][]int64),
	}
}

func (s *EventStore) AppendEvents(_ context.Context, aggregateType string, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[eventKey]struct{}, len(events))
	for _, evt := range events {
		key := eventKey{evt.AggregateID, evt.SequenceNumber}
		if _, exists := s.events[key]; exists {
			return storage.ErrDuplicate
		}
		if _, exists := batch[key]; exists {
			return storage.ErrDuplicate
		}
		batch[key] = struct{}{}
	}

	for _, evt := range events {
		key := eventKey{evt.AggregateID, evt.SequenceNumber}
		s.events[key] = storedEvent{aggregateType: aggregateType, event: evt}
		s.byAgg[evt.AggregateID] = append(s.byAgg[evt.AggregateID], evt.SequenceNumber)
	}
	return nil
}

func (s *EventStore) LoadEvents(_ context.Context, aggregateType, aggregateID string) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.Event
	for _, n := range s.byAgg[aggregateID] {
		stored := s.events[eventKey{aggregateID, n}]
		if stored.aggregateType != aggregateType {
			continue
		}
		out = append(out, stored.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out, nil
}

func (s *EventStore) EventRecorded(_ context.Context, aggregateID, etag string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.byAgg[aggregateID] {
		if s.events[eventKey{aggregateID, n}].event.ETag == etag {
			return true, nil
		}
	}
	return false, nil
}

// Count returns the number of stored events.
func (s *EventStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
