package domain

import (
	"fmt"
	"sort"
)

// EventSequence holds the ordered, deduplicated events of one aggregate.
// It is not safe for concurrent use; an aggregate instance belongs to one unit of work.
type EventSequence struct {
	aggregateID string
	events      []Event
	numbers     map[int64]struct{}
	version     int64
}

// NewEventSequence creates an empty sequence owned by aggregateID.
func NewEventSequence(aggregateID string) *EventSequence {
	return &EventSequence{
		aggregateID: aggregateID,
		numbers:     make(map[int64]struct{}),
	}
}

// AggregateID returns the owning aggregate id.
func (s *EventSequence) AggregateID() string { return s.aggregateID }

// Version is the highest sequence number held, or 0 when empty.
func (s *EventSequence) Version() int64 { return s.version }

// Len returns the number of events held.
func (s *EventSequence) Len() int { return len(s.events) }

// Add appends evt, assigning the next sequence number when it has none.
// The stored event (with its final number) is returned.
func (s *EventSequence) Add(evt Event) (Event, error) {
	if evt.AggregateID == "" {
		evt.AggregateID = s.aggregateID
	}
	if evt.AggregateID != s.aggregateID {
		return Event{}, fmt.Errorf("%w: got %q, sequence belongs to %q", ErrInvalidAggregateID, evt.AggregateID, s.aggregateID)
	}
	if evt.SequenceNumber == 0 {
		evt.SequenceNumber = s.version + 1
	}
	if evt.SequenceNumber < 0 {
		return Event{}, fmt.Errorf("%w: %d is not a valid event number", ErrDuplicateSequenceNumber, evt.SequenceNumber)
	}
	if _, exists := s.numbers[evt.SequenceNumber]; exists {
		return Event{}, fmt.Errorf("%w: %d already recorded for %s", ErrDuplicateSequenceNumber, evt.SequenceNumber, s.aggregateID)
	}

	s.numbers[evt.SequenceNumber] = struct{}{}
	if evt.SequenceNumber > s.version {
		s.version = evt.SequenceNumber
		s.events = append(s.events, evt)
		return evt, nil
	}

	// Out-of-order insert keeps the slice sorted by sequence number.
	i := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].SequenceNumber > evt.SequenceNumber
	})
	s.events = append(s.events, Event{})
	copy(s.events[i+1:], s.events[i:])
	s.events[i] = evt
	return evt, nil
}

// AddRange adds every event in order, stopping at the first failure.
func (s *EventSequence) AddRange(events []Event) error {
	for _, evt := range events {
		if _, err := s.Add(evt); err != nil {
			return err
		}
	}
	return nil
}

// Events returns a copy of the events ordered by sequence number.
func (s *EventSequence) Events() []Event {
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// HasETag reports whether any held event carries etag.
func (s *EventSequence) HasETag(etag string) bool {
	if etag == "" {
		return false
	}
	for _, evt := range s.events {
		if evt.ETag == etag {
			return true
		}
	}
	return false
}

// TransferTo moves every event into target and resets s.
// Nothing is moved if any event is rejected by target.
func (s *EventSequence) TransferTo(target *EventSequence) error {
	if target == s {
		return nil
	}
	staged := NewEventSequence(target.aggregateID)
	staged.version = target.version
	for n := range target.numbers {
		staged.numbers[n] = struct{}{}
	}
	for _, evt := range s.events {
		if _, err := staged.Add(evt); err != nil {
			return err
		}
	}
	if err := target.AddRange(s.events); err != nil {
		return err
	}

	s.events = nil
	s.numbers = make(map[int64]struct{})
	s.version = 0
	return nil
}
