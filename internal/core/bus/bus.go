// Package bus distributes committed events to in-process or remote subscribers.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/aevon-lab/chronicle/internal/core/domain"
)

// DefaultBuffer is the per-subscription channel capacity.
const DefaultBuffer = 64

// Filter selects events. Empty fields match anything.
type Filter struct {
	AggregateID string
	ETag        string
	Type        string
}

// Matches reports whether evt satisfies every non-empty field of f.
func (f Filter) Matches(evt domain.Event) bool {
	if f.AggregateID != "" && f.AggregateID != evt.AggregateID {
		return false
	}
	if f.ETag != "" && f.ETag != evt.ETag {
		return false
	}
	if f.Type != "" && f.Type != evt.Type {
		return false
	}
	return true
}

// Publisher announces committed events.
type Publisher interface {
	Publish(ctx context.Context, events ...domain.Event) error
}

// Subscriber opens filtered event subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)
}

// Bus is both ends of an event bus.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Subscription delivers matching events until closed or until the context
// it was opened with is done.
type Subscription interface {
	Events() <-chan domain.Event
	Close()
}

// Memory is an in-process bus. Publishing never blocks: a subscriber whose
// buffer is full misses the event.
type Memory struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[*memorySubscription]struct{}), buffer: DefaultBuffer}
}

func (m *Memory) Publish(_ context.Context, events ...domain.Event) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, evt := range events {
		for sub := range m.subs {
			sub.offer(evt)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	sub := &memorySubscription{
		filter: filter,
		ch:     make(chan domain.Event, m.buffer),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.shutdown()
		return sub, nil
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	sub.unsubscribe = func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

// Close ends every open subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	subs := m.subs
	m.subs = make(map[*memorySubscription]struct{})
	m.closed = true
	m.mu.Unlock()

	for sub := range subs {
		sub.shutdown()
	}
	return nil
}

type memorySubscription struct {
	filter      Filter
	ch          chan domain.Event
	done        chan struct{}
	once        sync.Once
	mu          sync.Mutex
	unsubscribe func()
}

func (s *memorySubscription) Events() <-chan domain.Event { return s.ch }

func (s *memorySubscription) offer(evt domain.Event) {
	if !s.filter.Matches(evt) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.ch <- evt:
	default:
		slog.Warn("[Bus] Subscriber buffer full, dropping event",
			"aggregate_id", evt.AggregateID,
			"sequence_number", evt.SequenceNumber)
	}
}

func (s *memorySubscription) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.shutdown()
}

func (s *memorySubscription) shutdown() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		close(s.ch)
		s.mu.Unlock()
	})
}
