package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	coreclock "github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// SchedulerStore is an in-memory storage.ScheduledCommandStore.
type SchedulerStore struct {
	mu          sync.RWMutex
	clocks      map[string]*storage.Clock
	clocksByID  map[int64]*storage.Clock
	nextClockID int64
	commands    map[eventKey]*storage.ScheduledCommand
	errors      []storage.ScheduledCommandError
}

// NewSchedulerStore creates an empty store.
func NewSchedulerStore() *SchedulerStore {
	return &SchedulerStore{
		clocks:     make(map[string]*storage.Clock),
		clocksByID: make(map[int64]*storage.Clock),
		commands:   make(map[eventKey]*storage.ScheduledCommand),
	}
}

func (s *SchedulerStore) GetClock(_ context.Context, name string) (*storage.Clock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clocks[name]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *SchedulerStore) CreateClock(_ context.Context, name string, start time.Time) (*storage.Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.clocks[name]; exists {
		return nil, storage.ErrDuplicate
	}
	s.nextClockID++
	c := &storage.Clock{ID: s.nextClockID, Name: name, StartTime: start.UTC(), UTCNow: start.UTC()}
	s.clocks[name] = c
	s.clocksByID[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *SchedulerStore) UpdateClock(_ context.Context, clock *storage.Clock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clocksByID[clock.ID]
	if !ok {
		return storage.ErrNotFound
	}
	to := clock.UTCNow.UTC()
	if to.Before(c.UTCNow) {
		return fmt.Errorf("%w: clock %q is already at %s, requested %s",
			coreclock.ErrMovedBackward, c.Name, c.UTCNow.Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
	}
	c.UTCNow = to
	return nil
}

func (s *SchedulerStore) InsertScheduledCommand(_ context.Context, cmd *storage.ScheduledCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{cmd.AggregateID, cmd.SequenceNumber}
	if _, exists := s.commands[key]; exists {
		return storage.ErrDuplicate
	}
	if c, ok := s.clocksByID[cmd.ClockID]; ok {
		cmd.ClockName = c.Name
	}
	s.commands[key] = copyCommand(cmd)
	return nil
}

func (s *SchedulerStore) UpdateScheduledCommand(_ context.Context, cmd *storage.ScheduledCommand) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey{cmd.AggregateID, cmd.SequenceNumber}
	if _, exists := s.commands[key]; !exists {
		return storage.ErrNotFound
	}
	s.commands[key] = copyCommand(cmd)
	return nil
}

func (s *SchedulerStore) GetScheduledCommand(_ context.Context, aggregateID string, sequenceNumber int64) (*storage.ScheduledCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cmd, ok := s.commands[eventKey{aggregateID, sequenceNumber}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyCommand(cmd), nil
}

func (s *SchedulerStore) FindScheduledCommandByETag(_ context.Context, aggregateID, etag string) (*storage.ScheduledCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cmd := range s.commands {
		if cmd.AggregateID == aggregateID && cmd.ETag == etag && cmd.Pending() {
			return copyCommand(cmd), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (s *SchedulerStore) DueScheduledCommands(_ context.Context, clockID int64, asOf time.Time, limit int) ([]*storage.ScheduledCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ScheduledCommand
	for _, cmd := range s.commands {
		if cmd.ClockID != clockID || !cmd.Pending() {
			continue
		}
		if cmd.DueTime != nil && cmd.DueTime.After(asOf) {
			continue
		}
		out = append(out, copyCommand(cmd))
	}
	sortByDue(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SchedulerStore) QueryScheduledCommands(_ context.Context, filter storage.ScheduledCommandFilter) ([]*storage.ScheduledCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*storage.ScheduledCommand
	for _, cmd := range s.commands {
		if filter.ClockName != "" && cmd.ClockName != filter.ClockName {
			continue
		}
		if filter.AggregateID != "" && cmd.AggregateID != filter.AggregateID {
			continue
		}
		if filter.SequenceNumber != nil && cmd.SequenceNumber != *filter.SequenceNumber {
			continue
		}
		if filter.CommandType != "" && cmd.CommandType != filter.CommandType {
			continue
		}
		if filter.PendingOnly && !cmd.Pending() {
			continue
		}
		out = append(out, copyCommand(cmd))
	}
	sortByDue(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *SchedulerStore) RecordError(_ context.Context, e storage.ScheduledCommandError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

func (s *SchedulerStore) ListErrors(_ context.Context, aggregateID string, sequenceNumber int64) ([]storage.ScheduledCommandError, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.ScheduledCommandError
	for _, e := range s.errors {
		if e.AggregateID == aggregateID && e.SequenceNumber == sequenceNumber {
			out = append(out, e)
		}
	}
	return out, nil
}

// sortByDue orders undated commands first, then by due time, then by creation.
func sortByDue(cmds []*storage.ScheduledCommand) {
	sort.SliceStable(cmds, func(i, j int) bool {
		a, b := cmds[i], cmds[j]
		switch {
		case a.DueTime == nil && b.DueTime != nil:
			return true
		case a.DueTime != nil && b.DueTime == nil:
			return false
		case a.DueTime != nil && !a.DueTime.Equal(*b.DueTime):
			return a.DueTime.Before(*b.DueTime)
		case !a.CreatedTime.Equal(b.CreatedTime):
			return a.CreatedTime.Before(b.CreatedTime)
		}
		if a.AggregateID != b.AggregateID {
			return a.AggregateID < b.AggregateID
		}
		return a.SequenceNumber > b.SequenceNumber
	})
}

func copyCommand(cmd *storage.ScheduledCommand) *storage.ScheduledCommand {
	cp := *cmd
	cp.SerializedCommand = append([]byte(nil), cmd.SerializedCommand...)
	cp.DueTime = copyTime(cmd.DueTime)
	cp.AppliedTime = copyTime(cmd.AppliedTime)
	cp.FinalAttemptTime = copyTime(cmd.FinalAttemptTime)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
