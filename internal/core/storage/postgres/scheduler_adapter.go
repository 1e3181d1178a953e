package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreclock "github.com/aevon-lab/chronicle/internal/core/clock"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// defaultDueLimit bounds a due query when the caller passes no limit.
const defaultDueLimit = 500

// SchedulerAdapter implements storage.ScheduledCommandStore using PostgreSQL.
type SchedulerAdapter struct {
	db *sql.DB
}

// NewSchedulerAdapter creates a SchedulerAdapter sharing the given connection.
func NewSchedulerAdapter(db *sql.DB) *SchedulerAdapter {
	return &SchedulerAdapter{db: db}
}

func (a *SchedulerAdapter) GetClock(ctx context.Context, name string) (*storage.Clock, error) {
	var c storage.Clock
	err := a.db.QueryRowContext(ctx, querySelectClock, name).Scan(&c.ID, &c.Name, &c.StartTime, &c.UTCNow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get clock %q: %w", name, err)
	}
	c.StartTime = c.StartTime.UTC()
	c.UTCNow = c.UTCNow.UTC()
	return &c, nil
}

func (a *SchedulerAdapter) CreateClock(ctx context.Context, name string, start time.Time) (*storage.Clock, error) {
	start = start.UTC()
	var id int64
	err := a.db.QueryRowContext(ctx, queryInsertClock, name, start).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("create clock %q: %w", name, err)
	}

	slog.Info("[Postgres] Created clock", "clock", name, "start_time", start)
	return &storage.Clock{ID: id, Name: name, StartTime: start, UTCNow: start}, nil
}

func (a *SchedulerAdapter) UpdateClock(ctx context.Context, clock *storage.Clock) error {
	to := clock.UTCNow.UTC()
	res, err := a.db.ExecContext(ctx, queryUpdateClock, to, clock.ID)
	if err != nil {
		return fmt.Errorf("update clock %q: %w", clock.Name, err)
	}
	if err := expectOneRow(res, "clock"); !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	var current time.Time
	err = a.db.QueryRowContext(ctx, querySelectClockTime, clock.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read clock %q: %w", clock.Name, err)
	}
	return fmt.Errorf("%w: clock %q is already at %s, requested %s",
		coreclock.ErrMovedBackward, clock.Name, current.UTC().Format(time.RFC3339Nano), to.Format(time.RFC3339Nano))
}

func (a *SchedulerAdapter) InsertScheduledCommand(ctx context.Context, cmd *storage.ScheduledCommand) error {
	_, err := a.db.ExecContext(ctx, queryInsertScheduledCommand,
		cmd.AggregateID,
		cmd.SequenceNumber,
		cmd.AggregateType,
		cmd.CommandType,
		nullString(cmd.ETag),
		[]byte(cmd.SerializedCommand),
		cmd.CreatedTime.UTC(),
		nullTime(cmd.DueTime),
		nullTime(cmd.AppliedTime),
		nullTime(cmd.FinalAttemptTime),
		cmd.Attempts,
		cmd.ClockID,
	)
	if isUniqueViolation(err) {
		return storage.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("insert scheduled command %s #%d: %w", cmd.AggregateID, cmd.SequenceNumber, err)
	}
	return nil
}

func (a *SchedulerAdapter) UpdateScheduledCommand(ctx context.Context, cmd *storage.ScheduledCommand) error {
	res, err := a.db.ExecContext(ctx, queryUpdateScheduledCommand,
		cmd.AggregateID,
		cmd.SequenceNumber,
		nullTime(cmd.DueTime),
		nullTime(cmd.AppliedTime),
		nullTime(cmd.FinalAttemptTime),
		cmd.Attempts,
		[]byte(cmd.SerializedCommand),
	)
	if err != nil {
		return fmt.Errorf("update scheduled command %s #%d: %w", cmd.AggregateID, cmd.SequenceNumber, err)
	}
	return expectOneRow(res, "scheduled command")
}

func (a *SchedulerAdapter) GetScheduledCommand(ctx context.Context, aggregateID string, sequenceNumber int64) (*storage.ScheduledCommand, error) {
	cmd, err := scanScheduledCommandRow(a.db.QueryRowContext(ctx, queryGetScheduledCommand, aggregateID, sequenceNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return cmd, err
}

func (a *SchedulerAdapter) FindScheduledCommandByETag(ctx context.Context, aggregateID, etag string) (*storage.ScheduledCommand, error) {
	cmd, err := scanScheduledCommandRow(a.db.QueryRowContext(ctx, queryFindScheduledCommandByETag, aggregateID, etag))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return cmd, err
}

// DueScheduledCommands returns at most limit commands; a non-positive limit
// means defaultDueLimit.
func (a *SchedulerAdapter) DueScheduledCommands(ctx context.Context, clockID int64, asOf time.Time, limit int) ([]*storage.ScheduledCommand, error) {
	if limit <= 0 {
		limit = defaultDueLimit
	}
	rows, err := a.db.QueryContext(ctx, queryDueScheduledCommands, clockID, asOf.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query due commands: %w", err)
	}
	return collectScheduledCommands(rows)
}

func (a *SchedulerAdapter) QueryScheduledCommands(ctx context.Context, filter storage.ScheduledCommandFilter) ([]*storage.ScheduledCommand, error) {
	query, args := buildScheduledCommandQuery(filter)
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query scheduled commands: %w", err)
	}
	return collectScheduledCommands(rows)
}

func (a *SchedulerAdapter) RecordError(ctx context.Context, e storage.ScheduledCommandError) error {
	if _, err := a.db.ExecContext(ctx, queryInsertScheduledCommandError,
		e.ID,
		e.AggregateID,
		e.SequenceNumber,
		e.Detail,
		e.CreatedTime.UTC(),
	); err != nil {
		return fmt.Errorf("record error for %s #%d: %w", e.AggregateID, e.SequenceNumber, err)
	}
	return nil
}

func (a *SchedulerAdapter) ListErrors(ctx context.Context, aggregateID string, sequenceNumber int64) ([]storage.ScheduledCommandError, error) {
	rows, err := a.db.QueryContext(ctx, queryListScheduledCommandErrors, aggregateID, sequenceNumber)
	if err != nil {
		return nil, fmt.Errorf("query scheduled command errors: %w", err)
	}
	defer rows.Close()

	var out []storage.ScheduledCommandError
	for rows.Next() {
		var e storage.ScheduledCommandError
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.SequenceNumber, &e.Detail, &e.CreatedTime); err != nil {
			return nil, fmt.Errorf("failed to scan scheduled command error: %w", err)
		}
		e.CreatedTime = e.CreatedTime.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled command errors: %w", err)
	}
	return out, nil
}

func expectOneRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for %s: %w", what, err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
