package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

// uniqueViolation is the SQLSTATE for a unique constraint failure.
const uniqueViolation = pq.ErrorCode("23505")

// isUniqueViolation reports whether err came from a unique constraint.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// nullString maps "" to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps a nil pointer to SQL NULL.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans a database row into an Event.
// Compatible with both sql.Row (single) and sql.Rows (multiple).
func scanEventRow(row scanner) (domain.Event, error) {
	var evt domain.Event
	var etag sql.NullString
	var data []byte

	if err := row.Scan(
		&evt.AggregateID,
		&evt.SequenceNumber,
		&evt.Type,
		&etag,
		&evt.Timestamp,
		&data,
	); err != nil {
		return domain.Event{}, fmt.Errorf("failed to scan event row: %w", err)
	}

	evt.ETag = etag.String
	evt.Timestamp = evt.Timestamp.UTC()
	if len(data) > 0 {
		evt.Data = data
	}
	return evt, nil
}

func scanScheduledCommandRow(row scanner) (*storage.ScheduledCommand, error) {
	var cmd storage.ScheduledCommand
	var etag sql.NullString
	var serialized []byte
	var due, applied, final sql.NullTime

	if err := row.Scan(
		&cmd.AggregateID,
		&cmd.SequenceNumber,
		&cmd.AggregateType,
		&cmd.CommandType,
		&etag,
		&serialized,
		&cmd.CreatedTime,
		&due,
		&applied,
		&final,
		&cmd.Attempts,
		&cmd.ClockID,
		&cmd.ClockName,
	); err != nil {
		return nil, fmt.Errorf("failed to scan scheduled command row: %w", err)
	}

	cmd.ETag = etag.String
	cmd.SerializedCommand = serialized
	cmd.CreatedTime = cmd.CreatedTime.UTC()
	cmd.DueTime = timePtr(due)
	cmd.AppliedTime = timePtr(applied)
	cmd.FinalAttemptTime = timePtr(final)
	return &cmd, nil
}

func collectScheduledCommands(rows *sql.Rows) ([]*storage.ScheduledCommand, error) {
	defer rows.Close()

	var out []*storage.ScheduledCommand
	for rows.Next() {
		cmd, err := scanScheduledCommandRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled commands: %w", err)
	}
	return out, nil
}

// buildScheduledCommandQuery renders the filter as a WHERE clause over
// scheduledCommandSelect with positional arguments.
func buildScheduledCommandQuery(filter storage.ScheduledCommandFilter) (string, []interface{}) {
	var (
		where []string
		args  []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ClockName != "" {
		add("c.name = $%d", filter.ClockName)
	}
	if filter.AggregateID != "" {
		add("sc.aggregate_id = $%d", filter.AggregateID)
	}
	if filter.SequenceNumber != nil {
		add("sc.sequence_number = $%d", *filter.SequenceNumber)
	}
	if filter.CommandType != "" {
		add("sc.command_type = $%d", filter.CommandType)
	}
	if filter.PendingOnly {
		where = append(where, "sc.applied_time IS NULL", "sc.final_attempt_time IS NULL")
	}

	var b strings.Builder
	b.WriteString(scheduledCommandSelect)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY sc.due_time ASC NULLS FIRST, sc.created_time ASC, sc.aggregate_id ASC, sc.sequence_number DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		b.WriteString(fmt.Sprintf(" LIMIT $%d", len(args)))
	}
	return b.String(), args
}
