package postgres

// SQL for event and scheduled-command storage.

const (
	// queryInsertEvent fails with unique_violation when (aggregate_id, sequence_number)
	// is taken, which is how concurrent writers to one aggregate are detected.
	queryInsertEvent = `
		INSERT INTO events (
			aggregate_id, sequence_number, aggregate_type, type,
			etag, occurred_at, data
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	queryLoadEvents = `
		SELECT
			aggregate_id, sequence_number, type, etag, occurred_at, data
		FROM events
		WHERE aggregate_type = $1
		  AND aggregate_id = $2
		ORDER BY sequence_number ASC
	`

	queryEventRecorded = `
		SELECT EXISTS (
			SELECT 1 FROM events
			WHERE aggregate_id = $1
			  AND etag = $2
		)
	`

	querySelectClock = `
		SELECT id, name, start_time, current_utc
		FROM clocks
		WHERE name = $1
	`

	// queryInsertClock returns no rows when the name is taken.
	queryInsertClock = `
		INSERT INTO clocks (name, start_time, current_utc)
		VALUES ($1, $2, $2)
		ON CONFLICT (name) DO NOTHING
		RETURNING id
	`

	// queryUpdateClock only moves a clock forward; a concurrent advance past
	// $1 leaves the row untouched.
	queryUpdateClock = `
		UPDATE clocks
		SET current_utc = $1
		WHERE id = $2
		  AND current_utc <= $1
	`

	querySelectClockTime = `
		SELECT current_utc
		FROM clocks
		WHERE id = $1
	`

	queryInsertScheduledCommand = `
		INSERT INTO scheduled_commands (
			aggregate_id, sequence_number, aggregate_type, command_type, etag,
			serialized_command, created_time, due_time, applied_time,
			final_attempt_time, attempts, clock_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	queryUpdateScheduledCommand = `
		UPDATE scheduled_commands
		SET due_time = $3,
		    applied_time = $4,
		    final_attempt_time = $5,
		    attempts = $6,
		    serialized_command = $7
		WHERE aggregate_id = $1
		  AND sequence_number = $2
	`

	scheduledCommandSelect = `
		SELECT
			sc.aggregate_id, sc.sequence_number, sc.aggregate_type, sc.command_type,
			sc.etag, sc.serialized_command, sc.created_time, sc.due_time,
			sc.applied_time, sc.final_attempt_time, sc.attempts, sc.clock_id,
			COALESCE(c.name, '')
		FROM scheduled_commands sc
		LEFT JOIN clocks c ON c.id = sc.clock_id
	`

	queryGetScheduledCommand = scheduledCommandSelect + `
		WHERE sc.aggregate_id = $1
		  AND sc.sequence_number = $2
	`

	queryFindScheduledCommandByETag = scheduledCommandSelect + `
		WHERE sc.aggregate_id = $1
		  AND sc.etag = $2
		  AND sc.applied_time IS NULL
		  AND sc.final_attempt_time IS NULL
		ORDER BY sc.created_time ASC
		LIMIT 1
	`

	// queryDueScheduledCommands orders undated commands first. Within one due
	// time, earlier-scheduled commands come first; scheduler-assigned numbers
	// decrease over time, so that is descending sequence order.
	queryDueScheduledCommands = scheduledCommandSelect + `
		WHERE sc.clock_id = $1
		  AND sc.applied_time IS NULL
		  AND sc.final_attempt_time IS NULL
		  AND (sc.due_time IS NULL OR sc.due_time <= $2)
		ORDER BY sc.due_time ASC NULLS FIRST, sc.created_time ASC, sc.aggregate_id ASC, sc.sequence_number DESC
		LIMIT $3
	`

	queryInsertScheduledCommandError = `
		INSERT INTO scheduled_command_errors (
			id, aggregate_id, sequence_number, detail, created_time
		)
		VALUES ($1, $2, $3, $4, $5)
	`

	queryListScheduledCommandErrors = `
		SELECT id, aggregate_id, sequence_number, detail, created_time
		FROM scheduled_command_errors
		WHERE aggregate_id = $1
		  AND sequence_number = $2
		ORDER BY created_time ASC
	`
)
