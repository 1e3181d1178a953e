package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/require"

	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
)

func TestAdapter_AppendEvents(t *testing.T) {
	now := time.Date(2026, 2, 8, 12, 0, 0, 0, time.UTC)
	events := []domain.Event{
		{AggregateID: "sub-1", SequenceNumber: 1, Type: "Subscribed", ETag: "tok", Timestamp: now, Data: json.RawMessage(`{"plan":"pro"}`)},
		{AggregateID: "sub-1", SequenceNumber: 2, Type: "Charged", Timestamp: now},
	}

	tests := []struct {
		name       string
		mockResult func(mock sqlmock.Sqlmock)
		assertions func(t *testing.T, err error)
	}{
		{
			name: "commits every row",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				prep := mock.ExpectPrepare(regexp.QuoteMeta(queryInsertEvent))
				prep.ExpectExec().
					WithArgs("sub-1", int64(1), "subscription", "Subscribed", "tok", now, []byte(`{"plan":"pro"}`)).
					WillReturnResult(sqlmock.NewResult(0, 1))
				prep.ExpectExec().
					WithArgs("sub-1", int64(2), "subscription", "Charged", nil, now, nil).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectCommit()
			},
			assertions: func(t *testing.T, err error) {
				require.NoError(t, err)
			},
		},
		{
			name: "unique violation maps to ErrDuplicate and rolls back",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				prep := mock.ExpectPrepare(regexp.QuoteMeta(queryInsertEvent))
				prep.ExpectExec().
					WithArgs("sub-1", int64(1), "subscription", "Subscribed", "tok", now, []byte(`{"plan":"pro"}`)).
					WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})
				mock.ExpectRollback()
			},
			assertions: func(t *testing.T, err error) {
				require.ErrorIs(t, err, storage.ErrDuplicate)
			},
		},
		{
			name: "other errors are wrapped",
			mockResult: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				prep := mock.ExpectPrepare(regexp.QuoteMeta(queryInsertEvent))
				prep.ExpectExec().
					WithArgs("sub-1", int64(1), "subscription", "Subscribed", "tok", now, []byte(`{"plan":"pro"}`)).
					WillReturnError(errors.New("connection reset"))
				mock.ExpectRollback()
			},
			assertions: func(t *testing.T, err error) {
				require.Error(t, err)
				require.NotErrorIs(t, err, storage.ErrDuplicate)
				require.ErrorContains(t, err, "connection reset")
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			adapter, mock, db := newMockAdapter(t)
			defer db.Close()

			tc.mockResult(mock)
			err := adapter.AppendEvents(context.Background(), "subscription", events)
			tc.assertions(t, err)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAdapter_AppendEventsEmptyIsNoOp(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	require.NoError(t, adapter.AppendEvents(context.Background(), "subscription", nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_LoadEvents(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	at := time.Date(2026, 2, 8, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(queryLoadEvents)).
		WithArgs("subscription", "sub-1").
		WillReturnRows(sqlmock.NewRows(eventRowColumns()).
			AddRow("sub-1", int64(1), "Subscribed", "tok", at, []byte(`{"plan":"pro"}`)).
			AddRow("sub-1", int64(2), "Charged", nil, at.Add(time.Minute), nil),
		).RowsWillBeClosed()

	events, err := adapter.LoadEvents(context.Background(), "subscription", "sub-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, "tok", events[0].ETag)
	require.JSONEq(t, `{"plan":"pro"}`, string(events[0].Data))
	require.Equal(t, "", events[1].ETag)
	require.Nil(t, events[1].Data)
	require.Equal(t, int64(2), events[1].SequenceNumber)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAdapter_EventRecorded(t *testing.T) {
	adapter, mock, db := newMockAdapter(t)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(queryEventRecorded)).
		WithArgs("sub-1", "tok").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := adapter.EventRecorded(context.Background(), "sub-1", "tok")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func newMockAdapter(t *testing.T) (*Adapter, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	mock.ExpectPrepare(regexp.QuoteMeta(queryLoadEvents))
	mock.ExpectPrepare(regexp.QuoteMeta(queryEventRecorded))
	adapter, err := newAdapter(db)
	require.NoError(t, err)

	return adapter, mock, db
}

func eventRowColumns() []string {
	return []string{
		"aggregate_id",
		"sequence_number",
		"type",
		"etag",
		"occurred_at",
		"data",
	}
}
