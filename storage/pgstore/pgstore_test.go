package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	outbox "github.com/overtonx/outbox-relay"
)

func fastWritePolicy(attempts int) outbox.RetryPolicy {
	return outbox.RetryPolicy{
		NumOfAttempts: attempts,
		StartingDelay: time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Jitter:        outbox.JitterNone,
	}
}

func newTestStore(t *testing.T, opts ...Option) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	opts = append([]Option{WithWriteRetryPolicy(fastWritePolicy(3))}, opts...)
	store := New(db, zap.NewNop(), opts...)
	return store, mock, func() { db.Close() }
}

func recordRows() *sqlmock.Rows {
	return sqlmock.NewRows(strings.Split(recordColumns, ", "))
}

func addRecordRow(rows *sqlmock.Rows, rec outbox.Record) {
	var processedAt interface{}
	if rec.ProcessedAt != nil {
		processedAt = *rec.ProcessedAt
	}
	rows.AddRow(
		rec.ID,
		rec.AggregateID,
		rec.AggregateType,
		rec.EventType,
		rec.Payload,
		string(rec.Status),
		rec.Attempts,
		int64(rec.SequenceNumber),
		rec.CreatedAt,
		processedAt,
	)
}

func queryPattern(tmpl string, args ...interface{}) string {
	return regexp.QuoteMeta(fmt.Sprintf(tmpl, args...))
}

func TestStore_FindUnprocessedByID(t *testing.T) {
	pattern := queryPattern(findUnprocessedQuery, recordColumns, defaultTable)

	t.Run("returns the matching record", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		created := time.Now().UTC().Truncate(time.Microsecond)
		want := outbox.Record{
			ID:          "rec-1",
			AggregateID: "agg-1",
			EventType:   "user.created",
			Payload:     []byte(`{"n":1}`),
			Status:      outbox.StatusPending,
			Attempts:    2,
			CreatedAt:   created,
		}

		rows := recordRows()
		addRecordRow(rows, want)
		mock.ExpectQuery(pattern).
			WithArgs("rec-1", outbox.StatusPending, outbox.StatusFailed).
			WillReturnRows(rows)

		got, err := store.FindUnprocessedByID(context.Background(), "rec-1")

		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Attempts, got.Attempts)
		assert.Equal(t, want.Payload, got.Payload)
		assert.Nil(t, got.ProcessedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns nil when no unprocessed row exists", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectQuery(pattern).
			WithArgs("rec-1", outbox.StatusPending, outbox.StatusFailed).
			WillReturnRows(recordRows())

		got, err := store.FindUnprocessedByID(context.Background(), "rec-1")

		require.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("propagates query errors", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectQuery(pattern).WillReturnError(errors.New("connection reset"))

		got, err := store.FindUnprocessedByID(context.Background(), "rec-1")

		assert.Error(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_FindRecentPendingEvents(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	now := time.Now().UTC().Truncate(time.Microsecond)
	rows := recordRows()
	addRecordRow(rows, outbox.Record{ID: "A", Status: outbox.StatusPending, CreatedAt: now.Add(-2 * time.Minute)})
	addRecordRow(rows, outbox.Record{ID: "B", Status: outbox.StatusPending, CreatedAt: now.Add(-time.Minute)})

	mock.ExpectQuery(queryPattern(findRecentPendingQuery, recordColumns, defaultTable)).
		WithArgs(outbox.StatusPending, sqlmock.AnyArg()).
		WillReturnRows(rows)

	records, err := store.FindRecentPendingEvents(context.Background(), 10*time.Minute)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "A", records[0].ID)
	assert.Equal(t, "B", records[1].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_FindLastProcessedEvent(t *testing.T) {
	pattern := queryPattern(findLastProcessedQuery, recordColumns, defaultTable)

	t.Run("returns the highest-sequence processed record", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		processedAt := time.Now().UTC().Truncate(time.Microsecond)
		rows := recordRows()
		addRecordRow(rows, outbox.Record{
			ID:             "rec-9",
			Status:         outbox.StatusProcessed,
			SequenceNumber: 99,
			CreatedAt:      processedAt.Add(-time.Minute),
			ProcessedAt:    &processedAt,
		})

		mock.ExpectQuery(pattern).
			WithArgs(outbox.StatusProcessed).
			WillReturnRows(rows)

		got, err := store.FindLastProcessedEvent(context.Background())

		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, uint64(99), got.SequenceNumber)
		require.NotNil(t, got.ProcessedAt)
		assert.True(t, got.ProcessedAt.Equal(processedAt))
	})

	t.Run("returns nil when nothing was processed yet", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectQuery(pattern).
			WithArgs(outbox.StatusProcessed).
			WillReturnRows(recordRows())

		got, err := store.FindLastProcessedEvent(context.Background())

		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestStore_FindFailedEvents(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	rows := recordRows()
	addRecordRow(rows, outbox.Record{ID: "F-1", Status: outbox.StatusFailed, Attempts: 10, CreatedAt: time.Now().UTC()})

	mock.ExpectQuery(queryPattern(findFailedQuery, recordColumns, defaultTable)).
		WithArgs(outbox.StatusFailed).
		WillReturnRows(rows)

	records, err := store.FindFailedEvents(context.Background())

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "F-1", records[0].ID)
	assert.Equal(t, outbox.StatusFailed, records[0].Status)
}

func TestStore_MarkAsProcessed(t *testing.T) {
	pattern := queryPattern(markProcessedQuery, defaultTable)

	t.Run("executes the conditional update", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectExec(pattern).
			WithArgs(outbox.StatusProcessed, int64(42), "rec-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.MarkAsProcessed(context.Background(), "rec-1", 42, 2)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero matched rows is not an error", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectExec(pattern).
			WithArgs(outbox.StatusProcessed, int64(42), "rec-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := store.MarkAsProcessed(context.Background(), "rec-1", 42, 2)

		assert.NoError(t, err)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectExec(pattern).WillReturnError(errors.New("deadlock detected"))
		mock.ExpectExec(pattern).
			WithArgs(outbox.StatusProcessed, int64(42), "rec-1", 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.MarkAsProcessed(context.Background(), "rec-1", 42, 2)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after exhausting the policy", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		boom := errors.New("deadlock detected")
		for i := 0; i < 3; i++ {
			mock.ExpectExec(pattern).WillReturnError(boom)
		}

		err := store.MarkAsProcessed(context.Background(), "rec-1", 42, 2)

		assert.Equal(t, boom, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_MarkAsFailed(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec(queryPattern(markFailedQuery, defaultTable)).
		WithArgs(outbox.StatusFailed, "rec-1", 4).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.MarkAsFailed(context.Background(), "rec-1", 4)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_MarkManyAsFailed(t *testing.T) {
	t.Run("builds one IN clause for the batch", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectExec(queryPattern(markManyFailedQuery, defaultTable, "$2, $3")).
			WithArgs(outbox.StatusFailed, "B", "C").
			WillReturnResult(sqlmock.NewResult(0, 2))

		err := store.MarkManyAsFailed(context.Background(), []string{"B", "C"})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch touches nothing", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		err := store.MarkManyAsFailed(context.Background(), nil)

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Create(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	rec := outbox.NewRecord("agg-1", "User", "user.created", []byte(`{"n":1}`))

	mock.ExpectExec(queryPattern(createQuery, defaultTable, recordColumns)).
		WithArgs(rec.ID, "agg-1", "User", "user.created", rec.Payload,
			outbox.StatusPending, 0, int64(0), rec.CreatedAt, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), rec)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_Delete(t *testing.T) {
	store, mock, cleanup := newTestStore(t)
	defer cleanup()

	mock.ExpectExec(queryPattern(deleteQuery, defaultTable)).
		WithArgs("rec-1", outbox.StatusFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Delete(context.Background(), "rec-1", outbox.StatusFailed)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_WithTransaction(t *testing.T) {
	t.Run("commits when the closure succeeds", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec(queryPattern(deleteQuery, defaultTable)).
			WithArgs("rec-1", outbox.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithTransaction(context.Background(), func(tx outbox.Store) error {
			return tx.Delete(context.Background(), "rec-1", outbox.StatusFailed)
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back when the closure fails", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		boom := errors.New("unique violation")
		mock.ExpectBegin()
		mock.ExpectExec(queryPattern(deleteQuery, defaultTable)).
			WithArgs("rec-1", outbox.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(queryPattern(createQuery, defaultTable, recordColumns)).
			WillReturnError(boom)
		mock.ExpectRollback()

		err := store.WithTransaction(context.Background(), func(tx outbox.Store) error {
			if err := tx.Delete(context.Background(), "rec-1", outbox.StatusFailed); err != nil {
				return err
			}
			return tx.Create(context.Background(), outbox.NewRecord("agg-1", "User", "user.created", nil))
		})

		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("statements inside a transaction are not retried", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		boom := errors.New("deadlock detected")
		mock.ExpectBegin()
		mock.ExpectExec(queryPattern(deleteQuery, defaultTable)).WillReturnError(boom)
		mock.ExpectRollback()

		err := store.WithTransaction(context.Background(), func(tx outbox.Store) error {
			return tx.Delete(context.Background(), "rec-1", outbox.StatusFailed)
		})

		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nesting reuses the open transaction", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectBegin()
		mock.ExpectExec(queryPattern(deleteQuery, defaultTable)).
			WithArgs("rec-1", outbox.StatusFailed).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := store.WithTransaction(context.Background(), func(tx outbox.Store) error {
			return tx.WithTransaction(context.Background(), func(inner outbox.Store) error {
				return inner.Delete(context.Background(), "rec-1", outbox.StatusFailed)
			})
		})

		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("begin failure surfaces", func(t *testing.T) {
		store, mock, cleanup := newTestStore(t)
		defer cleanup()

		mock.ExpectBegin().WillReturnError(errors.New("too many connections"))

		err := store.WithTransaction(context.Background(), func(tx outbox.Store) error {
			t.Fatal("closure must not run when begin fails")
			return nil
		})

		assert.Error(t, err)
	})
}

func TestStore_WithTable(t *testing.T) {
	store, mock, cleanup := newTestStore(t, WithTable("events_outbox"))
	defer cleanup()

	mock.ExpectQuery(queryPattern(findFailedQuery, recordColumns, "events_outbox")).
		WithArgs(outbox.StatusFailed).
		WillReturnRows(recordRows())

	_, err := store.FindFailedEvents(context.Background())

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

var _ outbox.Store = (*Store)(nil)
var _ DBTX = (*sql.DB)(nil)
var _ DBTX = (*sql.Tx)(nil)
