// Package pgstore implements the outbox record store on Postgres through
// database/sql, intended to be used with the pgx stdlib driver.
package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	outbox "github.com/overtonx/outbox-relay"
)

const defaultTable = "outbox"

const recordColumns = "id, aggregate_id, aggregate_type, event_type, payload, status, attempts, sequence_number, created_at, processed_at"

// SQL queries
const (
	findUnprocessedQuery = `
		SELECT %s
		FROM %s
		WHERE id = $1 AND status IN ($2, $3)`

	findRecentPendingQuery = `
		SELECT %s
		FROM %s
		WHERE status = $1 AND created_at >= $2
		ORDER BY created_at ASC`

	findLastProcessedQuery = `
		SELECT %s
		FROM %s
		WHERE status = $1
		ORDER BY sequence_number DESC
		LIMIT 1`

	findFailedQuery = `
		SELECT %s
		FROM %s
		WHERE status = $1`

	markProcessedQuery = `
		UPDATE %s
		SET status = $1, processed_at = NOW(), attempts = attempts + 1, sequence_number = $2
		WHERE id = $3 AND attempts = $4`

	markFailedQuery = `
		UPDATE %s
		SET status = $1, attempts = attempts + 1
		WHERE id = $2 AND attempts = $3`

	markManyFailedQuery = `
		UPDATE %s
		SET status = $1, attempts = attempts + 1
		WHERE id IN (%s)`

	createQuery = `
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	deleteQuery = `DELETE FROM %s WHERE id = $1 AND status = $2`
)

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

// Store is the Postgres implementation of outbox.Store.
//
// Conditional updates that match zero rows are successes: the attempts guard
// means another writer already resolved the record. Transient write failures
// are retried with the configured policy, but only outside a transaction;
// inside one the error must surface so the whole transaction rolls back.
type Store struct {
	db     *sql.DB // nil when bound to a transaction
	q      DBTX
	table  string
	logger *zap.Logger
	policy outbox.RetryPolicy
}

// Option configures a Store.
type Option func(*Store)

// WithTable sets the outbox table name.
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// WithWriteRetryPolicy sets the retry policy applied to mutating statements.
func WithWriteRetryPolicy(policy outbox.RetryPolicy) Option {
	return func(s *Store) {
		s.policy = policy
	}
}

// New creates a store over the given connection pool.
func New(db *sql.DB, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		db:     db,
		q:      db,
		table:  defaultTable,
		logger: logger,
		policy: outbox.DefaultWriteRetryPolicy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindUnprocessedByID implements the outbox.Store interface.
func (s *Store) FindUnprocessedByID(ctx context.Context, id string) (*outbox.Record, error) {
	query := fmt.Sprintf(findUnprocessedQuery, recordColumns, s.table)
	row := s.q.QueryRowContext(ctx, query, id, outbox.StatusPending, outbox.StatusFailed)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query unprocessed record %s: %w", id, err)
	}
	return rec, nil
}

// FindRecentPendingEvents implements the outbox.Store interface.
func (s *Store) FindRecentPendingEvents(ctx context.Context, window time.Duration) ([]outbox.Record, error) {
	if window <= 0 {
		window = outbox.DefaultPendingWindow
	}
	since := time.Now().UTC().Add(-window)

	query := fmt.Sprintf(findRecentPendingQuery, recordColumns, s.table)
	rows, err := s.q.QueryContext(ctx, query, outbox.StatusPending, since)
	if err != nil {
		return nil, fmt.Errorf("query recent pending records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindLastProcessedEvent implements the outbox.Store interface.
func (s *Store) FindLastProcessedEvent(ctx context.Context) (*outbox.Record, error) {
	query := fmt.Sprintf(findLastProcessedQuery, recordColumns, s.table)
	row := s.q.QueryRowContext(ctx, query, outbox.StatusProcessed)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last processed record: %w", err)
	}
	return rec, nil
}

// FindFailedEvents implements the outbox.Store interface.
func (s *Store) FindFailedEvents(ctx context.Context) ([]outbox.Record, error) {
	query := fmt.Sprintf(findFailedQuery, recordColumns, s.table)
	rows, err := s.q.QueryContext(ctx, query, outbox.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("query failed records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// MarkAsProcessed implements the outbox.Store interface.
func (s *Store) MarkAsProcessed(ctx context.Context, id string, sequenceNumber uint64, expectedAttempts int) error {
	query := fmt.Sprintf(markProcessedQuery, s.table)
	return s.retryWrite(ctx, "mark_processed", id, func() error {
		_, err := s.q.ExecContext(ctx, query, outbox.StatusProcessed, int64(sequenceNumber), id, expectedAttempts)
		return err
	})
}

// MarkAsFailed implements the outbox.Store interface.
func (s *Store) MarkAsFailed(ctx context.Context, id string, expectedAttempts int) error {
	query := fmt.Sprintf(markFailedQuery, s.table)
	return s.retryWrite(ctx, "mark_failed", id, func() error {
		_, err := s.q.ExecContext(ctx, query, outbox.StatusFailed, id, expectedAttempts)
		return err
	})
}

// MarkManyAsFailed implements the outbox.Store interface.
func (s *Store) MarkManyAsFailed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := make([]string, len(ids))
	args := make([]interface{}, 0, len(ids)+1)
	args = append(args, outbox.StatusFailed)
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, id)
	}

	query := fmt.Sprintf(markManyFailedQuery, s.table, strings.Join(placeholders, ", "))
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark %d records as failed: %w", len(ids), err)
	}
	return nil
}

// Create implements the outbox.Store interface.
func (s *Store) Create(ctx context.Context, rec outbox.Record) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var processedAt interface{}
	if rec.ProcessedAt != nil {
		processedAt = *rec.ProcessedAt
	}

	query := fmt.Sprintf(createQuery, s.table, recordColumns)
	return s.retryWrite(ctx, "create", rec.ID, func() error {
		_, err := s.q.ExecContext(ctx, query,
			rec.ID,
			rec.AggregateID,
			rec.AggregateType,
			rec.EventType,
			rec.Payload,
			rec.Status,
			rec.Attempts,
			int64(rec.SequenceNumber),
			createdAt,
			processedAt,
		)
		return err
	})
}

// Delete implements the outbox.Store interface.
func (s *Store) Delete(ctx context.Context, id string, expectedStatus outbox.Status) error {
	query := fmt.Sprintf(deleteQuery, s.table)
	return s.retryWrite(ctx, "delete", id, func() error {
		_, err := s.q.ExecContext(ctx, query, id, expectedStatus)
		return err
	})
}

// WithTransaction implements the outbox.Store interface. The closure receives
// a store view bound to a single transaction; it commits on normal return and
// rolls back on any error.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx outbox.Store) error) error {
	if s.db == nil {
		// Already transaction-scoped.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	txStore := &Store{
		q:      tx,
		table:  s.table,
		logger: s.logger,
		policy: s.policy,
	}

	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// retryWrite retries a mutating statement against transient failures. Inside
// a transaction the statement runs exactly once.
func (s *Store) retryWrite(ctx context.Context, op, id string, fn func() error) error {
	if s.db == nil {
		return fn()
	}
	return outbox.Retry(ctx, s.policy, func(err error, attempts int) bool {
		s.logger.Error("Retrying outbox write",
			zap.String("operation", op),
			zap.String("record_id", id),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return true
	}, fn)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*outbox.Record, error) {
	var (
		rec         outbox.Record
		status      string
		seq         int64
		processedAt sql.NullTime
	)

	err := row.Scan(
		&rec.ID,
		&rec.AggregateID,
		&rec.AggregateType,
		&rec.EventType,
		&rec.Payload,
		&status,
		&rec.Attempts,
		&seq,
		&rec.CreatedAt,
		&processedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = outbox.Status(status)
	rec.SequenceNumber = uint64(seq)
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]outbox.Record, error) {
	var records []outbox.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}
