package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// wal2json is the logical decoding plugin the replication slot is created with.
const walPlugin = "wal2json"

// pgDuplicateObjectCode is raised when the replication slot already exists.
const pgDuplicateObjectCode = "42710"

// ReplicationHandler receives one decoded outbox record. It is invoked
// concurrently for distinct records and must contain its own failures.
type ReplicationHandler func(ctx context.Context, rec Record)

// Replicator consumes the logical replication stream of the outbox table and
// fans each captured insert out to the handler.
//
// Records from one replication frame are dispatched through a bounded task
// group; replication progress is acknowledged to the server only after the
// whole frame has been handled, so a crash replays unacknowledged frames
// rather than losing them. An unrecoverable stream error aborts the run and
// is left to the external supervisor to restart.
type Replicator struct {
	connString string
	slotName   string
	ingestor   *Ingestor
	handler    ReplicationHandler
	logger     *zap.Logger
	metrics    MetricsCollector

	concurrency    int
	statusInterval time.Duration
}

// NewReplicator creates a replicator for the given connection string and slot.
func NewReplicator(connString, slotName string, ingestor *Ingestor, handler ReplicationHandler, logger *zap.Logger, metrics MetricsCollector, opts ...ReplicatorOption) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = NewNopMetricsCollector()
	}
	r := &Replicator{
		connString:     connString,
		slotName:       slotName,
		ingestor:       ingestor,
		handler:        handler,
		logger:         logger,
		metrics:        metrics,
		concurrency:    defaultDispatchConcurrency,
		statusInterval: defaultStatusInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run connects, ensures the slot exists and consumes the stream until the
// context is cancelled or the stream fails.
func (r *Replicator) Run(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, r.replicationDSN())
	if err != nil {
		return fmt.Errorf("connect for replication: %w", err)
	}
	defer conn.Close(context.Background())

	ident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("identify system: %w", err)
	}
	r.logger.Info("Replication connection established",
		zap.String("system_id", ident.SystemID),
		zap.String("server_wal_end", ident.XLogPos.String()),
	)

	if err := r.ensureSlot(ctx, conn); err != nil {
		return err
	}

	// A zero start position resumes from the slot's confirmed flush LSN.
	err = pglogrepl.StartReplication(ctx, conn, r.slotName, 0, pglogrepl.StartReplicationOptions{
		Mode:       pglogrepl.LogicalReplication,
		PluginArgs: []string{`"pretty-print" 'false'`, `"include-timestamp" 'true'`},
	})
	if err != nil {
		return fmt.Errorf("start replication on slot %q: %w", r.slotName, err)
	}
	r.logger.Info("Logical replication started", zap.String("slot", r.slotName))

	return r.consume(ctx, conn)
}

func (r *Replicator) consume(ctx context.Context, conn *pgconn.PgConn) error {
	var clientXLogPos pglogrepl.LSN
	nextStatus := time.Now().Add(r.statusInterval)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Now().After(nextStatus) {
			err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
				WALWritePosition: clientXLogPos,
			})
			if err != nil {
				return fmt.Errorf("send standby status update: %w", err)
			}
			nextStatus = time.Now().Add(r.statusInterval)
		}

		receiveCtx, cancel := context.WithDeadline(ctx, nextStatus)
		rawMsg, err := conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive replication message: %w", err)
		}

		switch msg := rawMsg.(type) {
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication stream error: %s", msg.Message)
		case *pgproto3.CopyData:
			if len(msg.Data) == 0 {
				continue
			}
			switch msg.Data[0] {
			case pglogrepl.PrimaryKeepaliveMessageByteID:
				ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse keepalive: %w", err)
				}
				if ka.ReplyRequested {
					nextStatus = time.Now()
				}
			case pglogrepl.XLogDataByteID:
				xld, err := pglogrepl.ParseXLogData(msg.Data[1:])
				if err != nil {
					return fmt.Errorf("parse xlog data: %w", err)
				}
				r.dispatch(ctx, xld.WALData)
				if pos := xld.WALStart + pglogrepl.LSN(len(xld.WALData)); pos > clientXLogPos {
					clientXLogPos = pos
				}
			}
		}
	}
}

// dispatch fans one frame's records out to the handler and waits for all of
// them, so progress is never acknowledged past unhandled records.
func (r *Replicator) dispatch(ctx context.Context, frame []byte) {
	records := r.ingestor.Decode(frame)
	if len(records) == 0 {
		return
	}

	r.metrics.RecordGauge("replicator.frame_records", float64(len(records)), nil)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, rec := range records {
		rec := rec
		g.Go(func() error {
			r.handler(gctx, rec)
			return nil
		})
	}
	// Handlers contain their own failures; the wait is a checkpoint, not an
	// error source.
	_ = g.Wait()
}

func (r *Replicator) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	_, err := pglogrepl.CreateReplicationSlot(ctx, conn, r.slotName, walPlugin, pglogrepl.CreateReplicationSlotOptions{})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateObjectCode {
			return nil
		}
		return fmt.Errorf("create replication slot %q: %w", r.slotName, err)
	}
	r.logger.Info("Created replication slot", zap.String("slot", r.slotName))
	return nil
}

func (r *Replicator) replicationDSN() string {
	if strings.Contains(r.connString, "?") {
		return r.connString + "&replication=database"
	}
	return r.connString + "?replication=database"
}
