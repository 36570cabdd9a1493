package outbox

import (
	"bytes"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// DefaultOutboxTable is the source table watched for inserts.
const DefaultOutboxTable = "outbox"

// ChangeSet is one decoded wal2json output frame.
type ChangeSet struct {
	Change []Change `json:"change"`
}

// Change is a single row-level change within a frame.
type Change struct {
	Kind         string            `json:"kind"`
	Table        string            `json:"table"`
	ColumnNames  []string          `json:"columnnames"`
	ColumnValues []json.RawMessage `json:"columnvalues"`
}

// Ingestor turns raw change-capture frames into outbox records.
//
// Only inserts on the configured outbox table that carry column data survive;
// updates, deletes, other tables and malformed column sets are dropped without
// error. The transform performs no I/O.
type Ingestor struct {
	table  string
	logger *zap.Logger
}

// NewIngestor creates an ingestor watching the given table.
func NewIngestor(table string, logger *zap.Logger) *Ingestor {
	if table == "" {
		table = DefaultOutboxTable
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingestor{table: table, logger: logger}
}

// Decode parses a raw wal2json frame and returns the outbox records it carries.
// Undecodable frames yield no records.
func (i *Ingestor) Decode(frame []byte) []Record {
	var set ChangeSet
	if err := json.Unmarshal(frame, &set); err != nil {
		i.logger.Warn("Dropping undecodable replication frame", zap.Error(err))
		return nil
	}
	return i.Filter(set)
}

// Filter extracts outbox records from an already decoded change set.
func (i *Ingestor) Filter(set ChangeSet) []Record {
	var records []Record
	for _, ch := range set.Change {
		if ch.Kind != "insert" || ch.Table != i.table || len(ch.ColumnNames) == 0 {
			continue
		}
		if len(ch.ColumnNames) != len(ch.ColumnValues) {
			continue
		}

		rec, ok := recordFromColumns(ch.ColumnNames, ch.ColumnValues)
		if !ok {
			continue
		}

		i.logger.Debug("Received replication data for an outbox record",
			zap.String("record_id", rec.ID),
			zap.String("aggregate_id", rec.AggregateID),
			zap.String("aggregate_type", rec.AggregateType),
			zap.String("event_type", rec.EventType),
		)
		records = append(records, rec)
	}
	return records
}

// wal2json renders timestamps in this layout by default.
const walTimestampLayout = "2006-01-02 15:04:05.999999-07"

func recordFromColumns(names []string, values []json.RawMessage) (Record, bool) {
	rec := Record{
		Status:         StatusPending,
		SequenceNumber: 0,
	}

	for idx, name := range names {
		raw := values[idx]
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			continue
		}

		switch name {
		case "id":
			rec.ID = asString(raw)
		case "aggregate_id":
			rec.AggregateID = asString(raw)
		case "aggregate_type":
			rec.AggregateType = asString(raw)
		case "event_type":
			rec.EventType = asString(raw)
		case "payload":
			rec.Payload = asPayload(raw)
		case "status":
			if s := asString(raw); s != "" {
				rec.Status = Status(s)
			}
		case "attempts":
			var n int
			if json.Unmarshal(raw, &n) == nil {
				rec.Attempts = n
			}
		case "sequence_number":
			var n uint64
			if json.Unmarshal(raw, &n) == nil {
				rec.SequenceNumber = n
			}
		case "created_at":
			if t, ok := asTime(raw); ok {
				rec.CreatedAt = t
			}
		case "processed_at":
			if t, ok := asTime(raw); ok {
				rec.ProcessedAt = &t
			}
		}
	}

	if rec.ID == "" {
		return Record{}, false
	}
	return rec, true
}

func asString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// asPayload keeps the event body opaque: text columns arrive as JSON strings
// and are unquoted, json/jsonb columns are carried through verbatim.
func asPayload(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

func asTime(raw json.RawMessage) (time.Time, bool) {
	s := asString(raw)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{walTimestampLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
