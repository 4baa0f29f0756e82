package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type EventInsert struct {
	EventID    string
	Type       string
	Timestamp  string
	TraceID    string
	Body       string
	PublicKey  string
	ReceivedAt int64
}

type EventRow struct {
	RowID      int64
	EventID    string
	Type       string
	Timestamp  string
	TraceID    string
	Body       string
	PublicKey  string
	ReceivedAt int64
}

type EventFilter struct {
	TraceID string
	Type    string
	AfterID int64
	Limit   int
}

// InsertEvents stores a batch in one transaction. Event ids already stored
// are skipped so a retried batch does not duplicate rows.
func (m *Manager) InsertEvents(ctx context.Context, events []EventInsert) (inserted int64, err error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := m.writer.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO ingested_events (
  event_id, event_type, event_timestamp, trace_id, body, public_key, received_at
) VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?)
ON CONFLICT (event_id) DO NOTHING
`)
	if err != nil {
		return 0, fmt.Errorf("prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range events {
		res, err := stmt.ExecContext(
			ctx,
			row.EventID,
			row.Type,
			row.Timestamp,
			row.TraceID,
			row.Body,
			row.PublicKey,
			row.ReceivedAt,
		)
		if err != nil {
			return 0, fmt.Errorf("insert event %s: %w", row.EventID, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return inserted, nil
}

// LogIngest records the outcome of one ingestion request.
func (m *Manager) LogIngest(ctx context.Context, createdAt int64, status int, accepted, rejected int, durationMS int64) error {
	_, err := m.writer.ExecContext(ctx, `
INSERT INTO ingest_log (created_at, status, events_accepted, events_rejected, duration_ms)
VALUES (?, ?, ?, ?, ?)
`, createdAt, status, accepted, rejected, durationMS)
	return err
}

func (m *Manager) IngestLogCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingest_log").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) EventCount(ctx context.Context) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingested_events").Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) EventCountByType(ctx context.Context, eventType string) (int64, error) {
	var out int64
	if err := m.reader.QueryRowContext(ctx, "SELECT COUNT(*) FROM ingested_events WHERE event_type = ?", eventType).Scan(&out); err != nil {
		return 0, err
	}
	return out, nil
}

func (m *Manager) EventByID(ctx context.Context, eventID string) (EventRow, error) {
	var row EventRow
	err := m.reader.QueryRowContext(ctx, `
SELECT id, event_id, event_type, event_timestamp, COALESCE(trace_id,''), body, COALESCE(public_key,''), received_at
FROM ingested_events
WHERE event_id = ?
`, eventID).Scan(
		&row.RowID,
		&row.EventID,
		&row.Type,
		&row.Timestamp,
		&row.TraceID,
		&row.Body,
		&row.PublicKey,
		&row.ReceivedAt,
	)
	return row, err
}

// ListEvents returns stored events in arrival order.
func (m *Manager) ListEvents(ctx context.Context, f EventFilter) ([]EventRow, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	where := []string{"id > ?"}
	args := []any{f.AfterID}
	if f.TraceID != "" {
		where = append(where, "trace_id = ?")
		args = append(args, f.TraceID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.Type)
	}
	args = append(args, limit)

	query := `
SELECT id, event_id, event_type, event_timestamp, COALESCE(trace_id,''), body, COALESCE(public_key,''), received_at
FROM ingested_events
WHERE ` + strings.Join(where, " AND ") + `
ORDER BY id ASC
LIMIT ?`
	rows, err := m.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EventRow, 0, limit)
	for rows.Next() {
		var row EventRow
		if err := rows.Scan(
			&row.RowID,
			&row.EventID,
			&row.Type,
			&row.Timestamp,
			&row.TraceID,
			&row.Body,
			&row.PublicKey,
			&row.ReceivedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
