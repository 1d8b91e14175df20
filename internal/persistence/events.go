package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/basket/turnbridge/internal/hub"
)

const maxEventPage = 10000

// lastEventKey holds the highest event id ever appended, so the counter
// survives pruning every row.
const lastEventKey = "hub:last_event_id"

// AppendEvent stores one hub event and advances the persisted counter in the
// same transaction.
func (s *Store) AppendEvent(ctx context.Context, ev hub.Event) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("append event %d: %w", ev.EventID, err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO bridge_events (event_id, method, params, created_at)
			VALUES (?, ?, ?, ?);
		`, ev.EventID, ev.Method, nullableJSON(ev.Params), ev.CreatedAt.UTC()); err != nil {
			return fmt.Errorf("append event %d: %w", ev.EventID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP
			WHERE CAST(kv_store.value AS INTEGER) < CAST(excluded.value AS INTEGER);
		`, lastEventKey, strconv.FormatInt(ev.EventID, 10)); err != nil {
			return fmt.Errorf("advance event counter: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("append event %d: %w", ev.EventID, err)
		}
		return nil
	})
}

// LastEventID returns the highest event id ever appended, including ids
// whose rows were pruned since.
func (s *Store) LastEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(id) FROM (
			SELECT MAX(event_id) AS id FROM bridge_events
			UNION ALL
			SELECT CAST(value AS INTEGER) FROM kv_store WHERE key = ?
		);
	`, lastEventKey).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("last event id: %w", err)
	}
	return id.Int64, nil
}

// RecentEvents returns up to limit most recent events in ascending id order.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]hub.Event, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, method, params, created_at FROM (
			SELECT event_id, method, params, created_at
			FROM bridge_events
			ORDER BY event_id DESC
			LIMIT ?
		) ORDER BY event_id ASC;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	return scanEvents(rows)
}

// ListEventsAfter returns events with an id greater than after, ascending.
func (s *Store) ListEventsAfter(ctx context.Context, after int64, limit int) ([]hub.Event, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, method, params, created_at
		FROM bridge_events
		WHERE event_id > ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return scanEvents(rows)
}

// EventBounds returns the lowest and highest stored event ids, or zeros.
func (s *Store) EventBounds(ctx context.Context) (minID, maxID int64, err error) {
	var lo, hi sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MIN(event_id), MAX(event_id) FROM bridge_events;`).Scan(&lo, &hi); err != nil {
		return 0, 0, fmt.Errorf("event bounds: %w", err)
	}
	return lo.Int64, hi.Int64, nil
}

// PruneEvents deletes every event with an id at or below throughID.
func (s *Store) PruneEvents(ctx context.Context, throughID int64) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM bridge_events WHERE event_id <= ?;`, throughID)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

func scanEvents(rows *sql.Rows) ([]hub.Event, error) {
	defer rows.Close()
	var out []hub.Event
	for rows.Next() {
		var ev hub.Event
		var params sql.NullString
		var created time.Time
		if err := rows.Scan(&ev.EventID, &ev.Method, &params, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if params.Valid {
			ev.Params = json.RawMessage(params.String)
		}
		ev.CreatedAt = created.UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event rows: %w", err)
	}
	return out, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
