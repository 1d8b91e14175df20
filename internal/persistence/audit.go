package persistence

import (
	"context"
	"fmt"
	"time"
)

type AuditRecord struct {
	ID        int64     `json:"id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Action    string    `json:"action"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) AppendAudit(ctx context.Context, rec AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, rec.TraceID, rec.Subject, rec.Action, rec.Decision, rec.Reason, rec.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("append audit: %w", err)
		}
		return nil
	})
}

// ListAudit returns the newest audit rows first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, trace_id, subject, action, decision, reason, created_at
		FROM audit_log
		ORDER BY audit_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditRecord
	for rows.Next() {
		var r AuditRecord
		if err := rows.Scan(&r.ID, &r.TraceID, &r.Subject, &r.Action, &r.Decision, &r.Reason, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
