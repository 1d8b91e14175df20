package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedEvents    int64 `json:"purged_events"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes events and audit rows older than the given windows.
// A zero window skips that table. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, eventAge, auditAge time.Duration) (RetentionResult, error) {
	var result RetentionResult

	if eventAge > 0 {
		cutoff := time.Now().UTC().Add(-eventAge)
		res, err := s.db.ExecContext(ctx, `DELETE FROM bridge_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge bridge_events: %w", err)
		}
		result.PurgedEvents, _ = res.RowsAffected()
	}

	if auditAge > 0 {
		cutoff := time.Now().UTC().Add(-auditAge)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
