package security

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EgressRecorder accounts for egress-class actions per principal. The
// policy gate reads the rolling hourly count before allowing an egress
// action and records an entry after allowing one.
type EgressRecorder struct {
	db *sql.DB
}

func NewEgressRecorder(db *sql.DB) *EgressRecorder {
	return &EgressRecorder{db: db}
}

// Record logs one egress action.
func (r *EgressRecorder) Record(ctx context.Context, principalID uuid.UUID, action, targetDomain string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO egress_log (principal_id, action, target_domain) VALUES ($1, $2, $3)`,
		principalID, action, targetDomain)
	if err != nil {
		return fmt.Errorf("failed to record egress: %w", err)
	}
	return nil
}

// CountSince returns the number of egress entries for a principal since
// the given instant.
func (r *EgressRecorder) CountSince(ctx context.Context, principalID uuid.UUID, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM egress_log WHERE principal_id = $1 AND occurred_at >= $2`,
		principalID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count egress: %w", err)
	}
	return count, nil
}

// CountLastHour is the quota window the gate uses.
func (r *EgressRecorder) CountLastHour(ctx context.Context, principalID uuid.UUID) (int, error) {
	return r.CountSince(ctx, principalID, time.Now().Add(-time.Hour))
}
