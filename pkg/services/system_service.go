package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/latchwork/latch/pkg/models"
)

// SystemService aggregates workspace-level counters for the summary and
// readiness endpoints.
type SystemService struct {
	db          *sql.DB
	workspaceID string
}

// NewSystemService creates a new SystemService.
func NewSystemService(db *sql.DB, workspaceID string) *SystemService {
	return &SystemService{db: db, workspaceID: workspaceID}
}

// Summary counts the workspace's entities. PolicyMode and KillSwitch are
// left for the caller, which owns the gate.
func (s *SystemService) Summary(ctx context.Context) (*models.SystemSummary, error) {
	summary := &models.SystemSummary{
		WorkspaceID:  s.workspaceID,
		RunsByStatus: map[string]int64{},
	}

	counts := []struct {
		query string
		dest  *int64
	}{
		{`SELECT count(*) FROM events WHERE workspace_id = $1`, &summary.Events},
		{`SELECT count(*) FROM rooms WHERE workspace_id = $1`, &summary.Rooms},
		{`SELECT count(*) FROM threads t JOIN rooms r ON t.room_id = r.id WHERE r.workspace_id = $1`, &summary.Threads},
		{`SELECT count(*) FROM messages m JOIN rooms r ON m.room_id = r.id WHERE r.workspace_id = $1`, &summary.Messages},
		{`SELECT count(*) FROM approvals WHERE workspace_id = $1 AND status = 'pending'`, &summary.PendingApprovals},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, s.workspaceID).Scan(c.dest); err != nil {
			return nil, fmt.Errorf("failed to count for summary: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT status, count(*) FROM runs
		WHERE workspace_id = $1 GROUP BY status`, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan run count: %w", err)
		}
		summary.RunsByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	depth, err := s.QueueDepth(ctx)
	if err != nil {
		return nil, err
	}
	summary.QueueDepth = depth
	return summary, nil
}

// QueueDepth counts runs that are claimable right now: queued and not
// held by a live lease.
func (s *SystemService) QueueDepth(ctx context.Context) (int64, error) {
	var depth int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM runs
		WHERE workspace_id = $1
		  AND status = 'queued'
		  AND (claim_token IS NULL OR lease_expires_at < now())`, s.workspaceID).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return depth, nil
}
