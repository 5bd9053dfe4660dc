// Package queue is the claim-lease coordinator: it hands queued runs to
// competing worker processes, keeps custody alive through heartbeats, and
// takes it back when leases lapse. All coordination state lives on the
// runs projection rows; claims, expirations, and releases are events so a
// rebuild reproduces custody as of claim time.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/services"
)

// Coordinator defaults.
const (
	DefaultLeaseDuration        = 30 * time.Minute
	DefaultHeartbeatMinInterval = 10 * time.Second
	DefaultMaxClaimAge          = 15 * time.Minute

	defaultBatchLimit = 1
	maxBatchLimit     = 100
)

// Config tunes the lease protocol.
type Config struct {
	// LeaseDuration is how long a claim lives without a heartbeat.
	LeaseDuration time.Duration
	// HeartbeatMinInterval throttles renewals arriving faster than this.
	HeartbeatMinInterval time.Duration
	// MaxClaimAge bounds how long one actor may hold a run continuously,
	// heartbeats or not. Guards against crashed workers whose heartbeat
	// loop is still alive.
	MaxClaimAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.HeartbeatMinInterval <= 0 {
		c.HeartbeatMinInterval = DefaultHeartbeatMinInterval
	}
	if c.MaxClaimAge <= 0 {
		c.MaxClaimAge = DefaultMaxClaimAge
	}
	return c
}

// Coordinator grants and polices run claims.
type Coordinator struct {
	db     *sql.DB
	store  *eventstore.Store
	cfg    Config
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator. Zero config fields fall back to
// the package defaults.
func NewCoordinator(db *sql.DB, store *eventstore.Store, cfg Config) *Coordinator {
	return &Coordinator{
		db:     db,
		store:  store,
		cfg:    cfg.withDefaults(),
		logger: slog.With("component", "queue"),
	}
}

// Config returns the effective lease configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// claimTarget is the slice of a run row a claim needs.
type claimTarget struct {
	id            uuid.UUID
	workspaceID   string
	roomID        uuid.NullUUID
	correlationID uuid.UUID
	lastEventID   uuid.NullUUID
}

// Claim hands up to BatchLimit runs to actor. Eligible are queued runs
// without a claim and runs whose lease has lapsed; selection is oldest
// lease first, then oldest run. SKIP LOCKED keeps concurrent claimers off
// each other's rows without serializing them, so two workers can never be
// granted the same run.
func (c *Coordinator) Claim(ctx context.Context, req models.ClaimRequest) ([]models.ClaimedRun, error) {
	if req.ActorID == "" {
		return nil, services.NewValidationError("actor_id", "required")
	}
	limit := req.BatchLimit
	if limit <= 0 {
		limit = defaultBatchLimit
	}
	if limit > maxBatchLimit {
		limit = maxBatchLimit
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		SELECT id, workspace_id, room_id, correlation_id, last_event_id
		FROM runs
		WHERE status NOT IN ('succeeded', 'failed', 'cancelled', 'timed_out')
		  AND (
		       (status = 'queued' AND claim_token IS NULL)
		    OR (claim_token IS NOT NULL AND lease_expires_at < now())
		  )`
	args := []any{}
	if req.WorkspaceID != "" {
		args = append(args, req.WorkspaceID)
		query += fmt.Sprintf(" AND workspace_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(`
		ORDER BY lease_expires_at ASC NULLS FIRST, created_at ASC
		LIMIT $%d
		FOR UPDATE SKIP LOCKED`, len(args))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select claimable runs: %w", err)
	}
	var targets []claimTarget
	for rows.Next() {
		var t claimTarget
		if err := rows.Scan(&t.id, &t.workspaceID, &t.roomID, &t.correlationID, &t.lastEventID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan claimable run: %w", err)
		}
		targets = append(targets, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read claimable runs: %w", err)
	}
	if len(targets) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	expiry := now.Add(c.cfg.LeaseDuration)
	claims := make([]models.ClaimedRun, 0, len(targets))
	for _, target := range targets {
		token := uuid.New()
		in := runEvent(target, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
			models.EventTypeRunClaimed, models.RunClaimedPayload{
				ClaimToken:     token,
				ClaimedBy:      req.ActorID,
				ClaimedAt:      now,
				LeaseExpiresAt: expiry,
			})
		if _, _, err := c.store.AppendInTx(ctx, tx, in); err != nil {
			return nil, fmt.Errorf("failed to append run.claimed for %s: %w", target.id, err)
		}
		claims = append(claims, models.ClaimedRun{
			RunID:          target.id,
			ClaimToken:     token,
			LeaseExpiresAt: expiry,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	c.logger.Info("Runs claimed", "actor_id", req.ActorID, "count", len(claims))
	return claims, nil
}

// runEvent builds a coordination event for a run: routed to the run's
// room stream when it has one, correlation preserved, causation chained
// from the run's last event.
func runEvent(target claimTarget, actor envelope.Actor, eventType string, data any) eventstore.AppendInput {
	in := eventstore.AppendInput{
		EventType:     eventType,
		WorkspaceID:   target.workspaceID,
		RunID:         &target.id,
		Actor:         actor,
		StreamType:    envelope.StreamWorkspace,
		StreamID:      target.workspaceID,
		CorrelationID: target.correlationID,
		Data:          data,
	}
	if target.roomID.Valid {
		in.RoomID = &target.roomID.UUID
		in.StreamType = envelope.StreamRoom
		in.StreamID = target.roomID.UUID.String()
	}
	if target.lastEventID.Valid {
		in.CausationID = &target.lastEventID.UUID
	}
	return in
}

// Heartbeat renews the lease held by token. Renewals arriving faster than
// HeartbeatMinInterval are throttled: reported as such, lease unchanged,
// no error. Renewal is refused once the lease has lapsed or the claim has
// been held longer than MaxClaimAge; the holder must abort its local work.
// Renewals update projection columns only; the lease history between claim
// and release is not replayed.
func (c *Coordinator) Heartbeat(ctx context.Context, runID uuid.UUID, token uuid.UUID) (*models.HeartbeatResult, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start heartbeat transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		claimToken uuid.NullUUID
		claimedAt  sql.NullTime
		expiresAt  sql.NullTime
		beatAt     sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT claim_token, claimed_at, lease_expires_at, lease_heartbeat_at
		FROM runs WHERE id = $1
		FOR UPDATE`, runID).Scan(&claimToken, &claimedAt, &expiresAt, &beatAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease: %w", err)
	}

	now := time.Now().UTC()
	switch {
	case !claimToken.Valid || claimToken.UUID != token:
		return nil, fmt.Errorf("%w: claim token does not match", services.ErrLeaseLost)
	case !expiresAt.Valid || expiresAt.Time.Before(now):
		return nil, fmt.Errorf("%w: lease expired", services.ErrLeaseLost)
	case claimedAt.Valid && now.Sub(claimedAt.Time) > c.cfg.MaxClaimAge:
		return nil, fmt.Errorf("%w: claim exceeded max age", services.ErrLeaseLost)
	}

	if beatAt.Valid && now.Sub(beatAt.Time) < c.cfg.HeartbeatMinInterval {
		return &models.HeartbeatResult{
			Status:         models.HeartbeatThrottled,
			LeaseExpiresAt: expiresAt.Time,
		}, nil
	}

	newExpiry := now.Add(c.cfg.LeaseDuration).Truncate(time.Millisecond)
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET lease_expires_at = $2, lease_heartbeat_at = $3
		WHERE id = $1`, runID, newExpiry, now.Truncate(time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("failed to extend lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat: %w", err)
	}

	return &models.HeartbeatResult{
		Status:         models.HeartbeatExtended,
		LeaseExpiresAt: newExpiry,
	}, nil
}

// Release surrenders a claim. final_state released requeues the run;
// completed and failed only settle custody and require the matching
// terminal lifecycle event to have been appended already, because the
// evidence rides on that event, not on the release.
func (c *Coordinator) Release(ctx context.Context, runID uuid.UUID, req models.ReleaseRequest) error {
	switch req.FinalState {
	case models.ReleaseStateReleased, models.ReleaseStateCompleted, models.ReleaseStateFailed:
	default:
		return services.NewValidationError("final_state", "must be released, completed, or failed")
	}
	if req.ReleasedBy == "" {
		return services.NewValidationError("released_by", "required")
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start release transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		target     claimTarget
		status     string
		claimToken uuid.NullUUID
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, room_id, correlation_id, last_event_id, status, claim_token
		FROM runs WHERE id = $1
		FOR UPDATE`, runID).Scan(&target.id, &target.workspaceID, &target.roomID,
		&target.correlationID, &target.lastEventID, &status, &claimToken)
	if errors.Is(err, sql.ErrNoRows) {
		return services.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read run for release: %w", err)
	}

	if !claimToken.Valid || claimToken.UUID != req.ClaimToken {
		return fmt.Errorf("%w: claim token does not match", services.ErrLeaseLost)
	}
	if req.FinalState == models.ReleaseStateCompleted && status != models.RunStatusSucceeded {
		return fmt.Errorf("%w: release(completed) before run.completed", services.ErrEvidenceRequired)
	}
	if req.FinalState == models.ReleaseStateFailed && status != models.RunStatusFailed {
		return fmt.Errorf("%w: release(failed) before run.failed", services.ErrEvidenceRequired)
	}

	in := runEvent(target, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ReleasedBy},
		models.EventTypeRunReleased,
		models.RunReleasedPayload{ReleasedBy: req.ReleasedBy, FinalState: req.FinalState})
	if _, _, err := c.store.AppendInTx(ctx, tx, in); err != nil {
		return fmt.Errorf("failed to append run.released: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit release: %w", err)
	}

	c.logger.Info("Run released", "run_id", runID, "final_state", req.FinalState)
	return nil
}
