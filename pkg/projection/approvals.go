package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// Approval decision outcomes that lose the projector's transition check.
// The projector runs inside the append transaction, so a rejected
// decision never reaches the log: when two deciders race, the first
// sequenced event wins and the second append fails with one of these.
var (
	ErrApprovalAlreadyDecided    = errors.New("approval already decided")
	ErrApprovalInvalidTransition = errors.New("invalid approval transition")
)

// ApprovalProjector maintains the approvals read model the policy gate
// matches against. It is also the transition authority for decisions:
// append order linearizes racing deciders.
type ApprovalProjector struct{}

func NewApprovalProjector() *ApprovalProjector {
	return &ApprovalProjector{}
}

func (*ApprovalProjector) Name() string { return "approvals" }

func (*ApprovalProjector) Tables() []string { return []string{"approvals"} }

func (p *ApprovalProjector) Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	switch env.EventType {
	case models.EventTypeApprovalRequested:
		return p.applyRequested(ctx, tx, env)
	case models.EventTypeApprovalDecided:
		return p.applyDecided(ctx, tx, env)
	}
	return nil
}

func (*ApprovalProjector) applyRequested(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.ApprovalRequestedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad approval.requested payload: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO approvals (
			id, workspace_id, room_id, action,
			scope_type, scope_room_id, scope_run_id,
			status, requested_by, requested_at, context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		payload.ApprovalID, env.WorkspaceID, env.RoomID, payload.Action,
		payload.Scope.Type, payload.Scope.RoomID, payload.Scope.RunID,
		models.ApprovalStatusPending, payload.RequestedBy, env.OccurredAt,
		nullableRaw(payload.Context))
	return err
}

func (*ApprovalProjector) applyDecided(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.ApprovalDecidedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad approval.decided payload: %w", err)
	}

	var current string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM approvals WHERE id = $1 FOR UPDATE`,
		payload.ApprovalID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("approval.decided for unknown approval %s", payload.ApprovalID)
	}
	if err != nil {
		return err
	}
	if err := checkTransition(current, payload.Outcome); err != nil {
		return fmt.Errorf("approval %s: %w", payload.ApprovalID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, decided_by = $3, decided_at = $4, decision_comment = $5, expires_at = $6
		WHERE id = $1`,
		payload.ApprovalID, payload.Outcome, payload.DecidedBy, env.OccurredAt,
		payload.Comment, payload.ExpiresAt)
	return err
}

// checkTransition enforces pending → {approved, denied, held} and
// held → {approved, denied}.
func checkTransition(current, outcome string) error {
	switch outcome {
	case models.ApprovalStatusApproved, models.ApprovalStatusDenied, models.ApprovalStatusHeld:
	default:
		return fmt.Errorf("%w: unknown outcome %q", ErrApprovalInvalidTransition, outcome)
	}
	switch current {
	case models.ApprovalStatusPending:
		return nil
	case models.ApprovalStatusHeld:
		if outcome == models.ApprovalStatusHeld {
			return fmt.Errorf("%w: already held", ErrApprovalInvalidTransition)
		}
		return nil
	default:
		return fmt.Errorf("%w: status is %s", ErrApprovalAlreadyDecided, current)
	}
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
