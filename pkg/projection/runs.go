package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// RunProjector maintains the runs, run_steps, tool_calls, and artifacts
// read models. The runs table doubles as the claim-lease coordination
// surface, so run.claimed, run.released, and run.lease_expired reproduce
// the lease state exactly on rebuild.
type RunProjector struct{}

func NewRunProjector() *RunProjector {
	return &RunProjector{}
}

func (*RunProjector) Name() string { return "runs" }

func (*RunProjector) Tables() []string {
	return []string{"artifacts", "tool_calls", "run_steps", "runs"}
}

func (p *RunProjector) Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	switch env.EventType {
	case models.EventTypeRunCreated:
		return p.applyCreated(ctx, tx, env)
	case models.EventTypeRunClaimed:
		return p.applyClaimed(ctx, tx, env)
	case models.EventTypeRunStarted:
		return p.applyStarted(ctx, tx, env)
	case models.EventTypeRunStepAdded:
		return p.applyStepAdded(ctx, tx, env)
	case models.EventTypeRunToolCallRecorded:
		return p.applyToolCall(ctx, tx, env)
	case models.EventTypeRunArtifactAdded:
		return p.applyArtifact(ctx, tx, env)
	case models.EventTypeRunCompleted:
		return p.applyCompleted(ctx, tx, env)
	case models.EventTypeRunFailed:
		return p.applyFailed(ctx, tx, env)
	case models.EventTypeRunCancelled:
		return p.applyCancelled(ctx, tx, env)
	case models.EventTypeRunTimedOut:
		return p.applyTimedOut(ctx, tx, env)
	case models.EventTypeRunLeaseExpired:
		return p.applyLeaseExpired(ctx, tx, env)
	case models.EventTypeRunReleased:
		return p.applyReleased(ctx, tx, env)
	}
	return nil
}

func (*RunProjector) applyCreated(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunCreatedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.created payload: %w", err)
	}
	if env.RunID == nil {
		return fmt.Errorf("run.created without run_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, workspace_id, room_id, goal, status, correlation_id, created_at, last_event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		env.RunID, env.WorkspaceID, env.RoomID, payload.Goal,
		models.RunStatusQueued, env.CorrelationID, env.OccurredAt, env.EventID)
	return err
}

// applyClaimed writes the lease. Status is untouched: a claim marks
// custody, not progress, and a stale-lease reclaim of a running run must
// not knock it back to queued.
func (*RunProjector) applyClaimed(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunClaimedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.claimed payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET claim_token = $2, claimed_by_actor_id = $3, claimed_at = $4,
		    lease_expires_at = $5, lease_heartbeat_at = $4, last_event_id = $6
		WHERE id = $1`,
		payload.ClaimToken, payload.ClaimedBy, payload.ClaimedAt,
		payload.LeaseExpiresAt, env.EventID)
}

func (*RunProjector) applyStarted(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunStartedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.started payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = $2, started_at = $3, last_event_id = $4
		WHERE id = $1`,
		models.RunStatusRunning, payload.StartedAt, env.EventID)
}

func (*RunProjector) applyStepAdded(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunStepAddedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.step.added payload: %w", err)
	}
	if env.RunID == nil {
		return fmt.Errorf("run.step.added without run_id")
	}
	status := payload.Status
	if status == "" {
		status = "pending"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO run_steps (id, run_id, name, status, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		payload.StepID, env.RunID, payload.Name, status, env.CorrelationID, env.OccurredAt)
	if err != nil {
		return err
	}
	return touchRun(ctx, tx, env)
}

func (*RunProjector) applyToolCall(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunToolCallRecordedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.tool_call.recorded payload: %w", err)
	}
	if env.RunID == nil {
		return fmt.Errorf("run.tool_call.recorded without run_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tool_calls (id, run_id, step_id, tool_name, arguments, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		payload.ToolCallID, env.RunID, payload.StepID, payload.ToolName,
		nullableRaw(payload.Arguments), env.CorrelationID, env.OccurredAt)
	if err != nil {
		return err
	}
	return touchRun(ctx, tx, env)
}

func (*RunProjector) applyArtifact(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunArtifactAddedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.artifact.added payload: %w", err)
	}
	if env.RunID == nil {
		return fmt.Errorf("run.artifact.added without run_id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts (id, run_id, step_id, tool_call_id, kind, uri, digest, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		payload.ArtifactID, env.RunID, payload.StepID, payload.ToolCallID,
		payload.Kind, payload.URI, payload.Digest, env.CorrelationID, env.OccurredAt)
	if err != nil {
		return err
	}
	return touchRun(ctx, tx, env)
}

func (*RunProjector) applyCompleted(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunCompletedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.completed payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = $2, evidence_ref = $3, ended_at = $4, last_event_id = $5
		WHERE id = $1`,
		models.RunStatusSucceeded, payload.EvidenceRef, payload.EndedAt, env.EventID)
}

func (*RunProjector) applyFailed(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunFailedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.failed payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = $2, error = $3, evidence_ref = $4, ended_at = $5, last_event_id = $6
		WHERE id = $1`,
		models.RunStatusFailed, payload.Error, payload.EvidenceRef, payload.EndedAt, env.EventID)
}

func (*RunProjector) applyCancelled(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunCancelledPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.cancelled payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = $2, error = $3, ended_at = $4, last_event_id = $5,
		    claim_token = NULL, claimed_by_actor_id = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, lease_heartbeat_at = NULL
		WHERE id = $1`,
		models.RunStatusCancelled, payload.Reason, payload.EndedAt, env.EventID)
}

func (*RunProjector) applyTimedOut(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RunTimedOutPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad run.timed_out payload: %w", err)
	}
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = $2, ended_at = $3, last_event_id = $4,
		    claim_token = NULL, claimed_by_actor_id = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, lease_heartbeat_at = NULL
		WHERE id = $1`,
		models.RunStatusTimedOut, payload.EndedAt, env.EventID)
}

// applyLeaseExpired requeues the run and clears custody. The sweep only
// appends this for non-terminal runs, but the terminal guard keeps replay
// total anyway.
func (*RunProjector) applyLeaseExpired(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = CASE WHEN status IN ('succeeded','failed','cancelled','timed_out') THEN status ELSE 'queued' END,
		    started_at = CASE WHEN status IN ('succeeded','failed','cancelled','timed_out') THEN started_at ELSE NULL END,
		    claim_token = NULL, claimed_by_actor_id = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, lease_heartbeat_at = NULL,
		    last_event_id = $2
		WHERE id = $1`,
		env.EventID)
}

func (*RunProjector) applyReleased(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	return updateRun(ctx, tx, env, `
		UPDATE runs
		SET status = CASE WHEN status IN ('succeeded','failed','cancelled','timed_out') THEN status ELSE 'queued' END,
		    started_at = CASE WHEN status IN ('succeeded','failed','cancelled','timed_out') THEN started_at ELSE NULL END,
		    claim_token = NULL, claimed_by_actor_id = NULL, claimed_at = NULL,
		    lease_expires_at = NULL, lease_heartbeat_at = NULL,
		    last_event_id = $2
		WHERE id = $1`,
		env.EventID)
}

func updateRun(ctx context.Context, tx *sql.Tx, env *envelope.Envelope, query string, args ...any) error {
	if env.RunID == nil {
		return fmt.Errorf("%s without run_id", env.EventType)
	}
	all := append([]any{env.RunID}, args...)
	res, err := tx.ExecContext(ctx, query, all...)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s for unknown run %s", env.EventType, env.RunID)
	}
	return nil
}

func touchRun(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	return updateRun(ctx, tx, env, `UPDATE runs SET last_event_id = $2 WHERE id = $1`, env.EventID)
}
