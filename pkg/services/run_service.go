package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
)

// RunService manages the run lifecycle. Every transition is an event
// append; the runs projection carries both the lifecycle state and the
// claim lease, so state checks here read the same rows the projector
// writes. Claiming itself lives in pkg/queue; this service only verifies
// that the caller still holds the claim it presents.
type RunService struct {
	db          *sql.DB
	store       *eventstore.Store
	workspaceID string
}

// NewRunService creates a new RunService.
func NewRunService(db *sql.DB, store *eventstore.Store, workspaceID string) *RunService {
	return &RunService{db: db, store: store, workspaceID: workspaceID}
}

// Create enqueues a new run.
func (s *RunService) Create(ctx context.Context, req models.CreateRunRequest) (*models.Run, error) {
	if req.Goal == "" {
		return nil, NewValidationError("goal", "required")
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}

	runID := uuid.New()
	correlationID := uuid.New()
	if req.CorrelationID != nil {
		correlationID = *req.CorrelationID
	}

	streamType, streamID := envelope.StreamWorkspace, s.workspaceID
	if req.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, req.RoomID.String()
	}

	_, _, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:     models.EventTypeRunCreated,
		WorkspaceID:   s.workspaceID,
		RoomID:        req.RoomID,
		RunID:         &runID,
		Actor:         envelope.Actor{Kind: envelope.ActorUser, ID: req.CreatedBy},
		StreamType:    streamType,
		StreamID:      streamID,
		CorrelationID: correlationID,
		Data:          models.RunCreatedPayload{Goal: req.Goal},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return s.Get(ctx, runID)
}

// Get retrieves a run by ID.
func (s *RunService) Get(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// GetDetail retrieves a run together with its steps, tool calls, and
// artifacts.
func (s *RunService) GetDetail(ctx context.Context, runID uuid.UUID) (*models.RunDetail, error) {
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.ListSteps(ctx, runID)
	if err != nil {
		return nil, err
	}
	toolCalls, err := s.ListToolCalls(ctx, runID)
	if err != nil {
		return nil, err
	}
	artifacts, err := s.ListArtifacts(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &models.RunDetail{Run: run, Steps: steps, ToolCalls: toolCalls, Artifacts: artifacts}, nil
}

// List returns the workspace's runs, newest first.
func (s *RunService) List(ctx context.Context, filters models.RunFilters) ([]*models.Run, error) {
	query := runSelect + ` WHERE workspace_id = $1`
	args := []any{s.workspaceID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.RoomID != nil {
		args = append(args, *filters.RoomID)
		query += fmt.Sprintf(" AND room_id = $%d", len(args))
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Start moves a claimed, queued run to running.
func (s *RunService) Start(ctx context.Context, runID uuid.UUID, req models.StartRunRequest) (*models.Run, error) {
	if req.ActorID == "" {
		return nil, NewValidationError("actor_id", "required")
	}

	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != models.RunStatusQueued {
		return nil, fmt.Errorf("%w: run is %s, start requires queued", ErrInvalidState, run.Status)
	}
	if err := validateClaim(run, req.ClaimToken, req.ActorID); err != nil {
		return nil, err
	}

	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunStarted,
		models.RunStartedPayload{StartedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// AddStep appends a step to a running run.
func (s *RunService) AddStep(ctx context.Context, runID uuid.UUID, req models.AddStepRequest) (*models.RunStep, error) {
	if req.Name == "" {
		return nil, NewValidationError("name", "required")
	}

	run, err := s.runningRun(ctx, runID, req.ClaimToken, req.ActorID)
	if err != nil {
		return nil, err
	}

	stepID := uuid.New()
	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunStepAdded,
		models.RunStepAddedPayload{StepID: stepID, Name: req.Name, Status: req.Status}); err != nil {
		return nil, err
	}
	return s.getStep(ctx, stepID)
}

// RecordToolCall records a tool invocation under a running run.
func (s *RunService) RecordToolCall(ctx context.Context, runID uuid.UUID, req models.RecordToolCallRequest) (*models.ToolCall, error) {
	if req.ToolName == "" {
		return nil, NewValidationError("tool_name", "required")
	}

	run, err := s.runningRun(ctx, runID, req.ClaimToken, req.ActorID)
	if err != nil {
		return nil, err
	}

	toolCallID := uuid.New()
	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunToolCallRecorded,
		models.RunToolCallRecordedPayload{
			ToolCallID: toolCallID,
			StepID:     req.StepID,
			ToolName:   req.ToolName,
			Arguments:  req.Arguments,
		}); err != nil {
		return nil, err
	}
	return s.getToolCall(ctx, toolCallID)
}

// AddArtifact attaches an artifact to a running run. Artifacts are the
// evidence bundles terminal transitions reference.
func (s *RunService) AddArtifact(ctx context.Context, runID uuid.UUID, req models.AddArtifactRequest) (*models.Artifact, error) {
	if req.Kind == "" {
		return nil, NewValidationError("kind", "required")
	}
	if req.URI == "" {
		return nil, NewValidationError("uri", "required")
	}

	run, err := s.runningRun(ctx, runID, req.ClaimToken, req.ActorID)
	if err != nil {
		return nil, err
	}

	artifactID := uuid.New()
	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunArtifactAdded,
		models.RunArtifactAddedPayload{
			ArtifactID: artifactID,
			StepID:     req.StepID,
			ToolCallID: req.ToolCallID,
			Kind:       req.Kind,
			URI:        req.URI,
			Digest:     req.Digest,
		}); err != nil {
		return nil, err
	}
	return s.getArtifact(ctx, artifactID)
}

// Complete finishes a running run as succeeded. A run is never marked
// succeeded without an evidence reference.
func (s *RunService) Complete(ctx context.Context, runID uuid.UUID, req models.CompleteRunRequest) (*models.Run, error) {
	run, err := s.runningRun(ctx, runID, req.ClaimToken, req.ActorID)
	if err != nil {
		return nil, err
	}
	if req.EvidenceRef == "" {
		return nil, fmt.Errorf("%w: run.complete needs evidence_ref", ErrEvidenceRequired)
	}

	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunCompleted,
		models.RunCompletedPayload{EvidenceRef: req.EvidenceRef, EndedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// Fail finishes a running run as failed. The evidence requirement applies
// to both terminal outcomes, not only success.
func (s *RunService) Fail(ctx context.Context, runID uuid.UUID, req models.FailRunRequest) (*models.Run, error) {
	if req.Error == "" {
		return nil, NewValidationError("error", "required")
	}

	run, err := s.runningRun(ctx, runID, req.ClaimToken, req.ActorID)
	if err != nil {
		return nil, err
	}
	if req.EvidenceRef == "" {
		return nil, fmt.Errorf("%w: run.fail needs evidence_ref", ErrEvidenceRequired)
	}

	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorAgent, ID: req.ActorID},
		models.EventTypeRunFailed,
		models.RunFailedPayload{Error: req.Error, EvidenceRef: req.EvidenceRef, EndedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// Cancel aborts a queued or running run. It is an operator action and
// bypasses the claim check: the holder may be the reason for cancelling.
func (s *RunService) Cancel(ctx context.Context, runID uuid.UUID, req models.CancelRunRequest) (*models.Run, error) {
	if req.CancelledBy == "" {
		return nil, NewValidationError("cancelled_by", "required")
	}

	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if models.RunTerminal(run.Status) {
		return nil, fmt.Errorf("%w: run is already %s", ErrInvalidState, run.Status)
	}

	if err := s.appendRunEvent(ctx, run, envelope.Actor{Kind: envelope.ActorUser, ID: req.CancelledBy},
		models.EventTypeRunCancelled,
		models.RunCancelledPayload{Reason: req.Reason, EndedAt: time.Now().UTC()}); err != nil {
		return nil, err
	}
	return s.Get(ctx, runID)
}

// ListSteps returns a run's steps, oldest first.
func (s *RunService) ListSteps(ctx context.Context, runID uuid.UUID) ([]*models.RunStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, status, correlation_id, created_at
		FROM run_steps WHERE run_id = $1
		ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*models.RunStep
	for rows.Next() {
		var step models.RunStep
		if err := rows.Scan(&step.ID, &step.RunID, &step.Name, &step.Status,
			&step.CorrelationID, &step.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}

// ListToolCalls returns a run's tool calls, oldest first.
func (s *RunService) ListToolCalls(ctx context.Context, runID uuid.UUID) ([]*models.ToolCall, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, tool_name, arguments, correlation_id, created_at
		FROM tool_calls WHERE run_id = $1
		ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tool calls: %w", err)
	}
	defer rows.Close()

	var calls []*models.ToolCall
	for rows.Next() {
		call, err := scanToolCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

// ListArtifacts returns a run's artifacts, oldest first.
func (s *RunService) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]*models.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, step_id, tool_call_id, kind, uri, digest, correlation_id, created_at
		FROM artifacts WHERE run_id = $1
		ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*models.Artifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// runningRun loads a run and verifies it is running under the presented
// claim. Shared by every operation that records work.
func (s *RunService) runningRun(ctx context.Context, runID uuid.UUID, token uuid.UUID, actorID string) (*models.Run, error) {
	if actorID == "" {
		return nil, NewValidationError("actor_id", "required")
	}
	run, err := s.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if models.RunTerminal(run.Status) {
		return nil, fmt.Errorf("%w: run is already %s", ErrInvalidState, run.Status)
	}
	if run.Status != models.RunStatusRunning {
		return nil, fmt.Errorf("%w: run is %s, not running", ErrInvalidState, run.Status)
	}
	if err := validateClaim(run, token, actorID); err != nil {
		return nil, err
	}
	return run, nil
}

// validateClaim checks that token is the run's live claim held by actorID.
func validateClaim(run *models.Run, token uuid.UUID, actorID string) error {
	if run.ClaimToken == nil || *run.ClaimToken != token {
		return fmt.Errorf("%w: claim token does not match", ErrLeaseLost)
	}
	if run.LeaseExpiresAt == nil || run.LeaseExpiresAt.Before(time.Now()) {
		return fmt.Errorf("%w: lease expired", ErrLeaseLost)
	}
	if actorID != "" && run.ClaimedByActorID != actorID {
		return fmt.Errorf("%w: claim is held by %s", ErrLeaseLost, run.ClaimedByActorID)
	}
	return nil
}

// appendRunEvent appends one lifecycle event for run, preserving its
// correlation id and chaining causation from the run's last event.
func (s *RunService) appendRunEvent(ctx context.Context, run *models.Run, actor envelope.Actor, eventType string, payload any) error {
	streamType, streamID := envelope.StreamWorkspace, s.workspaceID
	if run.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, run.RoomID.String()
	}

	_, _, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:     eventType,
		WorkspaceID:   run.WorkspaceID,
		RoomID:        run.RoomID,
		RunID:         &run.ID,
		Actor:         actor,
		StreamType:    streamType,
		StreamID:      streamID,
		CorrelationID: run.CorrelationID,
		CausationID:   run.LastEventID,
		Data:          payload,
	})
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	return nil
}

func (s *RunService) getStep(ctx context.Context, stepID uuid.UUID) (*models.RunStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, name, status, correlation_id, created_at
		FROM run_steps WHERE id = $1`, stepID)

	var step models.RunStep
	err := row.Scan(&step.ID, &step.RunID, &step.Name, &step.Status,
		&step.CorrelationID, &step.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return &step, nil
}

func (s *RunService) getToolCall(ctx context.Context, toolCallID uuid.UUID) (*models.ToolCall, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_id, tool_name, arguments, correlation_id, created_at
		FROM tool_calls WHERE id = $1`, toolCallID)

	call, err := scanToolCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return call, err
}

func (s *RunService) getArtifact(ctx context.Context, artifactID uuid.UUID) (*models.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, step_id, tool_call_id, kind, uri, digest, correlation_id, created_at
		FROM artifacts WHERE id = $1`, artifactID)

	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return artifact, err
}

const runSelect = `
	SELECT id, workspace_id, room_id, goal, status, correlation_id,
	       created_at, started_at, ended_at, evidence_ref, error,
	       claim_token, claimed_by_actor_id, claimed_at,
	       lease_expires_at, lease_heartbeat_at, last_event_id
	FROM runs`

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		run         models.Run
		roomID      uuid.NullUUID
		startedAt   sql.NullTime
		endedAt     sql.NullTime
		evidenceRef sql.NullString
		runErr      sql.NullString
		claimToken  uuid.NullUUID
		claimedBy   sql.NullString
		claimedAt   sql.NullTime
		leaseExp    sql.NullTime
		leaseBeat   sql.NullTime
		lastEventID uuid.NullUUID
	)
	err := row.Scan(&run.ID, &run.WorkspaceID, &roomID, &run.Goal, &run.Status,
		&run.CorrelationID, &run.CreatedAt, &startedAt, &endedAt, &evidenceRef,
		&runErr, &claimToken, &claimedBy, &claimedAt, &leaseExp, &leaseBeat,
		&lastEventID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	if roomID.Valid {
		run.RoomID = &roomID.UUID
	}
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if endedAt.Valid {
		run.EndedAt = &endedAt.Time
	}
	run.EvidenceRef = evidenceRef.String
	run.Error = runErr.String
	if claimToken.Valid {
		run.ClaimToken = &claimToken.UUID
	}
	run.ClaimedByActorID = claimedBy.String
	if claimedAt.Valid {
		run.ClaimedAt = &claimedAt.Time
	}
	if leaseExp.Valid {
		run.LeaseExpiresAt = &leaseExp.Time
	}
	if leaseBeat.Valid {
		run.LeaseHeartbeatAt = &leaseBeat.Time
	}
	if lastEventID.Valid {
		run.LastEventID = &lastEventID.UUID
	}
	return &run, nil
}

func scanToolCall(row rowScanner) (*models.ToolCall, error) {
	var (
		call      models.ToolCall
		stepID    uuid.NullUUID
		arguments []byte
	)
	err := row.Scan(&call.ID, &call.RunID, &stepID, &call.ToolName,
		&arguments, &call.CorrelationID, &call.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan tool call: %w", err)
	}
	if stepID.Valid {
		call.StepID = &stepID.UUID
	}
	call.Arguments = arguments
	return &call, nil
}

func scanArtifact(row rowScanner) (*models.Artifact, error) {
	var (
		artifact   models.Artifact
		stepID     uuid.NullUUID
		toolCallID uuid.NullUUID
		digest     sql.NullString
	)
	err := row.Scan(&artifact.ID, &artifact.RunID, &stepID, &toolCallID,
		&artifact.Kind, &artifact.URI, &digest, &artifact.CorrelationID,
		&artifact.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}
	if stepID.Valid {
		artifact.StepID = &stepID.UUID
	}
	if toolCallID.Valid {
		artifact.ToolCallID = &toolCallID.UUID
	}
	artifact.Digest = digest.String
	return &artifact, nil
}
