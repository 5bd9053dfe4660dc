package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/projection"
)

// ApprovalService manages the approval state machine. State lives in the
// approvals projection; both operations here are event appends, and the
// projector inside the append transaction is the single authority on
// transitions, so a decision race is settled by event order.
type ApprovalService struct {
	db          *sql.DB
	store       *eventstore.Store
	workspaceID string
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(db *sql.DB, store *eventstore.Store, workspaceID string) *ApprovalService {
	return &ApprovalService{db: db, store: store, workspaceID: workspaceID}
}

// Request opens a pending approval for an action under a scope.
func (s *ApprovalService) Request(ctx context.Context, req models.CreateApprovalRequest) (*models.Approval, error) {
	if req.Action == "" {
		return nil, NewValidationError("action", "required")
	}
	if req.RequestedBy == "" {
		return nil, NewValidationError("requested_by", "required")
	}
	if err := validateScope(req.Scope); err != nil {
		return nil, err
	}

	approvalID := uuid.New()
	streamType, streamID := envelope.StreamWorkspace, s.workspaceID
	if req.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, req.RoomID.String()
	}

	_, _, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:   models.EventTypeApprovalRequested,
		WorkspaceID: s.workspaceID,
		RoomID:      req.RoomID,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: req.RequestedBy},
		StreamType:  streamType,
		StreamID:    streamID,
		Data: models.ApprovalRequestedPayload{
			ApprovalID:  approvalID,
			Action:      req.Action,
			Scope:       req.Scope,
			RequestedBy: req.RequestedBy,
			Context:     req.Context,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to request approval: %w", err)
	}

	return s.Get(ctx, approvalID)
}

// Decide settles a pending or held approval. The first sequenced decision
// wins; a second decider gets ErrAlreadyDecided, and transitions the state
// machine forbids get ErrInvalidState.
func (s *ApprovalService) Decide(ctx context.Context, approvalID uuid.UUID, req models.DecideApprovalRequest) (*models.Approval, error) {
	switch req.Outcome {
	case models.ApprovalStatusApproved, models.ApprovalStatusDenied, models.ApprovalStatusHeld:
	default:
		return nil, NewValidationError("outcome", "must be approved, denied, or held")
	}
	if req.DecidedBy == "" {
		return nil, NewValidationError("decided_by", "required")
	}

	approval, err := s.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	streamType, streamID := envelope.StreamWorkspace, s.workspaceID
	if approval.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, approval.RoomID.String()
	}

	_, _, err = s.store.Append(ctx, eventstore.AppendInput{
		EventType:   models.EventTypeApprovalDecided,
		WorkspaceID: s.workspaceID,
		RoomID:      approval.RoomID,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: req.DecidedBy},
		StreamType:  streamType,
		StreamID:    streamID,
		Data: models.ApprovalDecidedPayload{
			ApprovalID: approvalID,
			Outcome:    req.Outcome,
			DecidedBy:  req.DecidedBy,
			Comment:    req.Comment,
			ExpiresAt:  req.ExpiresAt,
		},
	})
	switch {
	case errors.Is(err, projection.ErrApprovalAlreadyDecided):
		return nil, ErrAlreadyDecided
	case errors.Is(err, projection.ErrApprovalInvalidTransition):
		return nil, ErrInvalidState
	case err != nil:
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}

	return s.Get(ctx, approvalID)
}

// Get retrieves an approval by ID.
func (s *ApprovalService) Get(ctx context.Context, approvalID uuid.UUID) (*models.Approval, error) {
	row := s.db.QueryRowContext(ctx, approvalSelect+` WHERE id = $1`, approvalID)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return approval, err
}

// List returns the workspace's approvals, newest first.
func (s *ApprovalService) List(ctx context.Context, filters models.ApprovalFilters) ([]*models.Approval, error) {
	query := approvalSelect + ` WHERE workspace_id = $1`
	args := []any{s.workspaceID}

	if filters.Status != "" {
		args = append(args, filters.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filters.Action != "" {
		args = append(args, filters.Action)
		query += fmt.Sprintf(" AND action = $%d", len(args))
	}

	limit := filters.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY requested_at DESC, id LIMIT $%d", len(args))
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func validateScope(scope models.ApprovalScope) error {
	switch scope.Type {
	case models.ScopeWorkspace, models.ScopeOnce, models.ScopeTemplate:
	case models.ScopeRoom:
		if scope.RoomID == nil {
			return NewValidationError("scope.room_id", "required for room scope")
		}
	case models.ScopeRun:
		if scope.RunID == nil {
			return NewValidationError("scope.run_id", "required for run scope")
		}
	default:
		return NewValidationError("scope.type", "must be workspace, room, run, once, or template")
	}
	return nil
}

const approvalSelect = `
	SELECT id, workspace_id, room_id, action,
	       scope_type, scope_room_id, scope_run_id,
	       status, requested_by, requested_at,
	       decided_by, decided_at, decision_comment, expires_at, context
	FROM approvals`

func scanApproval(row rowScanner) (*models.Approval, error) {
	var (
		approval    models.Approval
		roomID      uuid.NullUUID
		scopeRoomID uuid.NullUUID
		scopeRunID  uuid.NullUUID
		decidedBy   sql.NullString
		decidedAt   sql.NullTime
		comment     sql.NullString
		expiresAt   sql.NullTime
		contextRaw  []byte
	)
	err := row.Scan(&approval.ID, &approval.WorkspaceID, &roomID, &approval.Action,
		&approval.Scope.Type, &scopeRoomID, &scopeRunID,
		&approval.Status, &approval.RequestedBy, &approval.RequestedAt,
		&decidedBy, &decidedAt, &comment, &expiresAt, &contextRaw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan approval: %w", err)
	}

	if roomID.Valid {
		approval.RoomID = &roomID.UUID
	}
	if scopeRoomID.Valid {
		approval.Scope.RoomID = &scopeRoomID.UUID
	}
	if scopeRunID.Valid {
		approval.Scope.RunID = &scopeRunID.UUID
	}
	approval.DecidedBy = decidedBy.String
	if decidedAt.Valid {
		approval.DecidedAt = &decidedAt.Time
	}
	approval.DecisionComment = comment.String
	if expiresAt.Valid {
		approval.ExpiresAt = &expiresAt.Time
	}
	approval.Context = contextRaw
	return &approval, nil
}
