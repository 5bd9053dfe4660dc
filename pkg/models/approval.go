package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Approval statuses. pending may move to approved, denied, or held; held
// may still be approved or denied; approved and denied are terminal.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusHeld     = "held"
	ApprovalStatusApproved = "approved"
	ApprovalStatusDenied   = "denied"
)

// Approval scope kinds.
const (
	ScopeWorkspace = "workspace"
	ScopeRoom      = "room"
	ScopeRun       = "run"
	ScopeOnce      = "once"
	ScopeTemplate  = "template"
)

// Approval is the approvals projection row.
type Approval struct {
	ID              uuid.UUID       `json:"id"`
	WorkspaceID     string          `json:"workspace_id"`
	RoomID          *uuid.UUID      `json:"room_id,omitempty"`
	Action          string          `json:"action"`
	Scope           ApprovalScope   `json:"scope"`
	Status          string          `json:"status"`
	RequestedBy     string          `json:"requested_by"`
	RequestedAt     time.Time       `json:"requested_at"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	DecisionComment string          `json:"decision_comment,omitempty"`
	ExpiresAt       *time.Time      `json:"expires_at,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`
}

// Terminal reports whether the approval can no longer change state.
func (a *Approval) Terminal() bool {
	return a.Status == ApprovalStatusApproved || a.Status == ApprovalStatusDenied
}

// CreateApprovalRequest contains fields for requesting an approval.
type CreateApprovalRequest struct {
	RoomID      *uuid.UUID      `json:"room_id,omitempty"`
	Action      string          `json:"action"`
	Scope       ApprovalScope   `json:"scope"`
	RequestedBy string          `json:"requested_by"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// DecideApprovalRequest contains fields for deciding a pending or held
// approval.
type DecideApprovalRequest struct {
	Outcome   string     `json:"outcome"` // approved | denied | held
	DecidedBy string     `json:"decided_by"`
	Comment   string     `json:"comment,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ApprovalFilters narrows approval listings.
type ApprovalFilters struct {
	Status string `json:"status,omitempty"`
	Action string `json:"action,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}
