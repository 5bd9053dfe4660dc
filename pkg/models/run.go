package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses. queued moves to running via start; running ends in one of
// the four terminal states. Claim fields are orthogonal to status.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
	RunStatusTimedOut  = "timed_out"
)

// RunTerminal reports whether status is absorbing.
func RunTerminal(status string) bool {
	switch status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCancelled, RunStatusTimedOut:
		return true
	}
	return false
}

// Run is the runs projection row, which doubles as the claim-lease
// coordination surface.
type Run struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   string     `json:"workspace_id"`
	RoomID        *uuid.UUID `json:"room_id,omitempty"`
	Goal          string     `json:"goal"`
	Status        string     `json:"status"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	EvidenceRef   string     `json:"evidence_ref,omitempty"`
	Error         string     `json:"error,omitempty"`

	ClaimToken       *uuid.UUID `json:"claim_token,omitempty"`
	ClaimedByActorID string     `json:"claimed_by_actor_id,omitempty"`
	ClaimedAt        *time.Time `json:"claimed_at,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	LeaseHeartbeatAt *time.Time `json:"lease_heartbeat_at,omitempty"`

	LastEventID *uuid.UUID `json:"last_event_id,omitempty"`
}

// RunStep is a step projection row.
type RunStep struct {
	ID            uuid.UUID `json:"id"`
	RunID         uuid.UUID `json:"run_id"`
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	CorrelationID uuid.UUID `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// ToolCall is a tool-call projection row.
type ToolCall struct {
	ID            uuid.UUID       `json:"id"`
	RunID         uuid.UUID       `json:"run_id"`
	StepID        *uuid.UUID      `json:"step_id,omitempty"`
	ToolName      string          `json:"tool_name"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	CorrelationID uuid.UUID       `json:"correlation_id"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Artifact is an artifact projection row. Artifacts are the evidence
// bundles terminal runs reference.
type Artifact struct {
	ID            uuid.UUID  `json:"id"`
	RunID         uuid.UUID  `json:"run_id"`
	StepID        *uuid.UUID `json:"step_id,omitempty"`
	ToolCallID    *uuid.UUID `json:"tool_call_id,omitempty"`
	Kind          string     `json:"kind"`
	URI           string     `json:"uri"`
	Digest        string     `json:"digest,omitempty"`
	CorrelationID uuid.UUID  `json:"correlation_id"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RunDetail is a run together with its children.
type RunDetail struct {
	Run       *Run        `json:"run"`
	Steps     []*RunStep  `json:"steps"`
	ToolCalls []*ToolCall `json:"tool_calls"`
	Artifacts []*Artifact `json:"artifacts"`
}

// CreateRunRequest contains fields for creating a queued run.
type CreateRunRequest struct {
	RoomID        *uuid.UUID `json:"room_id,omitempty"`
	Goal          string     `json:"goal"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	CreatedBy     string     `json:"created_by"`
}

// RunFilters narrows run listings.
type RunFilters struct {
	Status string     `json:"status,omitempty"`
	RoomID *uuid.UUID `json:"room_id,omitempty"`
	Limit  int        `json:"limit,omitempty"`
	Offset int        `json:"offset,omitempty"`
}

// AddStepRequest contains fields for appending a step to a running run.
type AddStepRequest struct {
	Name       string    `json:"name"`
	Status     string    `json:"status,omitempty"`
	ClaimToken uuid.UUID `json:"claim_token"`
	ActorID    string    `json:"actor_id"`
}

// RecordToolCallRequest contains fields for recording a tool call.
type RecordToolCallRequest struct {
	StepID     *uuid.UUID      `json:"step_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	ClaimToken uuid.UUID       `json:"claim_token"`
	ActorID    string          `json:"actor_id"`
}

// AddArtifactRequest contains fields for attaching an artifact.
type AddArtifactRequest struct {
	StepID     *uuid.UUID `json:"step_id,omitempty"`
	ToolCallID *uuid.UUID `json:"tool_call_id,omitempty"`
	Kind       string     `json:"kind"`
	URI        string     `json:"uri"`
	Digest     string     `json:"digest,omitempty"`
	ClaimToken uuid.UUID  `json:"claim_token"`
	ActorID    string     `json:"actor_id"`
}

// StartRunRequest contains fields for moving a claimed run to running.
type StartRunRequest struct {
	ClaimToken uuid.UUID `json:"claim_token"`
	ActorID    string    `json:"actor_id"`
}

// CompleteRunRequest contains fields for finishing a run successfully.
type CompleteRunRequest struct {
	EvidenceRef string    `json:"evidence_ref"`
	ClaimToken  uuid.UUID `json:"claim_token"`
	ActorID     string    `json:"actor_id"`
}

// FailRunRequest contains fields for finishing a run with an error.
type FailRunRequest struct {
	Error       string    `json:"error"`
	EvidenceRef string    `json:"evidence_ref"`
	ClaimToken  uuid.UUID `json:"claim_token"`
	ActorID     string    `json:"actor_id"`
}

// CancelRunRequest contains fields for cancelling a queued or running run.
// Cancellation is an operator action and does not require a claim.
type CancelRunRequest struct {
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by"`
}

// ClaimRequest contains fields for a batch claim of queued or stale runs.
type ClaimRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	ActorID     string `json:"actor_id"`
	BatchLimit  int    `json:"batch_limit,omitempty"`
}

// ClaimedRun is one granted claim out of a batch.
type ClaimedRun struct {
	RunID          uuid.UUID `json:"run_id"`
	ClaimToken     uuid.UUID `json:"claim_token"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// HeartbeatRequest contains fields for renewing a claim lease.
type HeartbeatRequest struct {
	ClaimToken uuid.UUID `json:"claim_token"`
}

// Heartbeat statuses.
const (
	HeartbeatExtended  = "extended"
	HeartbeatThrottled = "throttled"
)

// HeartbeatResult reports the outcome of a lease renewal.
type HeartbeatResult struct {
	Status         string    `json:"status"` // extended | throttled
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Release final states.
const (
	ReleaseStateReleased  = "released"
	ReleaseStateCompleted = "completed"
	ReleaseStateFailed    = "failed"
)

// ReleaseRequest contains fields for surrendering a claim.
type ReleaseRequest struct {
	ClaimToken uuid.UUID `json:"claim_token"`
	FinalState string    `json:"final_state"` // released | completed | failed
	ReleasedBy string    `json:"released_by"`
}
