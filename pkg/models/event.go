// Package models holds the read-model rows, request/response shapes, and
// event payload types shared by services, projectors, and the API layer.
//
// Event payloads are the typed view of the envelope's opaque `data` field.
// The store never inspects them; projectors and handlers decode them by
// event type.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types appended by the kernel. The (type, version) pair identifies
// the payload schema.
const (
	EventTypeRoomCreated    = "room.created"
	EventTypeThreadCreated  = "thread.created"
	EventTypeMessageCreated = "message.created"

	EventTypePolicyDenied           = "policy.denied"
	EventTypePolicyRequiresApproval = "policy.requires_approval"

	EventTypeApprovalRequested = "approval.requested"
	EventTypeApprovalDecided   = "approval.decided"

	EventTypeRunCreated          = "run.created"
	EventTypeRunClaimed          = "run.claimed"
	EventTypeRunStarted          = "run.started"
	EventTypeRunStepAdded        = "run.step.added"
	EventTypeRunToolCallRecorded = "run.tool_call.recorded"
	EventTypeRunArtifactAdded    = "run.artifact.added"
	EventTypeRunCompleted        = "run.completed"
	EventTypeRunFailed           = "run.failed"
	EventTypeRunCancelled        = "run.cancelled"
	EventTypeRunTimedOut         = "run.timed_out"
	EventTypeRunLeaseExpired     = "run.lease_expired"
	EventTypeRunReleased         = "run.released"

	EventTypeSecretDetected = "secret.detected"
)

// RoomCreatedPayload is the payload for room.created events. The room id is
// the envelope's room_id and stream_id.
type RoomCreatedPayload struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// ThreadCreatedPayload is the payload for thread.created events, appended
// to the owning room's stream with thread_id set on the envelope.
type ThreadCreatedPayload struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// MessageCreatedPayload is the payload for message.created events.
type MessageCreatedPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Content   string    `json:"content"`
}

// PolicyDecisionPayload is the payload for policy.denied and
// policy.requires_approval events.
type PolicyDecisionPayload struct {
	Action     string          `json:"action"`
	Decision   string          `json:"decision"`
	ReasonCode string          `json:"reason_code"`
	Reason     string          `json:"reason"`
	Blocked    bool            `json:"blocked"`
	Context    json.RawMessage `json:"context,omitempty"`
}

// ApprovalScope describes what an approval covers. once and template scopes
// exist in the data model but never match at the gate until promoted.
type ApprovalScope struct {
	Type   string     `json:"type"` // workspace | room | run | once | template
	RoomID *uuid.UUID `json:"room_id,omitempty"`
	RunID  *uuid.UUID `json:"run_id,omitempty"`
}

// ApprovalRequestedPayload is the payload for approval.requested events.
type ApprovalRequestedPayload struct {
	ApprovalID  uuid.UUID       `json:"approval_id"`
	Action      string          `json:"action"`
	Scope       ApprovalScope   `json:"scope"`
	RequestedBy string          `json:"requested_by"`
	Context     json.RawMessage `json:"context,omitempty"`
}

// ApprovalDecidedPayload is the payload for approval.decided events.
type ApprovalDecidedPayload struct {
	ApprovalID uuid.UUID  `json:"approval_id"`
	Outcome    string     `json:"outcome"` // approved | denied | held
	DecidedBy  string     `json:"decided_by"`
	Comment    string     `json:"comment,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// RunCreatedPayload is the payload for run.created events.
type RunCreatedPayload struct {
	Goal string `json:"goal"`
}

// RunClaimedPayload is the payload for run.claimed events. It carries the
// full claim so that a projection rebuild reproduces the lease exactly.
type RunClaimedPayload struct {
	ClaimToken     uuid.UUID `json:"claim_token"`
	ClaimedBy      string    `json:"claimed_by"`
	ClaimedAt      time.Time `json:"claimed_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// RunStartedPayload is the payload for run.started events.
type RunStartedPayload struct {
	StartedAt time.Time `json:"started_at"`
}

// RunStepAddedPayload is the payload for run.step.added events.
type RunStepAddedPayload struct {
	StepID uuid.UUID `json:"step_id"`
	Name   string    `json:"name"`
	Status string    `json:"status"`
}

// RunToolCallRecordedPayload is the payload for run.tool_call.recorded
// events.
type RunToolCallRecordedPayload struct {
	ToolCallID uuid.UUID       `json:"tool_call_id"`
	StepID     *uuid.UUID      `json:"step_id,omitempty"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
}

// RunArtifactAddedPayload is the payload for run.artifact.added events.
type RunArtifactAddedPayload struct {
	ArtifactID uuid.UUID  `json:"artifact_id"`
	StepID     *uuid.UUID `json:"step_id,omitempty"`
	ToolCallID *uuid.UUID `json:"tool_call_id,omitempty"`
	Kind       string     `json:"kind"`
	URI        string     `json:"uri"`
	Digest     string     `json:"digest,omitempty"`
}

// RunCompletedPayload is the payload for run.completed events.
type RunCompletedPayload struct {
	EvidenceRef string    `json:"evidence_ref"`
	EndedAt     time.Time `json:"ended_at"`
}

// RunFailedPayload is the payload for run.failed events.
type RunFailedPayload struct {
	Error       string    `json:"error"`
	EvidenceRef string    `json:"evidence_ref"`
	EndedAt     time.Time `json:"ended_at"`
}

// RunCancelledPayload is the payload for run.cancelled events.
type RunCancelledPayload struct {
	Reason  string    `json:"reason,omitempty"`
	EndedAt time.Time `json:"ended_at"`
}

// RunTimedOutPayload is the payload for run.timed_out events appended by
// the run-timeout sweep.
type RunTimedOutPayload struct {
	RunningSince time.Time `json:"running_since"`
	EndedAt      time.Time `json:"ended_at"`
}

// RunLeaseExpiredPayload is the payload for run.lease_expired events
// appended by the lease sweep. Cause is "lease_expired" or
// "max_claim_age".
type RunLeaseExpiredPayload struct {
	PreviousClaimedBy string `json:"previous_claimed_by"`
	Cause             string `json:"cause"`
}

// RunReleasedPayload is the payload for run.released events. FinalState is
// released, completed, or failed; only released requeues the run.
type RunReleasedPayload struct {
	ReleasedBy string `json:"released_by"`
	FinalState string `json:"final_state"`
}

// SecretDetectedPayload is the payload for secret.detected events emitted
// when the redaction hook finds secret material in an appended event.
type SecretDetectedPayload struct {
	SourceEventID uuid.UUID `json:"source_event_id"`
	Patterns      []string  `json:"patterns"`
}
