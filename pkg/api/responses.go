package api

import (
	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/policy"
)

// Every 2xx JSON body carries the current schema_version so clients can
// detect drift without a separate negotiation round-trip.

// RoomResponse is returned by POST /v1/rooms and GET /v1/rooms/:roomId.
type RoomResponse struct {
	SchemaVersion string       `json:"schema_version"`
	Room          *models.Room `json:"room"`
}

// RoomListResponse is returned by GET /v1/rooms.
type RoomListResponse struct {
	SchemaVersion string         `json:"schema_version"`
	Rooms         []*models.Room `json:"rooms"`
	Count         int            `json:"count"`
}

// ThreadResponse is returned by POST /v1/rooms/:roomId/threads.
type ThreadResponse struct {
	SchemaVersion string         `json:"schema_version"`
	Thread        *models.Thread `json:"thread"`
}

// ThreadListResponse is returned by GET /v1/rooms/:roomId/threads.
type ThreadListResponse struct {
	SchemaVersion string           `json:"schema_version"`
	Threads       []*models.Thread `json:"threads"`
	Count         int              `json:"count"`
}

// MessageResponse is returned by POST /v1/threads/:threadId/messages.
// IdempotentReplay is true when the idempotency key matched a prior post
// and the original message is being returned.
type MessageResponse struct {
	SchemaVersion    string          `json:"schema_version"`
	Message          *models.Message `json:"message"`
	IdempotentReplay bool            `json:"idempotent_replay,omitempty"`
}

// MessageListResponse is returned by GET /v1/threads/:threadId/messages.
type MessageListResponse struct {
	SchemaVersion string            `json:"schema_version"`
	Messages      []*models.Message `json:"messages"`
	Count         int               `json:"count"`
}

// DecisionResponse is returned by POST /v1/policy/evaluate. The gate
// always answers 200; the decision object says whether the action may
// proceed.
type DecisionResponse struct {
	SchemaVersion string `json:"schema_version"`
	*policy.Result
}

// ApprovalResponse is returned by the approval create, get, and decide
// endpoints.
type ApprovalResponse struct {
	SchemaVersion string           `json:"schema_version"`
	Approval      *models.Approval `json:"approval"`
}

// ApprovalListResponse is returned by GET /v1/approvals.
type ApprovalListResponse struct {
	SchemaVersion string             `json:"schema_version"`
	Approvals     []*models.Approval `json:"approvals"`
	Count         int                `json:"count"`
}

// RunResponse is returned by run create and lifecycle endpoints.
type RunResponse struct {
	SchemaVersion string      `json:"schema_version"`
	Run           *models.Run `json:"run"`
}

// RunDetailResponse is returned by GET /v1/runs/:runId.
type RunDetailResponse struct {
	SchemaVersion string `json:"schema_version"`
	*models.RunDetail
}

// RunListResponse is returned by GET /v1/runs.
type RunListResponse struct {
	SchemaVersion string        `json:"schema_version"`
	Runs          []*models.Run `json:"runs"`
	Count         int           `json:"count"`
}

// ClaimResponse is returned by POST /v1/runs/claim. Claims may be empty
// when nothing is queued; that is not an error.
type ClaimResponse struct {
	SchemaVersion string              `json:"schema_version"`
	Claims        []models.ClaimedRun `json:"claims"`
	Count         int                 `json:"count"`
}

// HeartbeatResponse is returned by POST /v1/runs/:runId/lease/heartbeat.
// Status is "extended" or "throttled"; both are 200.
type HeartbeatResponse struct {
	SchemaVersion string `json:"schema_version"`
	*models.HeartbeatResult
}

// ReleaseResponse is returned by POST /v1/runs/:runId/lease/release.
type ReleaseResponse struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	FinalState    string `json:"final_state"`
}

// StepResponse is returned by POST /v1/runs/:runId/steps.
type StepResponse struct {
	SchemaVersion string          `json:"schema_version"`
	Step          *models.RunStep `json:"step"`
}

// ToolCallResponse is returned by POST /v1/runs/:runId/tool-calls.
type ToolCallResponse struct {
	SchemaVersion string           `json:"schema_version"`
	ToolCall      *models.ToolCall `json:"tool_call"`
}

// ArtifactResponse is returned by POST /v1/runs/:runId/artifacts.
type ArtifactResponse struct {
	SchemaVersion string           `json:"schema_version"`
	Artifact      *models.Artifact `json:"artifact"`
}

// EventResponse is returned by GET /v1/events/:eventId.
type EventResponse struct {
	SchemaVersion string             `json:"schema_version"`
	Event         *envelope.Envelope `json:"event"`
}

// EventListResponse is returned by GET /v1/events.
type EventListResponse struct {
	SchemaVersion string               `json:"schema_version"`
	Events        []*envelope.Envelope `json:"events"`
	Count         int                  `json:"count"`
}

// VerifyResponse is returned by GET /v1/streams/:streamType/:streamId/verify.
type VerifyResponse struct {
	SchemaVersion string `json:"schema_version"`
	*eventstore.VerifyResult
}

// CapabilityResponse is returned by the capability mint and revoke
// endpoints.
type CapabilityResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	Token         *models.CapabilityToken `json:"token"`
}

// CapabilityListResponse is returned by GET /v1/capabilities.
type CapabilityListResponse struct {
	SchemaVersion string                    `json:"schema_version"`
	Tokens        []*models.CapabilityToken `json:"tokens"`
	Count         int                       `json:"count"`
}

// AgentResponse is returned by the agent quarantine and release
// endpoints.
type AgentResponse struct {
	SchemaVersion string        `json:"schema_version"`
	Agent         *models.Agent `json:"agent"`
}

// SecretResponse is returned by POST /v1/secrets.
type SecretResponse struct {
	SchemaVersion string `json:"schema_version"`
	Name          string `json:"name"`
	Status        string `json:"status"`
}

// SecretListResponse is returned by GET /v1/secrets. Values never leave
// the vault; only metadata is listed.
type SecretListResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	Secrets       []models.SecretMetadata `json:"secrets"`
	Count         int                     `json:"count"`
}

// RotateResponse is returned by POST /v1/secrets/rotate.
type RotateResponse struct {
	SchemaVersion string `json:"schema_version"`
	Rotated       int    `json:"rotated"`
	KeyVersion    int    `json:"key_version"`
}

// SummaryResponse is returned by GET /v1/system/summary.
type SummaryResponse struct {
	SchemaVersion string `json:"schema_version"`
	*models.SystemSummary
}

// LearningListResponse is returned by GET /v1/learning.
type LearningListResponse struct {
	SchemaVersion string                  `json:"schema_version"`
	Entries       []*models.LearningEntry `json:"entries"`
	Count         int                     `json:"count"`
}
