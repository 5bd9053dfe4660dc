// Package policy implements the layered decision gate that classifies
// every outward-facing action into allow, deny, or require_approval.
// Layers run in a fixed order and the first verdict wins; allow falls
// through to the next layer. Non-allow decisions leave an audit event on
// the stream and a learning entry behind.
package policy

import (
	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
)

// Decision is the gate's classification of a proposed action.
type Decision string

const (
	DecisionAllow           Decision = "allow"
	DecisionDeny            Decision = "deny"
	DecisionRequireApproval Decision = "require_approval"
)

// Mode selects whether non-allow decisions block the action (enforce) or
// only record it (shadow).
type Mode string

const (
	ModeShadow  Mode = "shadow"
	ModeEnforce Mode = "enforce"
)

func (m Mode) Valid() bool {
	return m == ModeShadow || m == ModeEnforce
}

// Reason codes carried by decisions. The catalog is closed: callers
// branch on these, so new codes are API changes.
const (
	ReasonCapabilityNotFound          = "capability_not_found"
	ReasonCapabilityRevoked           = "capability_revoked"
	ReasonCapabilityExpired           = "capability_expired"
	ReasonCapabilityPrincipalMismatch = "capability_principal_mismatch"
	ReasonCapabilityScopeViolation    = "capability_scope_violation"

	ReasonIrreversibleRequiresApproval = "irreversible_requires_approval"
	ReasonActionRequiresPreApproval    = "action_requires_pre_approval"
	ReasonZoneEscalationRequired       = "zone_escalation_required"

	ReasonAgentQuarantined = "agent_quarantined"
	ReasonQuotaExceeded    = "quota_exceeded"

	ReasonKillSwitchActive              = "kill_switch_active"
	ReasonApprovalAllowsAction          = "approval_allows_action"
	ReasonExternalWriteRequiresApproval = "external_write_requires_approval"

	ReasonDataAccessAllowed                = "data_access_allowed"
	ReasonDataAccessRestrictedRoomMismatch = "data_access_restricted_room_mismatch"
	ReasonDataAccessPurposeHintMismatch    = "data_access_purpose_hint_mismatch"

	ReasonDefaultAllow = "default_allow"
)

// Actions with dedicated base-policy branches.
const (
	ActionExternalWrite = "external.write"
	ActionDataRead      = "data.read"
	ActionDataWrite     = "data.write"
)

// Data-access labels, least to most sensitive.
const (
	LabelPublic       = "public"
	LabelInternal     = "internal"
	LabelRestricted   = "restricted"
	LabelConfidential = "confidential"
	LabelSensitivePII = "sensitive_pii"
)

// Request is one proposed action presented to the gate.
type Request struct {
	Action      string          `json:"action"`
	Actor       envelope.Actor  `json:"actor"`
	WorkspaceID string          `json:"workspace_id"`
	RoomID      *uuid.UUID      `json:"room_id,omitempty"`
	RunID       *uuid.UUID      `json:"run_id,omitempty"`
	Zone        envelope.Zone   `json:"zone,omitempty"` // empty: principal default
	TokenID     *uuid.UUID      `json:"capability_token_id,omitempty"`
	Context     *RequestContext `json:"context,omitempty"`
}

// RequestContext is the optional structured context a caller attaches to
// a request: what tool runs, where traffic goes, what data is touched.
type RequestContext struct {
	Tool         string      `json:"tool,omitempty"`
	EgressDomain string      `json:"egress_domain,omitempty"`
	DataAccess   *DataAccess `json:"data_access,omitempty"`
}

// DataAccess describes the data a data.read/data.write request touches.
// The caller's classifier fills the label and the purpose-hint verdict;
// the gate only applies the rules.
type DataAccess struct {
	Target                string     `json:"target,omitempty"`
	Label                 string     `json:"label"`
	RoomID                *uuid.UUID `json:"room_id,omitempty"` // owning room for restricted
	PurposeHintMismatch   bool       `json:"purpose_hint_mismatch,omitempty"`
	JustificationProvided bool       `json:"justification_provided,omitempty"`
}

// Result is the gate's answer. Blocked reflects the enforcement mode:
// in shadow mode a deny still reports blocked=false.
type Result struct {
	Decision   Decision   `json:"decision"`
	ReasonCode string     `json:"reason_code"`
	Reason     string     `json:"reason"`
	Blocked    bool       `json:"blocked"`
	EventID    *uuid.UUID `json:"event_id,omitempty"` // negative-decision audit event
}

// verdict is a layer's non-nil outcome; nil means the layer passes the
// request on.
type verdict struct {
	decision   Decision
	reasonCode string
	reason     string
}

func deny(code, reason string) *verdict {
	return &verdict{decision: DecisionDeny, reasonCode: code, reason: reason}
}

func allow(code, reason string) *verdict {
	return &verdict{decision: DecisionAllow, reasonCode: code, reason: reason}
}

func requireApproval(code, reason string) *verdict {
	return &verdict{decision: DecisionRequireApproval, reasonCode: code, reason: reason}
}
