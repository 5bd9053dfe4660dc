package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Principal is the stable identity behind an actor. Rows are created on
// demand the first time an actor appends an event.
type Principal struct {
	ID          uuid.UUID `json:"id"`
	ActorKind   string    `json:"actor_kind"`
	ActorID     string    `json:"actor_id"`
	DisplayName string    `json:"display_name,omitempty"`
	DefaultZone string    `json:"default_zone"`
	CreatedAt   time.Time `json:"created_at"`
}

// CapabilityScopes bounds what a capability token may touch. Empty slices
// mean "no restriction on that axis".
type CapabilityScopes struct {
	Rooms         []string `json:"rooms,omitempty"`
	Actions       []string `json:"actions,omitempty"`
	Tools         []string `json:"tools,omitempty"`
	DataTargets   []string `json:"data_targets,omitempty"`
	EgressDomains []string `json:"egress_domains,omitempty"`
}

// CapabilityToken is a scoped, revocable credential checked by the policy
// gate before any other layer.
type CapabilityToken struct {
	ID          uuid.UUID        `json:"id"`
	PrincipalID uuid.UUID        `json:"principal_id"`
	Name        string           `json:"name,omitempty"`
	Scopes      CapabilityScopes `json:"scopes"`
	IssuedAt    time.Time        `json:"issued_at"`
	ExpiresAt   *time.Time       `json:"expires_at,omitempty"`
	RevokedAt   *time.Time       `json:"revoked_at,omitempty"`
}

// Agent tracks quarantine state for agent principals.
type Agent struct {
	PrincipalID      uuid.UUID  `json:"principal_id"`
	Name             string     `json:"name,omitempty"`
	Quarantined      bool       `json:"quarantined"`
	QuarantinedAt    *time.Time `json:"quarantined_at,omitempty"`
	QuarantineReason string     `json:"quarantine_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// SecretMetadata describes a stored secret without exposing plaintext.
type SecretMetadata struct {
	Name       string    `json:"name"`
	KeyVersion int       `json:"key_version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LearningEntry records a negative policy decision for later review.
// Writes are best-effort and never block the gate.
type LearningEntry struct {
	ID         uuid.UUID       `json:"id"`
	Category   string          `json:"category"`
	Action     string          `json:"action"`
	ReasonCode string          `json:"reason_code"`
	ActorID    string          `json:"actor_id"`
	RoomID     *uuid.UUID      `json:"room_id,omitempty"`
	RunID      *uuid.UUID      `json:"run_id,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MintCapabilityRequest contains fields for minting a capability token.
type MintCapabilityRequest struct {
	ActorKind string           `json:"actor_kind"`
	ActorID   string           `json:"actor_id"`
	Name      string           `json:"name,omitempty"`
	Scopes    CapabilityScopes `json:"scopes"`
	TTL       int64            `json:"ttl_seconds,omitempty"` // 0 means no expiry
}

// QuarantineRequest contains fields for quarantining an agent principal.
type QuarantineRequest struct {
	Reason string `json:"reason,omitempty"`
}

// PutSecretRequest contains fields for storing a secret.
type PutSecretRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}
