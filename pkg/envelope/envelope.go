// Package envelope defines the immutable event record shared by the store,
// projectors, and every API consumer, together with its canonical
// serialization and hash chain.
//
// Canonical form is RFC 8785 (JCS) over the envelope's JSON with
// event_hash excluded. The chain hash of an event is
// SHA-256(canonical_bytes || raw_prev_hash_bytes), lowercase hex, where
// raw_prev_hash_bytes is the hex-decoded previous hash (empty for the first
// event of a stream). Timestamps canonicalize as UTC ISO-8601 with
// millisecond precision.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StreamType partitions the event log into independently sequenced streams.
type StreamType string

const (
	StreamWorkspace StreamType = "workspace"
	StreamRoom      StreamType = "room"
	StreamThread    StreamType = "thread"
)

// Valid reports whether t is a known stream type.
func (t StreamType) Valid() bool {
	switch t {
	case StreamWorkspace, StreamRoom, StreamThread:
		return true
	}
	return false
}

// ActorKind identifies who performed an action.
type ActorKind string

const (
	ActorUser    ActorKind = "user"
	ActorAgent   ActorKind = "agent"
	ActorService ActorKind = "service"
)

// Valid reports whether k is a known actor kind.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorUser, ActorAgent, ActorService:
		return true
	}
	return false
}

// Zone is the security posture an action executes under.
type Zone string

const (
	ZoneSandbox    Zone = "sandbox"
	ZoneSupervised Zone = "supervised"
	ZoneHighStakes Zone = "high_stakes"
)

// Valid reports whether z is a known zone.
func (z Zone) Valid() bool {
	switch z {
	case ZoneSandbox, ZoneSupervised, ZoneHighStakes:
		return true
	}
	return false
}

// rank orders zones from least to most privileged.
func (z Zone) rank() int {
	switch z {
	case ZoneSandbox:
		return 0
	case ZoneSupervised:
		return 1
	case ZoneHighStakes:
		return 2
	}
	return -1
}

// AtLeast reports whether z grants at least the privilege of min.
func (z Zone) AtLeast(min Zone) bool {
	return z.rank() >= min.rank()
}

// Actor is the identity stamped on every event.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// Envelope is the durable wire format of a single event. Instances are
// written once by the store and never mutated.
type Envelope struct {
	EventID      uuid.UUID `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   time.Time `json:"occurred_at"`

	WorkspaceID string     `json:"workspace_id"`
	RoomID      *uuid.UUID `json:"room_id,omitempty"`
	ThreadID    *uuid.UUID `json:"thread_id,omitempty"`
	RunID       *uuid.UUID `json:"run_id,omitempty"`
	StepID      *uuid.UUID `json:"step_id,omitempty"`

	Actor            Actor     `json:"actor"`
	ActorPrincipalID uuid.UUID `json:"actor_principal_id"`
	Zone             Zone      `json:"zone"`

	StreamType StreamType `json:"stream_type"`
	StreamID   string     `json:"stream_id"`
	StreamSeq  int64      `json:"stream_seq"`

	CorrelationID uuid.UUID  `json:"correlation_id"`
	CausationID   *uuid.UUID `json:"causation_id"` // semantically nullable

	RedactionLevel  string `json:"redaction_level"`
	ContainsSecrets bool   `json:"contains_secrets"`

	PolicyCtx  json.RawMessage `json:"policy_ctx,omitempty"`
	ModelCtx   json.RawMessage `json:"model_ctx,omitempty"`
	DisplayCtx json.RawMessage `json:"display_ctx,omitempty"`

	Data json.RawMessage `json:"data"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	PrevEventHash *string `json:"prev_event_hash"` // semantically nullable
	EventHash     string  `json:"event_hash,omitempty"`
}

// Redaction levels. Redacted events had secret material masked before
// persistence.
const (
	RedactionLevelNone     = "none"
	RedactionLevelRedacted = "redacted"
)

// CanonicalTimeLayout renders timestamps for hashing: UTC, millisecond
// precision, trailing Z.
const CanonicalTimeLayout = "2006-01-02T15:04:05.000Z"
