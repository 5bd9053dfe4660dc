package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// canonicalView mirrors Envelope for hashing. Differences from the wire
// form: occurred_at is pinned to millisecond UTC, and event_hash is absent
// (the hash cannot cover itself). prev_event_hash stays, null for the first
// event, so the linkage is part of the signed content.
type canonicalView struct {
	EventID      uuid.UUID `json:"event_id"`
	EventType    string    `json:"event_type"`
	EventVersion int       `json:"event_version"`
	OccurredAt   string    `json:"occurred_at"`

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
	CausationID   *uuid.UUID `json:"causation_id"`

	RedactionLevel  string `json:"redaction_level"`
	ContainsSecrets bool   `json:"contains_secrets"`

	PolicyCtx  json.RawMessage `json:"policy_ctx,omitempty"`
	ModelCtx   json.RawMessage `json:"model_ctx,omitempty"`
	DisplayCtx json.RawMessage `json:"display_ctx,omitempty"`

	Data json.RawMessage `json:"data"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`

	PrevEventHash *string `json:"prev_event_hash"`
}

// CanonicalJSON returns the RFC 8785 form of the envelope used as hash
// input. The transform sorts keys, strips insignificant whitespace, and
// normalizes string escaping and number formatting.
func (e *Envelope) CanonicalJSON() ([]byte, error) {
	view := canonicalView{
		EventID:          e.EventID,
		EventType:        e.EventType,
		EventVersion:     e.EventVersion,
		OccurredAt:       e.OccurredAt.UTC().Format(CanonicalTimeLayout),
		WorkspaceID:      e.WorkspaceID,
		RoomID:           e.RoomID,
		ThreadID:         e.ThreadID,
		RunID:            e.RunID,
		StepID:           e.StepID,
		Actor:            e.Actor,
		ActorPrincipalID: e.ActorPrincipalID,
		Zone:             e.Zone,
		StreamType:       e.StreamType,
		StreamID:         e.StreamID,
		StreamSeq:        e.StreamSeq,
		CorrelationID:    e.CorrelationID,
		CausationID:      e.CausationID,
		RedactionLevel:   e.RedactionLevel,
		ContainsSecrets:  e.ContainsSecrets,
		PolicyCtx:        e.PolicyCtx,
		ModelCtx:         e.ModelCtx,
		DisplayCtx:       e.DisplayCtx,
		Data:             e.Data,
		IdempotencyKey:   e.IdempotencyKey,
		PrevEventHash:    e.PrevEventHash,
	}
	if view.Data == nil {
		view.Data = json.RawMessage(`{}`)
	}

	raw, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize envelope: %w", err)
	}
	return canonical, nil
}

// ComputeHash derives the chain hash from the envelope's canonical form and
// its prev_event_hash. The envelope's own EventHash field is ignored.
func (e *Envelope) ComputeHash() (string, error) {
	canonical, err := e.CanonicalJSON()
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write(canonical)
	if e.PrevEventHash != nil && *e.PrevEventHash != "" {
		prev, err := hex.DecodeString(*e.PrevEventHash)
		if err != nil {
			return "", fmt.Errorf("prev_event_hash is not valid hex: %w", err)
		}
		h.Write(prev)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
