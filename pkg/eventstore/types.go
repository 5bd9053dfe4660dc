// Package eventstore implements the append-only event log: per-stream
// sequence allocation, hash chaining, idempotent append, queries, and
// chain verification. Appends run in a single transaction together with
// projection apply and the live-tail NOTIFY, so observers only ever see
// committed, chained, projected events.
package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
)

// PrincipalResolver looks up or creates the principal row for an actor
// inside the append transaction.
type PrincipalResolver interface {
	ResolveInTx(ctx context.Context, tx *sql.Tx, actor envelope.Actor) (uuid.UUID, envelope.Zone, error)
}

// SecretScanner inspects an event's data before it is persisted.
type SecretScanner interface {
	ScanEvent(ctx context.Context, eventType string, data json.RawMessage) (*ScanResult, error)
}

// ScanResult is the outcome of a secret scan.
type ScanResult struct {
	Matched  bool            // secret material found
	Patterns []string        // names of the patterns that matched
	Redacted json.RawMessage // data with matches masked; used when !Reject
	Reject   bool            // true when policy forbids persisting at all
}

// Applier applies a committed-to-be event to the read models inside the
// append transaction. Implemented by the projection engine.
type Applier interface {
	Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error
}

// AppendInput is an envelope minus the fields the store assigns
// (stream_seq, hashes, principal, event id).
type AppendInput struct {
	EventType    string
	EventVersion int       // 0 defaults to 1
	OccurredAt   time.Time // zero defaults to now; truncated to millisecond

	WorkspaceID string
	RoomID      *uuid.UUID
	ThreadID    *uuid.UUID
	RunID       *uuid.UUID
	StepID      *uuid.UUID

	Actor envelope.Actor
	Zone  envelope.Zone // empty defaults to the principal's zone

	StreamType envelope.StreamType
	StreamID   string

	CorrelationID uuid.UUID // zero defaults to a fresh id
	CausationID   *uuid.UUID

	PolicyCtx  json.RawMessage
	ModelCtx   json.RawMessage
	DisplayCtx json.RawMessage

	// Data is marshaled to JSON. Typed payloads from pkg/models go here.
	Data any

	IdempotencyKey string
}

// Filter narrows event queries. Zero values mean "any".
type Filter struct {
	StreamType    envelope.StreamType
	StreamID      string
	FromSeq       int64
	EventType     string
	RunID         *uuid.UUID
	CorrelationID *uuid.UUID
	Limit         int
}

const roomChannelPrefix = "room:"

// RoomChannel names the NOTIFY channel that wakes live-tail subscribers of
// a room stream.
func RoomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// RoomFromChannel recovers the room id from a NOTIFY channel name.
func RoomFromChannel(channel string) (string, bool) {
	return strings.CutPrefix(channel, roomChannelPrefix)
}

// notifySignal is the NOTIFY payload. It carries routing fields only; the
// live tail always reads event rows from the store, so the signal never
// needs the event body and never hits the NOTIFY size limit.
type notifySignal struct {
	StreamType envelope.StreamType `json:"stream_type"`
	StreamID   string              `json:"stream_id"`
	StreamSeq  int64               `json:"stream_seq"`
}
