package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// Store reads and writes the append-only event log.
type Store struct {
	db       *sql.DB
	resolver PrincipalResolver
	scanner  SecretScanner
	applier  Applier
	logger   *slog.Logger
}

// NewStore creates the event store. scanner and applier may be nil; the
// kernel wires the redactor and the projection engine, tests may omit
// either.
func NewStore(db *sql.DB, resolver PrincipalResolver, scanner SecretScanner, applier Applier) *Store {
	return &Store{
		db:       db,
		resolver: resolver,
		scanner:  scanner,
		applier:  applier,
		logger:   slog.With("component", "eventstore"),
	}
}

// Append appends one event in its own transaction. The bool result is true
// when the append was an idempotent replay and the returned envelope is the
// pre-existing event.
func (s *Store) Append(ctx context.Context, in AppendInput) (*envelope.Envelope, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	env, replay, err := s.AppendInTx(ctx, tx, in)
	if err != nil {
		// A concurrent append with the same idempotency key aborted the
		// transaction; the winning row is the result.
		if errors.Is(err, errIdempotencyConflict) {
			_ = tx.Rollback()
			existing, lookupErr := s.findByIdempotencyKey(ctx, s.db, in.StreamType, in.StreamID, in.IdempotencyKey)
			if lookupErr != nil {
				return nil, false, lookupErr
			}
			return existing, true, nil
		}
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit append transaction: %w", err)
	}
	return env, replay, nil
}

// AppendInTx appends one event inside a caller-owned transaction, so
// callers can atomically couple an append with row locks they already hold
// (the claim coordinator does this). Idempotent replays are detected by a
// pre-read; a concurrent duplicate insert still aborts the enclosing
// transaction with errIdempotencyConflict.
func (s *Store) AppendInTx(ctx context.Context, tx *sql.Tx, in AppendInput) (*envelope.Envelope, bool, error) {
	if err := validateInput(&in); err != nil {
		return nil, false, err
	}

	if in.IdempotencyKey != "" {
		existing, err := s.findByIdempotencyKey(ctx, tx, in.StreamType, in.StreamID, in.IdempotencyKey)
		switch {
		case err == nil:
			return existing, true, nil
		case !errors.Is(err, ErrNotFound):
			return nil, false, err
		}
	}

	env, err := s.appendNew(ctx, tx, in, true)
	if err != nil {
		return nil, false, err
	}
	return env, false, nil
}

// appendNew runs the append algorithm: resolve principal, allocate
// sequence, link and hash, scan, insert, notify, project.
func (s *Store) appendNew(ctx context.Context, tx *sql.Tx, in AppendInput, scan bool) (*envelope.Envelope, error) {
	principalID, principalZone, err := s.resolver.ResolveInTx(ctx, tx, in.Actor)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve principal: %w", err)
	}
	zone := in.Zone
	if zone == "" {
		zone = principalZone
	}
	if zone == "" {
		zone = envelope.ZoneSupervised
	}

	seq, err := s.allocateSeq(ctx, tx, in.StreamType, in.StreamID)
	if err != nil {
		return nil, err
	}

	prevHash, err := s.prevHash(ctx, tx, in.StreamType, in.StreamID, seq)
	if err != nil {
		return nil, err
	}

	data, err := marshalData(in.Data)
	if err != nil {
		return nil, err
	}

	redactionLevel := envelope.RedactionLevelNone
	containsSecrets := false
	var scanResult *ScanResult
	if scan && s.scanner != nil {
		scanResult, err = s.scanner.ScanEvent(ctx, in.EventType, data)
		if err != nil {
			return nil, fmt.Errorf("secret scan failed: %w", err)
		}
		if scanResult != nil && scanResult.Matched {
			if scanResult.Reject {
				return nil, ErrSecretDetected
			}
			data = scanResult.Redacted
			containsSecrets = true
			redactionLevel = envelope.RedactionLevelRedacted
		}
	}

	occurredAt := in.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	// Stored and hashed timestamps must agree exactly, so precision is
	// pinned to the canonical millisecond before hashing.
	occurredAt = occurredAt.UTC().Truncate(time.Millisecond)

	correlationID := in.CorrelationID
	if correlationID == uuid.Nil {
		correlationID = uuid.New()
	}
	eventVersion := in.EventVersion
	if eventVersion == 0 {
		eventVersion = 1
	}

	env := &envelope.Envelope{
		EventID:          uuid.New(),
		EventType:        in.EventType,
		EventVersion:     eventVersion,
		OccurredAt:       occurredAt,
		WorkspaceID:      in.WorkspaceID,
		RoomID:           in.RoomID,
		ThreadID:         in.ThreadID,
		RunID:            in.RunID,
		StepID:           in.StepID,
		Actor:            in.Actor,
		ActorPrincipalID: principalID,
		Zone:             zone,
		StreamType:       in.StreamType,
		StreamID:         in.StreamID,
		StreamSeq:        seq,
		CorrelationID:    correlationID,
		CausationID:      in.CausationID,
		RedactionLevel:   redactionLevel,
		ContainsSecrets:  containsSecrets,
		PolicyCtx:        in.PolicyCtx,
		ModelCtx:         in.ModelCtx,
		DisplayCtx:       in.DisplayCtx,
		Data:             data,
		IdempotencyKey:   in.IdempotencyKey,
		PrevEventHash:    prevHash,
	}

	hash, err := env.ComputeHash()
	if err != nil {
		return nil, err
	}
	env.EventHash = hash

	if err := s.insert(ctx, tx, env); err != nil {
		return nil, err
	}

	if err := s.notify(ctx, tx, env); err != nil {
		return nil, err
	}

	if s.applier != nil {
		if err := s.applier.Apply(ctx, tx, env); err != nil {
			return nil, fmt.Errorf("projection apply failed for %s: %w", env.EventType, err)
		}
	}

	// The marker event trails its source on the same stream, so it gets
	// the next sequence and its own projection pass.
	if scanResult != nil && scanResult.Matched {
		if err := s.appendSecretMarker(ctx, tx, env, scanResult.Patterns); err != nil {
			return nil, err
		}
	}

	return env, nil
}

func (s *Store) appendSecretMarker(ctx context.Context, tx *sql.Tx, source *envelope.Envelope, patterns []string) error {
	causation := source.EventID
	marker := AppendInput{
		EventType:     models.EventTypeSecretDetected,
		OccurredAt:    source.OccurredAt,
		WorkspaceID:   source.WorkspaceID,
		RoomID:        source.RoomID,
		ThreadID:      source.ThreadID,
		RunID:         source.RunID,
		Actor:         envelope.Actor{Kind: envelope.ActorService, ID: "latchd"},
		Zone:          source.Zone,
		StreamType:    source.StreamType,
		StreamID:      source.StreamID,
		CorrelationID: source.CorrelationID,
		CausationID:   &causation,
		Data: models.SecretDetectedPayload{
			SourceEventID: source.EventID,
			Patterns:      patterns,
		},
	}
	if _, err := s.appendNew(ctx, tx, marker, false); err != nil {
		return fmt.Errorf("failed to append secret marker: %w", err)
	}
	return nil
}

// allocateSeq creates the head row on first use and increments it
// otherwise. The ON CONFLICT update takes a row lock, serializing
// concurrent appenders of one stream without touching other streams.
func (s *Store) allocateSeq(ctx context.Context, tx *sql.Tx, streamType envelope.StreamType, streamID string) (int64, error) {
	const q = `
		INSERT INTO stream_heads (stream_type, stream_id, next_seq)
		VALUES ($1, $2, 2)
		ON CONFLICT (stream_type, stream_id)
		DO UPDATE SET next_seq = stream_heads.next_seq + 1
		RETURNING next_seq - 1`

	var seq int64
	if err := tx.QueryRowContext(ctx, q, streamType, streamID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("%w: %s/%s: %v", ErrAllocationFailure, streamType, streamID, err)
	}
	if seq < 1 {
		return 0, fmt.Errorf("%w: %s/%s produced seq %d", ErrAllocationFailure, streamType, streamID, seq)
	}
	return seq, nil
}

func (s *Store) prevHash(ctx context.Context, tx *sql.Tx, streamType envelope.StreamType, streamID string, seq int64) (*string, error) {
	if seq == 1 {
		return nil, nil
	}
	var hash string
	err := tx.QueryRowContext(ctx,
		`SELECT event_hash FROM events WHERE stream_type = $1 AND stream_id = $2 AND stream_seq = $3`,
		streamType, streamID, seq-1,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s has no event at seq %d", ErrHashChainBreak, streamType, streamID, seq-1)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read predecessor hash: %w", err)
	}
	return &hash, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	const q = `
		INSERT INTO events (
			event_id, event_type, event_version, occurred_at,
			workspace_id, room_id, thread_id, run_id, step_id,
			actor_kind, actor_id, actor_principal_id, zone,
			stream_type, stream_id, stream_seq,
			correlation_id, causation_id,
			redaction_level, contains_secrets,
			policy_ctx, model_ctx, display_ctx, data,
			idempotency_key, prev_event_hash, event_hash
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)`

	_, err := tx.ExecContext(ctx, q,
		env.EventID, env.EventType, env.EventVersion, env.OccurredAt,
		env.WorkspaceID, env.RoomID, env.ThreadID, env.RunID, env.StepID,
		env.Actor.Kind, env.Actor.ID, env.ActorPrincipalID, env.Zone,
		env.StreamType, env.StreamID, env.StreamSeq,
		env.CorrelationID, env.CausationID,
		env.RedactionLevel, env.ContainsSecrets,
		nullableJSON(env.PolicyCtx), nullableJSON(env.ModelCtx), nullableJSON(env.DisplayCtx), []byte(env.Data),
		nullableString(env.IdempotencyKey), env.PrevEventHash, env.EventHash,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "events_idempotency_unique":
				return errIdempotencyConflict
			case "events_stream_seq_unique":
				return fmt.Errorf("%w: duplicate seq %d on %s/%s", ErrAllocationFailure, env.StreamSeq, env.StreamType, env.StreamID)
			}
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// notify wakes room live-tail subscribers. pg_notify is transactional, so
// the signal fires only when the append commits.
func (s *Store) notify(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	if env.StreamType != envelope.StreamRoom {
		return nil
	}
	payload, err := json.Marshal(notifySignal{
		StreamType: env.StreamType,
		StreamID:   env.StreamID,
		StreamSeq:  env.StreamSeq,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notify signal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, RoomChannel(env.StreamID), string(payload)); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

func validateInput(in *AppendInput) error {
	if in.EventType == "" {
		return fmt.Errorf("%w: event_type is required", ErrInvalidInput)
	}
	if !in.StreamType.Valid() {
		return fmt.Errorf("%w: unknown stream_type %q", ErrInvalidInput, in.StreamType)
	}
	if in.StreamID == "" {
		return fmt.Errorf("%w: stream_id is required", ErrInvalidInput)
	}
	if in.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", ErrInvalidInput)
	}
	if !in.Actor.Kind.Valid() || in.Actor.ID == "" {
		return fmt.Errorf("%w: actor kind and id are required", ErrInvalidInput)
	}
	if in.Zone != "" && !in.Zone.Valid() {
		return fmt.Errorf("%w: unknown zone %q", ErrInvalidInput, in.Zone)
	}
	return nil
}

func marshalData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(v), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event data: %w", err)
		}
		return b, nil
	}
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
