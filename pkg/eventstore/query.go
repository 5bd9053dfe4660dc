package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const envelopeColumns = `
	event_id, event_type, event_version, occurred_at,
	workspace_id, room_id, thread_id, run_id, step_id,
	actor_kind, actor_id, actor_principal_id, zone,
	stream_type, stream_id, stream_seq,
	correlation_id, causation_id,
	redaction_level, contains_secrets,
	policy_ctx, model_ctx, display_ctx, data,
	idempotency_key, prev_event_hash, event_hash`

// GetByID returns one event by its event_id.
func (s *Store) GetByID(ctx context.Context, eventID uuid.UUID) (*envelope.Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM events WHERE event_id = $1`, eventID)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return env, err
}

// ReadStream returns up to limit events of one stream with
// stream_seq >= fromSeq, in sequence order. fromSeq below 1 reads from the
// start; limit below 1 applies no cap. Because stream sequences are dense,
// repeated reads from an advancing cursor see every event exactly once.
func (s *Store) ReadStream(ctx context.Context, streamType envelope.StreamType, streamID string, fromSeq int64, limit int) ([]*envelope.Envelope, error) {
	return readStream(ctx, s.db, streamType, streamID, fromSeq, limit)
}

func readStream(ctx context.Context, q querier, streamType envelope.StreamType, streamID string, fromSeq int64, limit int) ([]*envelope.Envelope, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	query := `SELECT ` + envelopeColumns + `
		FROM events
		WHERE stream_type = $1 AND stream_id = $2 AND stream_seq >= $3
		ORDER BY stream_seq ASC`
	args := []any{streamType, streamID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $4`
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s/%s: %w", streamType, streamID, err)
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

// HeadSeq returns the highest stream_seq of a stream, 0 when the stream has
// no events yet.
func (s *Store) HeadSeq(ctx context.Context, streamType envelope.StreamType, streamID string) (int64, error) {
	var head sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(stream_seq) FROM events WHERE stream_type = $1 AND stream_id = $2`,
		streamType, streamID,
	).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream head: %w", err)
	}
	return head.Int64, nil
}

// List returns events matching the filter, ordered by stream then sequence.
func (s *Store) List(ctx context.Context, filter Filter) ([]*envelope.Envelope, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.StreamType != "" {
		where = append(where, "stream_type = "+arg(filter.StreamType))
	}
	if filter.StreamID != "" {
		where = append(where, "stream_id = "+arg(filter.StreamID))
	}
	if filter.FromSeq > 0 {
		where = append(where, "stream_seq >= "+arg(filter.FromSeq))
	}
	if filter.EventType != "" {
		where = append(where, "event_type = "+arg(filter.EventType))
	}
	if filter.RunID != nil {
		where = append(where, "run_id = "+arg(*filter.RunID))
	}
	if filter.CorrelationID != nil {
		where = append(where, "correlation_id = "+arg(*filter.CorrelationID))
	}

	query := `SELECT ` + envelopeColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY stream_type, stream_id, stream_seq`
	limit := filter.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	query += ` LIMIT ` + arg(limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return collectEnvelopes(rows)
}

const maxListLimit = 1000

// ForEachEvent walks the whole log in global insertion order in fixed-size
// batches, calling fn for every event. The projection engine replays the
// log through this during rebuilds.
func (s *Store) ForEachEvent(ctx context.Context, batchSize int, fn func(*envelope.Envelope) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var afterSeq int64
	for {
		query := `SELECT ` + envelopeColumns + `, global_seq
			FROM events
			WHERE global_seq > $1
			ORDER BY global_seq ASC
			LIMIT $2`
		rows, err := s.db.QueryContext(ctx, query, afterSeq, batchSize)
		if err != nil {
			return fmt.Errorf("failed to scan event log: %w", err)
		}

		count := 0
		for rows.Next() {
			env, globalSeq, err := scanEnvelopeWithGlobalSeq(rows)
			if err != nil {
				rows.Close()
				return err
			}
			if err := fn(env); err != nil {
				rows.Close()
				return err
			}
			afterSeq = globalSeq
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan event log: %w", err)
		}
		rows.Close()

		if count < batchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Store) findByIdempotencyKey(ctx context.Context, q querier, streamType envelope.StreamType, streamID, key string) (*envelope.Envelope, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM events
		 WHERE stream_type = $1 AND stream_id = $2 AND idempotency_key = $3`,
		streamType, streamID, key)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return env, err
}

func collectEnvelopes(rows *sql.Rows) ([]*envelope.Envelope, error) {
	var out []*envelope.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan events: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row rowScanner) (*envelope.Envelope, error) {
	env, _, err := scanEnvelopeFields(row, false)
	return env, err
}

func scanEnvelopeWithGlobalSeq(row rowScanner) (*envelope.Envelope, int64, error) {
	return scanEnvelopeFields(row, true)
}

func scanEnvelopeFields(row rowScanner, withGlobalSeq bool) (*envelope.Envelope, int64, error) {
	var (
		env                              envelope.Envelope
		roomID, threadID, runID, stepID  uuid.NullUUID
		causationID                      uuid.NullUUID
		policyCtx, modelCtx, displayCtx  []byte
		data                             []byte
		idempotencyKey, prevHash         sql.NullString
		globalSeq                        int64
	)

	dest := []any{
		&env.EventID, &env.EventType, &env.EventVersion, &env.OccurredAt,
		&env.WorkspaceID, &roomID, &threadID, &runID, &stepID,
		&env.Actor.Kind, &env.Actor.ID, &env.ActorPrincipalID, &env.Zone,
		&env.StreamType, &env.StreamID, &env.StreamSeq,
		&env.CorrelationID, &causationID,
		&env.RedactionLevel, &env.ContainsSecrets,
		&policyCtx, &modelCtx, &displayCtx, &data,
		&idempotencyKey, &prevHash, &env.EventHash,
	}
	if withGlobalSeq {
		dest = append(dest, &globalSeq)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to scan event row: %w", err)
	}

	env.OccurredAt = env.OccurredAt.UTC()
	if roomID.Valid {
		v := roomID.UUID
		env.RoomID = &v
	}
	if threadID.Valid {
		v := threadID.UUID
		env.ThreadID = &v
	}
	if runID.Valid {
		v := runID.UUID
		env.RunID = &v
	}
	if stepID.Valid {
		v := stepID.UUID
		env.StepID = &v
	}
	if causationID.Valid {
		v := causationID.UUID
		env.CausationID = &v
	}
	if len(policyCtx) > 0 {
		env.PolicyCtx = policyCtx
	}
	if len(modelCtx) > 0 {
		env.ModelCtx = modelCtx
	}
	if len(displayCtx) > 0 {
		env.DisplayCtx = displayCtx
	}
	env.Data = data
	if idempotencyKey.Valid {
		env.IdempotencyKey = idempotencyKey.String
	}
	if prevHash.Valid {
		v := prevHash.String
		env.PrevEventHash = &v
	}
	return &env, globalSeq, nil
}
