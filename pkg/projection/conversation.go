package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// ConversationProjector maintains the rooms, threads, and messages read
// models from the room streams.
type ConversationProjector struct{}

func NewConversationProjector() *ConversationProjector {
	return &ConversationProjector{}
}

func (*ConversationProjector) Name() string { return "conversation" }

func (*ConversationProjector) Tables() []string {
	return []string{"messages", "threads", "rooms"}
}

func (p *ConversationProjector) Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	switch env.EventType {
	case models.EventTypeRoomCreated:
		return p.applyRoomCreated(ctx, tx, env)
	case models.EventTypeThreadCreated:
		return p.applyThreadCreated(ctx, tx, env)
	case models.EventTypeMessageCreated:
		return p.applyMessageCreated(ctx, tx, env)
	}
	return nil
}

func (*ConversationProjector) applyRoomCreated(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.RoomCreatedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad room.created payload: %w", err)
	}
	if env.RoomID == nil {
		return fmt.Errorf("room.created without room_id")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (id, workspace_id, title, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		env.RoomID, env.WorkspaceID, payload.Title, payload.CreatedBy, env.OccurredAt)
	return err
}

func (*ConversationProjector) applyThreadCreated(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.ThreadCreatedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad thread.created payload: %w", err)
	}
	if env.ThreadID == nil || env.RoomID == nil {
		return fmt.Errorf("thread.created without thread_id or room_id")
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO threads (id, room_id, title, created_by, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		env.ThreadID, env.RoomID, payload.Title, payload.CreatedBy, env.OccurredAt)
	return err
}

func (*ConversationProjector) applyMessageCreated(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	var payload models.MessageCreatedPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return fmt.Errorf("bad message.created payload: %w", err)
	}
	if env.ThreadID == nil || env.RoomID == nil {
		return fmt.Errorf("message.created without thread_id or room_id")
	}
	// Content comes from the envelope after redaction, so the read model
	// never holds material the log refused to keep in the clear.
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, room_id, author_kind, author_id, content, redaction_level, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		payload.MessageID, env.ThreadID, env.RoomID,
		env.Actor.Kind, env.Actor.ID, payload.Content, env.RedactionLevel, env.OccurredAt)
	return err
}
