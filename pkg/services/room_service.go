package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
)

// RoomService manages the conversational surface: rooms, threads, and
// messages. Every write is an event append; the rows it returns come from
// the conversation projection committed in the same transaction.
type RoomService struct {
	db          *sql.DB
	store       *eventstore.Store
	workspaceID string
}

// NewRoomService creates a new RoomService.
func NewRoomService(db *sql.DB, store *eventstore.Store, workspaceID string) *RoomService {
	return &RoomService{db: db, store: store, workspaceID: workspaceID}
}

// CreateRoom opens a new room and its event stream.
func (s *RoomService) CreateRoom(ctx context.Context, req models.CreateRoomRequest) (*models.Room, error) {
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}

	roomID := uuid.New()
	_, _, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:   models.EventTypeRoomCreated,
		WorkspaceID: s.workspaceID,
		RoomID:      &roomID,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: req.CreatedBy},
		StreamType:  envelope.StreamRoom,
		StreamID:    roomID.String(),
		Data: models.RoomCreatedPayload{
			Title:     req.Title,
			CreatedBy: req.CreatedBy,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	return s.GetRoom(ctx, roomID)
}

// GetRoom retrieves a room by ID.
func (s *RoomService) GetRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, title, created_by, created_at
		FROM rooms WHERE id = $1`, roomID)

	var room models.Room
	err := row.Scan(&room.ID, &room.WorkspaceID, &room.Title, &room.CreatedBy, &room.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return &room, nil
}

// ListRooms returns the workspace's rooms, newest first.
func (s *RoomService) ListRooms(ctx context.Context) ([]*models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workspace_id, title, created_by, created_at
		FROM rooms WHERE workspace_id = $1
		ORDER BY created_at DESC, id`, s.workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		var room models.Room
		if err := rows.Scan(&room.ID, &room.WorkspaceID, &room.Title, &room.CreatedBy, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, &room)
	}
	return rooms, rows.Err()
}

// CreateThread opens a thread inside an existing room.
func (s *RoomService) CreateThread(ctx context.Context, roomID uuid.UUID, req models.CreateThreadRequest) (*models.Thread, error) {
	if req.Title == "" {
		return nil, NewValidationError("title", "required")
	}
	if req.CreatedBy == "" {
		return nil, NewValidationError("created_by", "required")
	}
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	threadID := uuid.New()
	_, _, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:   models.EventTypeThreadCreated,
		WorkspaceID: s.workspaceID,
		RoomID:      &roomID,
		ThreadID:    &threadID,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: req.CreatedBy},
		StreamType:  envelope.StreamRoom,
		StreamID:    roomID.String(),
		Data: models.ThreadCreatedPayload{
			Title:     req.Title,
			CreatedBy: req.CreatedBy,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	return s.getThread(ctx, threadID)
}

// ListThreads returns a room's threads, oldest first.
func (s *RoomService) ListThreads(ctx context.Context, roomID uuid.UUID) ([]*models.Thread, error) {
	if _, err := s.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, title, created_by, created_at
		FROM threads WHERE room_id = $1
		ORDER BY created_at, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		var th models.Thread
		if err := rows.Scan(&th.ID, &th.RoomID, &th.Title, &th.CreatedBy, &th.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan thread: %w", err)
		}
		threads = append(threads, &th)
	}
	return threads, rows.Err()
}

func (s *RoomService) getThread(ctx context.Context, threadID uuid.UUID) (*models.Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, room_id, title, created_by, created_at
		FROM threads WHERE id = $1`, threadID)

	var th models.Thread
	err := row.Scan(&th.ID, &th.RoomID, &th.Title, &th.CreatedBy, &th.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &th, nil
}

// PostMessage appends a message to a thread. The returned bool is true when
// the idempotency key matched a prior append and the original message is
// returned instead of a new one.
func (s *RoomService) PostMessage(ctx context.Context, threadID uuid.UUID, req models.CreateMessageRequest) (*models.Message, bool, error) {
	if req.Content == "" {
		return nil, false, NewValidationError("content", "required")
	}
	kind := envelope.ActorKind(req.AuthorKind)
	if !kind.Valid() {
		return nil, false, NewValidationError("author_kind", "must be user, agent, or service")
	}
	if req.AuthorID == "" {
		return nil, false, NewValidationError("author_id", "required")
	}

	thread, err := s.getThread(ctx, threadID)
	if err != nil {
		return nil, false, err
	}

	messageID := uuid.New()
	env, replayed, err := s.store.Append(ctx, eventstore.AppendInput{
		EventType:   models.EventTypeMessageCreated,
		WorkspaceID: s.workspaceID,
		RoomID:      &thread.RoomID,
		ThreadID:    &threadID,
		Actor:       envelope.Actor{Kind: kind, ID: req.AuthorID},
		StreamType:  envelope.StreamRoom,
		StreamID:    thread.RoomID.String(),
		Data: models.MessageCreatedPayload{
			MessageID: messageID,
			Content:   req.Content,
		},
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to post message: %w", err)
	}

	if replayed {
		// The original append owns the message id; ours was never used.
		var payload models.MessageCreatedPayload
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return nil, false, fmt.Errorf("failed to decode replayed message: %w", err)
		}
		messageID = payload.MessageID
	}

	msg, err := s.getMessage(ctx, messageID)
	if err != nil {
		return nil, false, err
	}
	return msg, replayed, nil
}

// ListMessages returns a thread's messages, oldest first.
func (s *RoomService) ListMessages(ctx context.Context, threadID uuid.UUID) ([]*models.Message, error) {
	if _, err := s.getThread(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, thread_id, room_id, author_kind, author_id, content, redaction_level, created_at
		FROM messages WHERE thread_id = $1
		ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *RoomService) getMessage(ctx context.Context, messageID uuid.UUID) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, room_id, author_kind, author_id, content, redaction_level, created_at
		FROM messages WHERE id = $1`, messageID)

	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return msg, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	err := row.Scan(&msg.ID, &msg.ThreadID, &msg.RoomID, &msg.AuthorKind, &msg.AuthorID,
		&msg.Content, &msg.RedactionLevel, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &msg, nil
}
