package models

import (
	"time"

	"github.com/google/uuid"
)

// Room is the conversational-surface projection row.
type Room struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Title       string    `json:"title"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// Thread groups messages inside a room.
type Thread struct {
	ID        uuid.UUID `json:"id"`
	RoomID    uuid.UUID `json:"room_id"`
	Title     string    `json:"title"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a single utterance in a thread.
type Message struct {
	ID             uuid.UUID `json:"id"`
	ThreadID       uuid.UUID `json:"thread_id"`
	RoomID         uuid.UUID `json:"room_id"`
	AuthorKind     string    `json:"author_kind"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	RedactionLevel string    `json:"redaction_level"`
	CreatedAt      time.Time `json:"created_at"`
}

// CreateRoomRequest contains fields for creating a room.
type CreateRoomRequest struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// CreateThreadRequest contains fields for creating a thread in a room.
type CreateThreadRequest struct {
	Title     string `json:"title"`
	CreatedBy string `json:"created_by"`
}

// CreateMessageRequest contains fields for posting a message to a thread.
type CreateMessageRequest struct {
	AuthorKind     string `json:"author_kind"`
	AuthorID       string `json:"author_id"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}
