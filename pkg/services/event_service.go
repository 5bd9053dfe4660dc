package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
)

// EventService is the read surface over the event log: filtered queries,
// single-event lookup, and hash-chain verification.
type EventService struct {
	store *eventstore.Store
}

// NewEventService creates a new EventService.
func NewEventService(store *eventstore.Store) *EventService {
	return &EventService{store: store}
}

// Get retrieves one event by ID.
func (s *EventService) Get(ctx context.Context, eventID uuid.UUID) (*envelope.Envelope, error) {
	env, err := s.store.GetByID(ctx, eventID)
	if errors.Is(err, eventstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return env, nil
}

// List returns events matching the filter in global append order.
func (s *EventService) List(ctx context.Context, filter eventstore.Filter) ([]*envelope.Envelope, error) {
	if filter.StreamType != "" && !filter.StreamType.Valid() {
		return nil, NewValidationError("stream_type", "must be workspace, room, or thread")
	}
	if filter.Limit <= 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	events, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// ReadStream returns one stream's events from a sequence cursor.
func (s *EventService) ReadStream(ctx context.Context, streamType envelope.StreamType, streamID string, fromSeq int64, limit int) ([]*envelope.Envelope, error) {
	if !streamType.Valid() {
		return nil, NewValidationError("stream_type", "must be workspace, room, or thread")
	}
	if streamID == "" {
		return nil, NewValidationError("stream_id", "required")
	}
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	events, err := s.store.ReadStream(ctx, streamType, streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	return events, nil
}

// Verify recomputes a stream's hash chain and reports the first break.
func (s *EventService) Verify(ctx context.Context, streamType envelope.StreamType, streamID string) (*eventstore.VerifyResult, error) {
	if !streamType.Valid() {
		return nil, NewValidationError("stream_type", "must be workspace, room, or thread")
	}
	if streamID == "" {
		return nil, NewValidationError("stream_id", "required")
	}
	result, err := s.store.VerifyStream(ctx, streamType, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to verify stream: %w", err)
	}
	return result, nil
}
