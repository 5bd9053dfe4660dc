package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
)

// listEventsHandler handles GET /v1/events.
// Query parameters: stream_type, stream_id, from_seq, event_type, run_id,
// correlation_id, limit. Results come back in global order unless a
// stream is named, in which case stream order applies.
func (s *Server) listEventsHandler(c *gin.Context) {
	filter := eventstore.Filter{
		StreamID:  c.Query("stream_id"),
		EventType: c.Query("event_type"),
	}

	if v := c.Query("stream_type"); v != "" {
		st := envelope.StreamType(v)
		if !st.Valid() {
			c.AbortWithStatusJSON(http.StatusBadRequest,
				errorBody(reasonValidationFailed,
					"stream_type must be workspace, room, or thread",
					map[string]any{"field": "stream_type"}))
			return
		}
		filter.StreamType = st
	}

	fromSeq, ok := parseSeqQuery(c, "from_seq", 0)
	if !ok {
		return
	}
	filter.FromSeq = fromSeq

	runID, ok := parseUUIDQuery(c, "run_id")
	if !ok {
		return
	}
	filter.RunID = runID

	correlationID, ok := parseUUIDQuery(c, "correlation_id")
	if !ok {
		return
	}
	filter.CorrelationID = correlationID

	limit, ok := parseIntQuery(c, "limit", 0)
	if !ok {
		return
	}
	filter.Limit = limit

	events, err := s.events.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, EventListResponse{
		SchemaVersion: schemaVersionCurrent,
		Events:        events,
		Count:         len(events),
	})
}

// getEventHandler handles GET /v1/events/:eventId.
func (s *Server) getEventHandler(c *gin.Context) {
	eventID, ok := parseUUIDParam(c, "eventId")
	if !ok {
		return
	}

	event, err := s.events.Get(c.Request.Context(), eventID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, EventResponse{SchemaVersion: schemaVersionCurrent, Event: event})
}
