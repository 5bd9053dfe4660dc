package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/livetail"
)

// keepAliveInterval paces SSE comment frames so idle tails survive
// proxies that reap quiet connections.
const keepAliveInterval = 15 * time.Second

// tailRoomHandler handles GET /v1/streams/rooms/:roomId.
// Server-sent events: every room-stream event with stream_seq > from_seq,
// in order, then live events as they append. Each frame's id is the
// stream_seq, so a reconnecting EventSource resumes via Last-Event-ID
// without loss or duplication. When the subscriber cannot keep up the
// server sends one final control frame carrying the resume cursor and
// closes.
func (s *Server) tailRoomHandler(c *gin.Context) {
	roomID, ok := parseUUIDParam(c, "roomId")
	if !ok {
		return
	}
	if _, err := s.rooms.GetRoom(c.Request.Context(), roomID); err != nil {
		respondError(c, err)
		return
	}

	fromSeq, ok := parseSeqQuery(c, "from_seq", 0)
	if !ok {
		return
	}
	if c.Query("from_seq") == "" {
		// EventSource reconnects replay the last delivered id.
		if v := c.GetHeader("Last-Event-ID"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				fromSeq = n
			}
		}
	}

	sub := s.tail.Subscribe(c.Request.Context(), roomID.String(), fromSeq)
	defer sub.Close()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	lastSeq := fromSeq
	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-keepAlive.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			c.Writer.Flush()

		case env, open := <-sub.Events():
			if !open {
				if errors.Is(sub.Err(), livetail.ErrSlowConsumer) {
					writeControlFrame(c, lastSeq)
				}
				return
			}
			data, err := json.Marshal(env)
			if err != nil {
				slog.Error("Failed to marshal tail event", "event_id", env.EventID, "error", err)
				continue
			}
			fmt.Fprintf(c.Writer, "id: %d\nevent: %s\ndata: %s\n\n", env.StreamSeq, env.EventType, data)
			c.Writer.Flush()
			lastSeq = env.StreamSeq
		}
	}
}

// writeControlFrame emits the final SSE frame before a forced close. The
// cursor points at the last delivered event; reconnecting with
// from_seq=resume_from_seq continues exactly after it.
func writeControlFrame(c *gin.Context, lastSeq int64) {
	fmt.Fprintf(c.Writer,
		"event: control\ndata: {\"reason\":\"subscriber fell behind the stream\",\"resume_from_seq\":%d}\n\n",
		lastSeq)
	c.Writer.Flush()
}

// verifyStreamHandler handles GET /v1/streams/:streamType/:streamId/verify.
// Recomputes the stream's hash chain; ok=false responses include the first
// break with its sequence and reason.
func (s *Server) verifyStreamHandler(c *gin.Context) {
	streamType := envelope.StreamType(c.Param("streamType"))
	if !streamType.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed,
				"stream type must be workspace, room, or thread",
				map[string]any{"field": "streamType"}))
		return
	}
	streamID := c.Param("streamId")

	result, err := s.events.Verify(c.Request.Context(), streamType, streamID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, VerifyResponse{SchemaVersion: schemaVersionCurrent, VerifyResult: result})
}
