package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

// openTail starts a streaming GET against the test server and hands back
// a scanner positioned at the first frame. The response body closes with
// the test.
func (k *serverKit) openTail(t *testing.T, ctx context.Context, path string, header map[string]string) (*http.Response, *bufio.Scanner) {
	t.Helper()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.ts.URL+path, nil)
	require.NoError(t, err)
	for key, value := range header {
		req.Header.Set(key, value)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return resp, scanner
}

// readFrames consumes SSE frames until n arrive, dropping keep-alive
// comments. Fails the test if the stream ends first.
func readFrames(t *testing.T, scanner *bufio.Scanner, n int) []sseFrame {
	t.Helper()

	var frames []sseFrame
	var cur sseFrame
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Event != "" || cur.Data != "" {
				frames = append(frames, cur)
				cur = sseFrame{}
				if len(frames) == n {
					return frames
				}
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			cur.ID = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	t.Fatalf("stream ended after %d of %d frames: %v", len(frames), n, scanner.Err())
	return nil
}

// seedRoom creates a room with one thread and two messages, returning the
// room and thread IDs. The room stream ends at seq 4.
func seedRoom(t *testing.T, kit *serverKit) (uuid.UUID, uuid.UUID) {
	t.Helper()

	var room RoomResponse
	status := kit.request(t, http.MethodPost, "/v1/rooms",
		map[string]any{"title": "ops", "created_by": "max"}, &room)
	require.Equal(t, http.StatusCreated, status)

	var thread ThreadResponse
	status = kit.request(t, http.MethodPost, "/v1/rooms/"+room.Room.ID.String()+"/threads",
		map[string]any{"title": "deploy", "created_by": "max"}, &thread)
	require.Equal(t, http.StatusCreated, status)

	for _, content := range []string{"starting the deploy", "canary looks healthy"} {
		var msg MessageResponse
		status = kit.request(t, http.MethodPost, "/v1/threads/"+thread.Thread.ID.String()+"/messages",
			map[string]any{"author_kind": "user", "author_id": "max", "content": content}, &msg)
		require.Equal(t, http.StatusCreated, status)
	}

	return room.Room.ID, thread.Thread.ID
}

func TestRoomTailCatchUpAndLive(t *testing.T) {
	kit := newServerKit(t)
	roomID, threadID := seedRoom(t, kit)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()

	resp, scanner := kit.openTail(t, ctx, "/v1/streams/rooms/"+roomID.String(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	frames := readFrames(t, scanner, 4)
	wantTypes := []string{"room.created", "thread.created", "message.created", "message.created"}
	for i, frame := range frames {
		assert.Equal(t, wantTypes[i], frame.Event)

		var env struct {
			EventType string `json:"event_type"`
			StreamSeq int64  `json:"stream_seq"`
		}
		require.NoError(t, json.Unmarshal([]byte(frame.Data), &env))
		assert.Equal(t, frame.Event, env.EventType)
		assert.Equal(t, int64(i+1), env.StreamSeq)
	}
	assert.Equal(t, "1", frames[0].ID)
	assert.Equal(t, "4", frames[3].ID)

	// A message posted after subscribing arrives on the open tail.
	var msg MessageResponse
	status := kit.request(t, http.MethodPost, "/v1/threads/"+threadID.String()+"/messages",
		map[string]any{"author_kind": "agent", "author_id": "agent-7", "content": "rollout finished"}, &msg)
	require.Equal(t, http.StatusCreated, status)

	live := readFrames(t, scanner, 1)
	assert.Equal(t, "5", live[0].ID)
	assert.Equal(t, "message.created", live[0].Event)
	assert.Contains(t, live[0].Data, "rollout finished")
}

func TestRoomTailResume(t *testing.T) {
	kit := newServerKit(t)
	roomID, _ := seedRoom(t, kit)

	ctx, cancel := context.WithTimeout(t.Context(), 15*time.Second)
	defer cancel()

	t.Run("from_seq resumes after the cursor", func(t *testing.T) {
		_, scanner := kit.openTail(t, ctx, "/v1/streams/rooms/"+roomID.String()+"?from_seq=2", nil)
		frames := readFrames(t, scanner, 2)
		assert.Equal(t, "3", frames[0].ID)
		assert.Equal(t, "4", frames[1].ID)
	})

	t.Run("Last-Event-ID stands in for a missing from_seq", func(t *testing.T) {
		_, scanner := kit.openTail(t, ctx, "/v1/streams/rooms/"+roomID.String(),
			map[string]string{"Last-Event-ID": "3"})
		frames := readFrames(t, scanner, 1)
		assert.Equal(t, "4", frames[0].ID)
	})

	t.Run("explicit from_seq wins over Last-Event-ID", func(t *testing.T) {
		_, scanner := kit.openTail(t, ctx, "/v1/streams/rooms/"+roomID.String()+"?from_seq=3",
			map[string]string{"Last-Event-ID": "1"})
		frames := readFrames(t, scanner, 1)
		assert.Equal(t, "4", frames[0].ID)
	})
}

func TestRoomTailValidation(t *testing.T) {
	kit := newServerKit(t)

	t.Run("unknown room is 404", func(t *testing.T) {
		status, envl := kit.errReply(t, http.MethodGet, "/v1/streams/rooms/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, status)
		assert.Equal(t, "not_found", envl.ReasonCode)
	})

	t.Run("negative from_seq is 400", func(t *testing.T) {
		roomID, _ := seedRoom(t, kit)
		status, envl := kit.errReply(t, http.MethodGet,
			"/v1/streams/rooms/"+roomID.String()+"?from_seq=-1", nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "validation_failed", envl.ReasonCode)
	})
}

func TestVerifyStreamEndpoint(t *testing.T) {
	kit := newServerKit(t)
	roomID, _ := seedRoom(t, kit)

	var verify VerifyResponse
	status := kit.request(t, http.MethodGet,
		"/v1/streams/room/"+roomID.String()+"/verify", nil, &verify)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, verify.OK)
	assert.Equal(t, int64(4), verify.HeadSeq)
	assert.Equal(t, int64(4), verify.VerifiedEvents)
	assert.Nil(t, verify.Break)

	t.Run("workspace stream verifies too", func(t *testing.T) {
		var run RunResponse
		status := kit.request(t, http.MethodPost, "/v1/runs",
			map[string]any{"goal": "audit", "created_by": "max"}, &run)
		require.Equal(t, http.StatusCreated, status)

		var verify VerifyResponse
		status = kit.request(t, http.MethodGet,
			"/v1/streams/workspace/"+testWorkspace+"/verify", nil, &verify)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, verify.OK)
		assert.Equal(t, int64(1), verify.VerifiedEvents)
	})

	t.Run("invalid stream type is 400", func(t *testing.T) {
		status, envl := kit.errReply(t, http.MethodGet,
			"/v1/streams/mailbox/"+roomID.String()+"/verify", nil)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "validation_failed", envl.ReasonCode)
	})

	t.Run("empty stream verifies vacuously", func(t *testing.T) {
		var verify VerifyResponse
		status := kit.request(t, http.MethodGet,
			"/v1/streams/room/"+uuid.NewString()+"/verify", nil, &verify)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, verify.OK)
		assert.Zero(t, verify.VerifiedEvents)
	})
}
