package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// createRoomHandler handles POST /v1/rooms.
func (s *Server) createRoomHandler(c *gin.Context) {
	var req createRoomRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = extractCaller(c)
	}

	room, err := s.rooms.CreateRoom(c.Request.Context(), req.CreateRoomRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RoomResponse{SchemaVersion: schemaVersionCurrent, Room: room})
}

// listRoomsHandler handles GET /v1/rooms.
func (s *Server) listRoomsHandler(c *gin.Context) {
	rooms, err := s.rooms.ListRooms(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RoomListResponse{
		SchemaVersion: schemaVersionCurrent,
		Rooms:         rooms,
		Count:         len(rooms),
	})
}

// getRoomHandler handles GET /v1/rooms/:roomId.
func (s *Server) getRoomHandler(c *gin.Context) {
	roomID, ok := parseUUIDParam(c, "roomId")
	if !ok {
		return
	}

	room, err := s.rooms.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RoomResponse{SchemaVersion: schemaVersionCurrent, Room: room})
}

// createThreadHandler handles POST /v1/rooms/:roomId/threads.
func (s *Server) createThreadHandler(c *gin.Context) {
	roomID, ok := parseUUIDParam(c, "roomId")
	if !ok {
		return
	}
	var req createThreadRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = extractCaller(c)
	}

	thread, err := s.rooms.CreateThread(c.Request.Context(), roomID, req.CreateThreadRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ThreadResponse{SchemaVersion: schemaVersionCurrent, Thread: thread})
}

// listThreadsHandler handles GET /v1/rooms/:roomId/threads.
func (s *Server) listThreadsHandler(c *gin.Context) {
	roomID, ok := parseUUIDParam(c, "roomId")
	if !ok {
		return
	}

	threads, err := s.rooms.ListThreads(c.Request.Context(), roomID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ThreadListResponse{
		SchemaVersion: schemaVersionCurrent,
		Threads:       threads,
		Count:         len(threads),
	})
}

// postMessageHandler handles POST /v1/threads/:threadId/messages.
// A replayed idempotency key answers 200 with the original message instead
// of 201; either way the caller holds the same row.
func (s *Server) postMessageHandler(c *gin.Context) {
	threadID, ok := parseUUIDParam(c, "threadId")
	if !ok {
		return
	}
	var req createMessageRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.AuthorID == "" {
		req.AuthorID = extractCaller(c)
	}

	msg, replayed, err := s.rooms.PostMessage(c.Request.Context(), threadID, req.CreateMessageRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusCreated
	if replayed {
		status = http.StatusOK
	}
	c.JSON(status, MessageResponse{
		SchemaVersion:    schemaVersionCurrent,
		Message:          msg,
		IdempotentReplay: replayed,
	})
}

// listMessagesHandler handles GET /v1/threads/:threadId/messages.
func (s *Server) listMessagesHandler(c *gin.Context) {
	threadID, ok := parseUUIDParam(c, "threadId")
	if !ok {
		return
	}

	messages, err := s.rooms.ListMessages(c.Request.Context(), threadID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, MessageListResponse{
		SchemaVersion: schemaVersionCurrent,
		Messages:      messages,
		Count:         len(messages),
	})
}
