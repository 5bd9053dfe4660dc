package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/models"
)

// createRunHandler handles POST /v1/runs.
func (s *Server) createRunHandler(c *gin.Context) {
	var req createRunRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = extractCaller(c)
	}

	run, err := s.runs.Create(c.Request.Context(), req.CreateRunRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, RunResponse{SchemaVersion: schemaVersionCurrent, Run: run})
}

// listRunsHandler handles GET /v1/runs.
func (s *Server) listRunsHandler(c *gin.Context) {
	roomID, ok := parseUUIDQuery(c, "room_id")
	if !ok {
		return
	}
	limit, ok := parseIntQuery(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := parseIntQuery(c, "offset", 0)
	if !ok {
		return
	}
	filters := models.RunFilters{
		Status: c.Query("status"),
		RoomID: roomID,
		Limit:  limit,
		Offset: offset,
	}

	runs, err := s.runs.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunListResponse{
		SchemaVersion: schemaVersionCurrent,
		Runs:          runs,
		Count:         len(runs),
	})
}

// getRunHandler handles GET /v1/runs/:runId.
func (s *Server) getRunHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}

	detail, err := s.runs.GetDetail(c.Request.Context(), runID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunDetailResponse{SchemaVersion: schemaVersionCurrent, RunDetail: detail})
}

// claimRunsHandler handles POST /v1/runs/claim.
// Grants leases on up to batch_limit queued or lease-expired runs. An
// empty claims list means nothing was claimable, not an error.
func (s *Server) claimRunsHandler(c *gin.Context) {
	var req claimRunsRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.workspaceID
	}

	claims, err := s.coordinator.Claim(c.Request.Context(), req.ClaimRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ClaimResponse{
		SchemaVersion: schemaVersionCurrent,
		Claims:        claims,
		Count:         len(claims),
	})
}

// heartbeatHandler handles POST /v1/runs/:runId/lease/heartbeat.
// A throttled heartbeat is still a 200; only a stale or reclaimed token
// conflicts.
func (s *Server) heartbeatHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req heartbeatRequest
	if !bindRequest(c, &req) {
		return
	}

	result, err := s.coordinator.Heartbeat(c.Request.Context(), runID, req.ClaimToken)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, HeartbeatResponse{SchemaVersion: schemaVersionCurrent, HeartbeatResult: result})
}

// releaseHandler handles POST /v1/runs/:runId/lease/release.
// final_state completed/failed demands matching terminal run status with
// evidence; released requeues the run for another worker.
func (s *Server) releaseHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req releaseRequest
	if !bindRequest(c, &req) {
		return
	}

	if err := s.coordinator.Release(c.Request.Context(), runID, req.ReleaseRequest); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ReleaseResponse{
		SchemaVersion: schemaVersionCurrent,
		RunID:         runID.String(),
		FinalState:    req.FinalState,
	})
}

// startRunHandler handles POST /v1/runs/:runId/start.
func (s *Server) startRunHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req startRunRequest
	if !bindRequest(c, &req) {
		return
	}

	run, err := s.runs.Start(c.Request.Context(), runID, req.StartRunRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{SchemaVersion: schemaVersionCurrent, Run: run})
}

// addStepHandler handles POST /v1/runs/:runId/steps.
func (s *Server) addStepHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req addStepRequest
	if !bindRequest(c, &req) {
		return
	}

	step, err := s.runs.AddStep(c.Request.Context(), runID, req.AddStepRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, StepResponse{SchemaVersion: schemaVersionCurrent, Step: step})
}

// recordToolCallHandler handles POST /v1/runs/:runId/tool-calls.
func (s *Server) recordToolCallHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req recordToolCallRequest
	if !bindRequest(c, &req) {
		return
	}

	call, err := s.runs.RecordToolCall(c.Request.Context(), runID, req.RecordToolCallRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ToolCallResponse{SchemaVersion: schemaVersionCurrent, ToolCall: call})
}

// addArtifactHandler handles POST /v1/runs/:runId/artifacts.
func (s *Server) addArtifactHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req addArtifactRequest
	if !bindRequest(c, &req) {
		return
	}

	artifact, err := s.runs.AddArtifact(c.Request.Context(), runID, req.AddArtifactRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ArtifactResponse{SchemaVersion: schemaVersionCurrent, Artifact: artifact})
}

// completeRunHandler handles POST /v1/runs/:runId/complete.
func (s *Server) completeRunHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req completeRunRequest
	if !bindRequest(c, &req) {
		return
	}

	run, err := s.runs.Complete(c.Request.Context(), runID, req.CompleteRunRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{SchemaVersion: schemaVersionCurrent, Run: run})
}

// failRunHandler handles POST /v1/runs/:runId/fail.
func (s *Server) failRunHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req failRunRequest
	if !bindRequest(c, &req) {
		return
	}

	run, err := s.runs.Fail(c.Request.Context(), runID, req.FailRunRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{SchemaVersion: schemaVersionCurrent, Run: run})
}

// cancelRunHandler handles POST /v1/runs/:runId/cancel.
// Cancellation is an operator action: no claim token required, and a
// claimed run's worker discovers the cancel on its next lease call.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID, ok := parseUUIDParam(c, "runId")
	if !ok {
		return
	}
	var req cancelRunRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.CancelledBy == "" {
		req.CancelledBy = extractCaller(c)
	}

	run, err := s.runs.Cancel(c.Request.Context(), runID, req.CancelRunRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RunResponse{SchemaVersion: schemaVersionCurrent, Run: run})
}
