package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// evaluatePolicyHandler handles POST /v1/policy/evaluate.
// The gate always answers 200: deny and require_approval are decisions,
// not transport errors. Callers branch on decision and blocked.
func (s *Server) evaluatePolicyHandler(c *gin.Context) {
	var req evaluatePolicyRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = s.workspaceID
	}

	result, err := s.gate.Evaluate(c.Request.Context(), req.Request)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, DecisionResponse{SchemaVersion: schemaVersionCurrent, Result: result})
}
