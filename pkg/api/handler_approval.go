package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/models"
)

// createApprovalHandler handles POST /v1/approvals.
func (s *Server) createApprovalHandler(c *gin.Context) {
	var req createApprovalRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = extractCaller(c)
	}

	approval, err := s.approvals.Request(c.Request.Context(), req.CreateApprovalRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, ApprovalResponse{SchemaVersion: schemaVersionCurrent, Approval: approval})
}

// listApprovalsHandler handles GET /v1/approvals.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	limit, ok := parseIntQuery(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := parseIntQuery(c, "offset", 0)
	if !ok {
		return
	}
	filters := models.ApprovalFilters{
		Status: c.Query("status"),
		Action: c.Query("action"),
		Limit:  limit,
		Offset: offset,
	}

	approvals, err := s.approvals.List(c.Request.Context(), filters)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApprovalListResponse{
		SchemaVersion: schemaVersionCurrent,
		Approvals:     approvals,
		Count:         len(approvals),
	})
}

// getApprovalHandler handles GET /v1/approvals/:approvalId.
func (s *Server) getApprovalHandler(c *gin.Context) {
	approvalID, ok := parseUUIDParam(c, "approvalId")
	if !ok {
		return
	}

	approval, err := s.approvals.Get(c.Request.Context(), approvalID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApprovalResponse{SchemaVersion: schemaVersionCurrent, Approval: approval})
}

// decideApprovalHandler handles POST /v1/approvals/:approvalId/decide.
// Terminal approvals answer already_decided; a held approval may still be
// approved or denied.
func (s *Server) decideApprovalHandler(c *gin.Context) {
	approvalID, ok := parseUUIDParam(c, "approvalId")
	if !ok {
		return
	}
	var req decideApprovalRequest
	if !bindRequest(c, &req) {
		return
	}
	if req.DecidedBy == "" {
		req.DecidedBy = extractCaller(c)
	}

	approval, err := s.approvals.Decide(c.Request.Context(), approvalID, req.DecideApprovalRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ApprovalResponse{SchemaVersion: schemaVersionCurrent, Approval: approval})
}
