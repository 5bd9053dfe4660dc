package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// systemSummaryHandler handles GET /v1/system/summary.
func (s *Server) systemSummaryHandler(c *gin.Context) {
	summary, err := s.system.Summary(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	summary.PolicyMode = string(s.gate.Mode())
	summary.KillSwitch = s.gate.KillSwitchActive()

	c.JSON(http.StatusOK, SummaryResponse{SchemaVersion: schemaVersionCurrent, SystemSummary: summary})
}

// listLearningHandler handles GET /v1/learning.
// Query parameters: category, limit.
func (s *Server) listLearningHandler(c *gin.Context) {
	limit, ok := parseIntQuery(c, "limit", 0)
	if !ok {
		return
	}

	entries, err := s.learning.List(c.Request.Context(), c.Query("category"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, LearningListResponse{
		SchemaVersion: schemaVersionCurrent,
		Entries:       entries,
		Count:         len(entries),
	})
}
