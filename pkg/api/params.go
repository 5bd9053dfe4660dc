package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// parseUUIDParam parses a path parameter as a UUID. On failure it writes
// the validation error response and returns ok=false.
func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed, name+" must be a UUID",
				map[string]any{"field": name}))
		return uuid.Nil, false
	}
	return id, true
}

// parseUUIDQuery parses an optional UUID query parameter. A missing
// parameter yields (nil, true); a malformed one writes the validation
// error response and returns ok=false.
func parseUUIDQuery(c *gin.Context, name string) (*uuid.UUID, bool) {
	v := c.Query(name)
	if v == "" {
		return nil, true
	}
	id, err := uuid.Parse(v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed, name+" must be a UUID",
				map[string]any{"field": name}))
		return nil, false
	}
	return &id, true
}

// parseIntQuery parses an optional integer query parameter, returning
// fallback when absent.
func parseIntQuery(c *gin.Context, name string, fallback int) (int, bool) {
	v := c.Query(name)
	if v == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed, name+" must be an integer",
				map[string]any{"field": name}))
		return 0, false
	}
	return n, true
}

// parseSeqQuery parses an optional int64 sequence query parameter.
func parseSeqQuery(c *gin.Context, name string, fallback int64) (int64, bool) {
	v := c.Query(name)
	if v == "" {
		return fallback, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed, name+" must be a non-negative integer",
				map[string]any{"field": name}))
		return 0, false
	}
	return n, true
}
