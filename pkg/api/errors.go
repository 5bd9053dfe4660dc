package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/pkg/services"
)

// Reason codes the API emits itself. Kernel packages carry the rest
// (policy reason codes, chain break reasons) through their results.
const (
	reasonValidationFailed         = "validation_failed"
	reasonNotFound                 = "not_found"
	reasonAlreadyExists            = "already_exists"
	reasonInvalidState             = "invalid_state"
	reasonAlreadyDecided           = "already_decided"
	reasonLeaseLost                = "lease_lost"
	reasonEvidenceRequired         = "evidence_required"
	reasonSecretDetected           = "secret_detected"
	reasonAllocationFailure        = "allocation_failure"
	reasonHashChainBreak           = "hash_chain_break"
	reasonSchemaVersionUnsupported = "schema_version_unsupported"
	reasonCancelled                = "cancelled"
	reasonInternalError            = "internal_error"
)

// ErrorResponse is the error envelope every non-2xx JSON response uses.
// reason_code is drawn from a closed catalog so clients can branch on it.
type ErrorResponse struct {
	Error      bool           `json:"error"`
	ReasonCode string         `json:"reason_code"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

func errorBody(code, reason string, details map[string]any) ErrorResponse {
	return ErrorResponse{Error: true, ReasonCode: code, Reason: reason, Details: details}
}

// respondError writes the mapped error envelope and aborts the handler
// chain. All handlers funnel service errors through here so the
// error-to-status mapping lives in one place.
func respondError(c *gin.Context, err error) {
	status, body := mapServiceError(err)
	c.AbortWithStatusJSON(status, body)
}

// mapServiceError maps kernel errors onto HTTP status codes and the error
// envelope. Unknown errors are logged here, once, and surface as 500.
func mapServiceError(err error) (int, ErrorResponse) {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return http.StatusBadRequest, errorBody(reasonValidationFailed, validErr.Error(),
			map[string]any{"field": validErr.Field, "message": validErr.Message})
	}

	switch {
	case errors.Is(err, eventstore.ErrInvalidInput),
		errors.Is(err, policy.ErrInvalidRequest),
		errors.Is(err, security.ErrInvalidInput),
		errors.Is(err, security.ErrBadMasterKey):
		return http.StatusBadRequest, errorBody(reasonValidationFailed, err.Error(), nil)

	case errors.Is(err, services.ErrNotFound),
		errors.Is(err, eventstore.ErrNotFound),
		errors.Is(err, security.ErrPrincipalNotFound),
		errors.Is(err, security.ErrSecretNotFound),
		errors.Is(err, security.ErrCapabilityNotFound):
		return http.StatusNotFound, errorBody(reasonNotFound, "resource not found", nil)

	case errors.Is(err, services.ErrAlreadyExists):
		return http.StatusConflict, errorBody(reasonAlreadyExists, "resource already exists", nil)

	case errors.Is(err, services.ErrAlreadyDecided):
		return http.StatusConflict, errorBody(reasonAlreadyDecided, "approval already decided", nil)

	case errors.Is(err, services.ErrInvalidState):
		return http.StatusConflict, errorBody(reasonInvalidState, err.Error(), nil)

	case errors.Is(err, services.ErrLeaseLost):
		return http.StatusConflict, errorBody(reasonLeaseLost, err.Error(), nil)

	case errors.Is(err, services.ErrEvidenceRequired):
		return http.StatusConflict, errorBody(reasonEvidenceRequired, err.Error(), nil)

	case errors.Is(err, eventstore.ErrSecretDetected):
		return http.StatusUnprocessableEntity, errorBody(reasonSecretDetected,
			"secret material detected in request payload", nil)

	case errors.Is(err, eventstore.ErrAllocationFailure):
		return http.StatusInternalServerError, errorBody(reasonAllocationFailure, err.Error(), nil)

	case errors.Is(err, eventstore.ErrHashChainBreak):
		return http.StatusInternalServerError, errorBody(reasonHashChainBreak, err.Error(), nil)

	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// The committed prefix of the operation stands; the caller
		// reconciles by reading the stream.
		return http.StatusInternalServerError, errorBody(reasonCancelled,
			"request cancelled; outcome unknown, re-read the stream", nil)
	}

	slog.Error("Unexpected service error", "error", err)
	return http.StatusInternalServerError, errorBody(reasonInternalError, "internal server error", nil)
}
