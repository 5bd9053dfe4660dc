package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/policy"
)

// Envelope schema versions accepted on write bodies. An absent
// schema_version means the caller speaks the current version.
const (
	schemaVersionCurrent  = "2.1"
	schemaVersionPrevious = "2.0"
)

// versioned is embedded by request bodies to carry the envelope version.
type versioned struct {
	SchemaVersion string `json:"schema_version,omitempty"`
}

func (v versioned) schemaVersion() string { return v.SchemaVersion }

type versionedRequest interface {
	schemaVersion() string
}

// bindRequest decodes the JSON body into dst and rejects unsupported
// schema versions before the body reaches a service. It writes the error
// response itself; handlers return immediately on false.
func bindRequest(c *gin.Context, dst versionedRequest) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonValidationFailed, "invalid request body: "+err.Error(), nil))
		return false
	}
	switch v := dst.schemaVersion(); v {
	case "", schemaVersionCurrent, schemaVersionPrevious:
		return true
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest,
			errorBody(reasonSchemaVersionUnsupported,
				fmt.Sprintf("schema_version %q is not supported", v),
				map[string]any{"supported": []string{schemaVersionCurrent, schemaVersionPrevious}}))
		return false
	}
}

// Write bodies wrap the shared model types with the version field.

type createRoomRequest struct {
	versioned
	models.CreateRoomRequest
}

type createThreadRequest struct {
	versioned
	models.CreateThreadRequest
}

type createMessageRequest struct {
	versioned
	models.CreateMessageRequest
}

type evaluatePolicyRequest struct {
	versioned
	policy.Request
}

type createApprovalRequest struct {
	versioned
	models.CreateApprovalRequest
}

type decideApprovalRequest struct {
	versioned
	models.DecideApprovalRequest
}

type createRunRequest struct {
	versioned
	models.CreateRunRequest
}

type claimRunsRequest struct {
	versioned
	models.ClaimRequest
}

type heartbeatRequest struct {
	versioned
	models.HeartbeatRequest
}

type releaseRequest struct {
	versioned
	models.ReleaseRequest
}

type startRunRequest struct {
	versioned
	models.StartRunRequest
}

type addStepRequest struct {
	versioned
	models.AddStepRequest
}

type recordToolCallRequest struct {
	versioned
	models.RecordToolCallRequest
}

type addArtifactRequest struct {
	versioned
	models.AddArtifactRequest
}

type completeRunRequest struct {
	versioned
	models.CompleteRunRequest
}

type failRunRequest struct {
	versioned
	models.FailRunRequest
}

type cancelRunRequest struct {
	versioned
	models.CancelRunRequest
}

type mintCapabilityRequest struct {
	versioned
	models.MintCapabilityRequest
}

type quarantineRequest struct {
	versioned
	models.QuarantineRequest
}

type putSecretRequest struct {
	versioned
	models.PutSecretRequest
}

type rotateSecretsRequest struct {
	versioned
	NewMasterKey string `json:"new_master_key"`
}
