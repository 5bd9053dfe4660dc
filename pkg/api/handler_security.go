package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// mintCapabilityHandler handles POST /v1/capabilities.
func (s *Server) mintCapabilityHandler(c *gin.Context) {
	var req mintCapabilityRequest
	if !bindRequest(c, &req) {
		return
	}

	token, err := s.capabilities.Mint(c.Request.Context(), req.MintCapabilityRequest)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CapabilityResponse{SchemaVersion: schemaVersionCurrent, Token: token})
}

// listCapabilitiesHandler handles GET /v1/capabilities.
func (s *Server) listCapabilitiesHandler(c *gin.Context) {
	tokens, err := s.capabilities.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CapabilityListResponse{
		SchemaVersion: schemaVersionCurrent,
		Tokens:        tokens,
		Count:         len(tokens),
	})
}

// revokeCapabilityHandler handles POST /v1/capabilities/:tokenId/revoke.
// Revocation is idempotent; revoking a revoked token answers 200 with the
// original revocation timestamp.
func (s *Server) revokeCapabilityHandler(c *gin.Context) {
	tokenID, ok := parseUUIDParam(c, "tokenId")
	if !ok {
		return
	}

	if err := s.capabilities.Revoke(c.Request.Context(), tokenID); err != nil {
		respondError(c, err)
		return
	}
	token, err := s.capabilities.Get(c.Request.Context(), tokenID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, CapabilityResponse{SchemaVersion: schemaVersionCurrent, Token: token})
}

// quarantineAgentHandler handles POST /v1/agents/:principalId/quarantine.
// A quarantined agent is denied at the gate until released.
func (s *Server) quarantineAgentHandler(c *gin.Context) {
	principalID, ok := parseUUIDParam(c, "principalId")
	if !ok {
		return
	}
	var req quarantineRequest
	if !bindRequest(c, &req) {
		return
	}

	if err := s.agents.Quarantine(c.Request.Context(), principalID, req.Reason); err != nil {
		respondError(c, err)
		return
	}
	agent, err := s.agents.Get(c.Request.Context(), principalID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AgentResponse{SchemaVersion: schemaVersionCurrent, Agent: agent})
}

// releaseAgentHandler handles POST /v1/agents/:principalId/release.
func (s *Server) releaseAgentHandler(c *gin.Context) {
	principalID, ok := parseUUIDParam(c, "principalId")
	if !ok {
		return
	}

	if err := s.agents.Release(c.Request.Context(), principalID); err != nil {
		respondError(c, err)
		return
	}
	agent, err := s.agents.Get(c.Request.Context(), principalID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AgentResponse{SchemaVersion: schemaVersionCurrent, Agent: agent})
}

// putSecretHandler handles POST /v1/secrets.
// The plaintext value goes into the vault and never appears in any
// response or event.
func (s *Server) putSecretHandler(c *gin.Context) {
	if !s.requireVault(c) {
		return
	}
	var req putSecretRequest
	if !bindRequest(c, &req) {
		return
	}

	if err := s.vault.Put(c.Request.Context(), req.Name, req.Value); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, SecretResponse{
		SchemaVersion: schemaVersionCurrent,
		Name:          req.Name,
		Status:        "stored",
	})
}

// listSecretsHandler handles GET /v1/secrets.
func (s *Server) listSecretsHandler(c *gin.Context) {
	if !s.requireVault(c) {
		return
	}

	secrets, err := s.vault.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, SecretListResponse{
		SchemaVersion: schemaVersionCurrent,
		Secrets:       secrets,
		Count:         len(secrets),
	})
}

// rotateSecretsHandler handles POST /v1/secrets/rotate.
// Re-encrypts every stored secret under the new master key.
func (s *Server) rotateSecretsHandler(c *gin.Context) {
	if !s.requireVault(c) {
		return
	}
	var req rotateSecretsRequest
	if !bindRequest(c, &req) {
		return
	}

	keyVersion, rotated, err := s.vault.Rotate(c.Request.Context(), req.NewMasterKey)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, RotateResponse{
		SchemaVersion: schemaVersionCurrent,
		Rotated:       rotated,
		KeyVersion:    keyVersion,
	})
}

// requireVault rejects secret endpoints when no master key was configured
// at startup.
func (s *Server) requireVault(c *gin.Context) bool {
	if s.vault != nil {
		return true
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable,
		errorBody(reasonInternalError, "secrets vault is not configured", nil))
	return false
}
