package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluatePolicyEndpoint(t *testing.T) {
	kit := newServerKit(t)

	actor := map[string]any{"kind": "agent", "id": "agent-7"}

	t.Run("external write escalates to approval", func(t *testing.T) {
		var out DecisionResponse
		status := kit.request(t, http.MethodPost, "/v1/policy/evaluate",
			map[string]any{"action": "external.write", "actor": actor}, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "require_approval", string(out.Decision))
		assert.Equal(t, "external_write_requires_approval", out.ReasonCode)
		assert.True(t, out.Blocked)
		assert.NotNil(t, out.EventID, "non-allow decisions leave an audit event")
	})

	t.Run("unregistered internal action is allowed", func(t *testing.T) {
		var out DecisionResponse
		status := kit.request(t, http.MethodPost, "/v1/policy/evaluate",
			map[string]any{"action": "notes.update", "actor": actor}, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "allow", string(out.Decision))
		assert.Equal(t, "default_allow", out.ReasonCode)
		assert.False(t, out.Blocked)
	})

	t.Run("kill switch denies every external write", func(t *testing.T) {
		kit.gate.SetKillSwitch(true)
		defer kit.gate.SetKillSwitch(false)

		var out DecisionResponse
		status := kit.request(t, http.MethodPost, "/v1/policy/evaluate",
			map[string]any{"action": "notify.send_email", "actor": actor}, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "deny", string(out.Decision))
		assert.Equal(t, "kill_switch_active", out.ReasonCode)
		assert.True(t, out.Blocked)
	})

	t.Run("approved workspace approval lets the write through", func(t *testing.T) {
		var approval ApprovalResponse
		status := kit.request(t, http.MethodPost, "/v1/approvals", map[string]any{
			"action":       "external.write",
			"scope":        map[string]any{"type": "workspace"},
			"requested_by": "max",
		}, &approval)
		require.Equal(t, http.StatusCreated, status)

		status = kit.request(t, http.MethodPost,
			"/v1/approvals/"+approval.Approval.ID.String()+"/decide",
			map[string]any{"outcome": "approved", "decided_by": "lena"}, nil)
		require.Equal(t, http.StatusOK, status)

		var out DecisionResponse
		status = kit.request(t, http.MethodPost, "/v1/policy/evaluate",
			map[string]any{"action": "external.write", "actor": actor}, &out)
		require.Equal(t, http.StatusOK, status)
		assert.Equal(t, "allow", string(out.Decision))
		assert.Equal(t, "approval_allows_action", out.ReasonCode)
	})

	t.Run("missing action is 400", func(t *testing.T) {
		status, envl := kit.errReply(t, http.MethodPost, "/v1/policy/evaluate",
			map[string]any{"actor": actor})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "validation_failed", envl.ReasonCode)
	})
}

func TestEvaluatePolicyQuarantine(t *testing.T) {
	kit := newServerKit(t)

	actor := map[string]any{"kind": "agent", "id": "rogue-agent"}

	// First evaluation creates the principal row on demand.
	var out DecisionResponse
	status := kit.request(t, http.MethodPost, "/v1/policy/evaluate",
		map[string]any{"action": "notify.send_email", "actor": actor}, &out)
	require.Equal(t, http.StatusOK, status)

	principal, err := kit.principals.GetByActor(t.Context(), "agent", "rogue-agent")
	require.NoError(t, err)

	status = kit.request(t, http.MethodPost,
		"/v1/agents/"+principal.ID.String()+"/quarantine",
		map[string]any{"reason": "prompt injection suspected"}, nil)
	require.Equal(t, http.StatusOK, status)

	status = kit.request(t, http.MethodPost, "/v1/policy/evaluate",
		map[string]any{"action": "notify.send_email", "actor": actor}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "deny", string(out.Decision))
	assert.Equal(t, "agent_quarantined", out.ReasonCode)

	status = kit.request(t, http.MethodPost,
		"/v1/agents/"+principal.ID.String()+"/release", map[string]any{}, nil)
	require.Equal(t, http.StatusOK, status)

	status = kit.request(t, http.MethodPost, "/v1/policy/evaluate",
		map[string]any{"action": "notify.send_email", "actor": actor}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, "agent_quarantined", out.ReasonCode)
}
