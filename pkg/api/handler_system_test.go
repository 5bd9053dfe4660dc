package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemSummaryEndpoint(t *testing.T) {
	kit := newServerKit(t)

	var empty SummaryResponse
	status := kit.request(t, http.MethodGet, "/v1/system/summary", nil, &empty)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, testWorkspace, empty.WorkspaceID)
	assert.Zero(t, empty.Events)
	assert.Equal(t, "enforce", empty.PolicyMode)
	assert.False(t, empty.KillSwitch)

	// Room with a thread and two messages, one queued run, one pending
	// approval. Six events all told.
	seedRoom(t, kit)
	createQueuedRun(t, kit, "inventory dependencies")
	var approval ApprovalResponse
	status = kit.request(t, http.MethodPost, "/v1/approvals", map[string]any{
		"action":       "github.merge_pr",
		"scope":        map[string]any{"type": "workspace"},
		"requested_by": "max",
	}, &approval)
	require.Equal(t, http.StatusCreated, status)

	var summary SummaryResponse
	status = kit.request(t, http.MethodGet, "/v1/system/summary", nil, &summary)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, int64(6), summary.Events)
	assert.Equal(t, int64(1), summary.Rooms)
	assert.Equal(t, int64(1), summary.Threads)
	assert.Equal(t, int64(2), summary.Messages)
	assert.Equal(t, int64(1), summary.RunsByStatus["queued"])
	assert.Equal(t, int64(1), summary.QueueDepth)
	assert.Equal(t, int64(1), summary.PendingApprovals)

	t.Run("kill switch flips in the summary", func(t *testing.T) {
		kit.gate.SetKillSwitch(true)
		defer kit.gate.SetKillSwitch(false)

		var summary SummaryResponse
		status := kit.request(t, http.MethodGet, "/v1/system/summary", nil, &summary)
		require.Equal(t, http.StatusOK, status)
		assert.True(t, summary.KillSwitch)
	})
}

func TestLearningEndpoint(t *testing.T) {
	kit := newServerKit(t)

	var list LearningListResponse
	status := kit.request(t, http.MethodGet, "/v1/learning", nil, &list)
	require.Equal(t, http.StatusOK, status)
	assert.Zero(t, list.Count)

	// A denied evaluation leaves an entry behind.
	kit.gate.SetKillSwitch(true)
	defer kit.gate.SetKillSwitch(false)

	var out DecisionResponse
	status = kit.request(t, http.MethodPost, "/v1/policy/evaluate", map[string]any{
		"action": "external.write",
		"actor":  map[string]any{"kind": "agent", "id": "agent-7"},
	}, &out)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "deny", string(out.Decision))

	status = kit.request(t, http.MethodGet, "/v1/learning", nil, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "policy_denial", list.Entries[0].Category)
	assert.Equal(t, "external.write", list.Entries[0].Action)
	assert.Equal(t, "kill_switch_active", list.Entries[0].ReasonCode)
	assert.Equal(t, "agent-7", list.Entries[0].ActorID)

	t.Run("category filter narrows", func(t *testing.T) {
		var list LearningListResponse
		status := kit.request(t, http.MethodGet, "/v1/learning?category=policy_escalation", nil, &list)
		require.Equal(t, http.StatusOK, status)
		assert.Zero(t, list.Count)
	})
}
