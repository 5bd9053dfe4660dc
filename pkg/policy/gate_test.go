package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/projection"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/test/util"
)

type gateHarness struct {
	db           *sql.DB
	store        *eventstore.Store
	gate         *Gate
	principals   *security.PrincipalStore
	capabilities *security.CapabilityService
	agents       *security.AgentService
}

func newGateHarness(t *testing.T, cfg GateConfig) *gateHarness {
	t.Helper()
	db := util.SetupTestDatabase(t)
	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	principals := security.NewPrincipalStore(db)
	store := eventstore.NewStore(db, principals, nil, engine)
	capabilities := security.NewCapabilityService(db, principals)
	agents := security.NewAgentService(db)

	gate := NewGate(GateDeps{
		DB:           db,
		Store:        store,
		Principals:   principals,
		Capabilities: capabilities,
		Agents:       agents,
		Egress:       security.NewEgressRecorder(db),
		Learning:     NewLearningRecorder(db),
	}, cfg)

	return &gateHarness{
		db:           db,
		store:        store,
		gate:         gate,
		principals:   principals,
		capabilities: capabilities,
		agents:       agents,
	}
}

// approve walks the real approval path: request and decide events through
// the store, materialized by the projector the gate reads from.
func (h *gateHarness) approve(t *testing.T, workspaceID, action string, scope models.ApprovalScope, expiresAt *time.Time) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	approvalID := uuid.New()

	base := eventstore.AppendInput{
		WorkspaceID: workspaceID,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: "max"},
		StreamType:  envelope.StreamWorkspace,
		StreamID:    workspaceID,
	}

	requested := base
	requested.EventType = models.EventTypeApprovalRequested
	requested.Data = models.ApprovalRequestedPayload{
		ApprovalID: approvalID, Action: action, Scope: scope, RequestedBy: "agent-7",
	}
	_, _, err := h.store.Append(ctx, requested)
	require.NoError(t, err)

	decided := base
	decided.EventType = models.EventTypeApprovalDecided
	decided.Data = models.ApprovalDecidedPayload{
		ApprovalID: approvalID, Outcome: models.ApprovalStatusApproved, DecidedBy: "max", ExpiresAt: expiresAt,
	}
	_, _, err = h.store.Append(ctx, decided)
	require.NoError(t, err)
	return approvalID
}

func (h *gateHarness) evaluate(t *testing.T, req Request) *Result {
	t.Helper()
	result, err := h.gate.Evaluate(context.Background(), req)
	require.NoError(t, err)
	return result
}

func (h *gateHarness) learningCount(t *testing.T, category string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRow(
		`SELECT count(*) FROM learning_entries WHERE category = $1`, category).Scan(&n))
	return n
}

func externalWrite(workspaceID string, roomID *uuid.UUID) Request {
	return Request{
		Action:      ActionExternalWrite,
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: "max"},
		WorkspaceID: workspaceID,
		RoomID:      roomID,
	}
}

func TestGate_ExternalWriteApprovalFlow(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	roomID := uuid.New()
	req := externalWrite("ws-local", &roomID)

	// No approval yet: escalate, block, and leave the audit trail.
	result := h.evaluate(t, req)
	assert.Equal(t, DecisionRequireApproval, result.Decision)
	assert.Equal(t, ReasonExternalWriteRequiresApproval, result.ReasonCode)
	assert.True(t, result.Blocked)
	require.NotNil(t, result.EventID)

	env, err := h.store.GetByID(context.Background(), *result.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventTypePolicyRequiresApproval, env.EventType)
	assert.Equal(t, envelope.StreamRoom, env.StreamType)
	assert.Equal(t, roomID.String(), env.StreamID)
	var payload models.PolicyDecisionPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, ActionExternalWrite, payload.Action)
	assert.Equal(t, ReasonExternalWriteRequiresApproval, payload.ReasonCode)
	assert.True(t, payload.Blocked)
	assert.Equal(t, 1, h.learningCount(t, CategoryPolicyEscalation))

	// A workspace-scoped approval flips the same request to allow.
	h.approve(t, "ws-local", ActionExternalWrite, models.ApprovalScope{Type: models.ScopeWorkspace}, nil)
	result = h.evaluate(t, req)
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.Equal(t, ReasonApprovalAllowsAction, result.ReasonCode)
	assert.False(t, result.Blocked)
	assert.Nil(t, result.EventID)

	// The kill switch outranks any approval.
	h.gate.SetKillSwitch(true)
	result = h.evaluate(t, req)
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Equal(t, ReasonKillSwitchActive, result.ReasonCode)
	assert.True(t, result.Blocked)
	assert.Equal(t, 1, h.learningCount(t, CategoryPolicyDenial))

	h.gate.SetKillSwitch(false)
	result = h.evaluate(t, req)
	assert.Equal(t, DecisionAllow, result.Decision)
}

func TestGate_ApprovalScopeMatching(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	roomA, roomB := uuid.New(), uuid.New()
	runA, runB := uuid.New(), uuid.New()

	t.Run("room scope matches only its room", func(t *testing.T) {
		h.approve(t, "ws-room", ActionExternalWrite,
			models.ApprovalScope{Type: models.ScopeRoom, RoomID: &roomA}, nil)

		assert.Equal(t, DecisionAllow, h.evaluate(t, externalWrite("ws-room", &roomA)).Decision)
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, externalWrite("ws-room", &roomB)).Decision)
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, externalWrite("ws-room", nil)).Decision)
	})

	t.Run("run scope matches only its run", func(t *testing.T) {
		h.approve(t, "ws-run", ActionExternalWrite,
			models.ApprovalScope{Type: models.ScopeRun, RunID: &runA}, nil)

		reqA := externalWrite("ws-run", nil)
		reqA.RunID = &runA
		assert.Equal(t, DecisionAllow, h.evaluate(t, reqA).Decision)

		reqB := externalWrite("ws-run", nil)
		reqB.RunID = &runB
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, reqB).Decision)
	})

	t.Run("once and template never match", func(t *testing.T) {
		h.approve(t, "ws-once", ActionExternalWrite, models.ApprovalScope{Type: models.ScopeOnce}, nil)
		h.approve(t, "ws-once", ActionExternalWrite, models.ApprovalScope{Type: models.ScopeTemplate}, nil)
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, externalWrite("ws-once", &roomA)).Decision)
	})

	t.Run("expired approval does not match", func(t *testing.T) {
		past := time.Now().UTC().Add(-time.Minute)
		h.approve(t, "ws-expired", ActionExternalWrite,
			models.ApprovalScope{Type: models.ScopeWorkspace}, &past)
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, externalWrite("ws-expired", &roomA)).Decision)
	})

	t.Run("approval for another action does not match", func(t *testing.T) {
		h.approve(t, "ws-other", "notify.send_email",
			models.ApprovalScope{Type: models.ScopeWorkspace}, nil)
		assert.Equal(t, DecisionRequireApproval, h.evaluate(t, externalWrite("ws-other", &roomA)).Decision)
	})
}

func TestGate_ShadowModeRecordsWithoutBlocking(t *testing.T) {
	h := newGateHarness(t, GateConfig{Mode: ModeShadow})
	roomID := uuid.New()

	result := h.evaluate(t, externalWrite("ws-local", &roomID))
	assert.Equal(t, DecisionRequireApproval, result.Decision)
	assert.False(t, result.Blocked, "shadow mode records but does not block")
	require.NotNil(t, result.EventID, "shadow decisions still hit the audit trail")
	assert.Equal(t, 1, h.learningCount(t, CategoryPolicyEscalation))

	h.gate.SetKillSwitch(true)
	result = h.evaluate(t, externalWrite("ws-local", &roomID))
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.False(t, result.Blocked)
}

func TestGate_CapabilityLayer(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	ctx := context.Background()
	roomID := uuid.New()

	token, err := h.capabilities.Mint(ctx, models.MintCapabilityRequest{
		ActorKind: string(envelope.ActorAgent),
		ActorID:   "agent-7",
		Name:      "room-scoped reader",
		Scopes: models.CapabilityScopes{
			Actions: []string{ActionDataRead, "http.fetch"},
			Rooms:   []string{roomID.String()},
		},
		TTL: 3600,
	})
	require.NoError(t, err)

	base := Request{
		Action:      ActionDataRead,
		Actor:       envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-7"},
		WorkspaceID: "ws-local",
		RoomID:      &roomID,
		TokenID:     &token.ID,
	}

	t.Run("in-scope token falls through to base policy", func(t *testing.T) {
		result := h.evaluate(t, base)
		assert.Equal(t, DecisionAllow, result.Decision)
		assert.Equal(t, ReasonDefaultAllow, result.ReasonCode)
	})

	t.Run("action outside scope", func(t *testing.T) {
		req := base
		req.Action = "room.post_message"
		result := h.evaluate(t, req)
		assert.Equal(t, DecisionDeny, result.Decision)
		assert.Equal(t, ReasonCapabilityScopeViolation, result.ReasonCode)
		assert.True(t, result.Blocked)
	})

	t.Run("room outside scope", func(t *testing.T) {
		other := uuid.New()
		req := base
		req.RoomID = &other
		result := h.evaluate(t, req)
		assert.Equal(t, ReasonCapabilityScopeViolation, result.ReasonCode)
	})

	t.Run("token of another principal", func(t *testing.T) {
		req := base
		req.Actor = envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-9"}
		result := h.evaluate(t, req)
		assert.Equal(t, ReasonCapabilityPrincipalMismatch, result.ReasonCode)
	})

	t.Run("unknown token", func(t *testing.T) {
		bogus := uuid.New()
		req := base
		req.TokenID = &bogus
		result := h.evaluate(t, req)
		assert.Equal(t, ReasonCapabilityNotFound, result.ReasonCode)
	})

	t.Run("expired token", func(t *testing.T) {
		_, err := h.db.Exec(`UPDATE capability_tokens SET expires_at = now() - interval '1 minute' WHERE id = $1`, token.ID)
		require.NoError(t, err)
		result := h.evaluate(t, base)
		assert.Equal(t, ReasonCapabilityExpired, result.ReasonCode)

		_, err = h.db.Exec(`UPDATE capability_tokens SET expires_at = now() + interval '1 hour' WHERE id = $1`, token.ID)
		require.NoError(t, err)
	})

	t.Run("revoked token", func(t *testing.T) {
		require.NoError(t, h.capabilities.Revoke(ctx, token.ID))
		result := h.evaluate(t, base)
		assert.Equal(t, ReasonCapabilityRevoked, result.ReasonCode)
	})
}

func TestGate_RegistryLayer(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	roomID := uuid.New()

	merge := Request{
		Action:      "github.merge_pr",
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: "max"},
		WorkspaceID: "ws-registry",
		RoomID:      &roomID,
	}

	t.Run("irreversible outside high stakes", func(t *testing.T) {
		result := h.evaluate(t, merge)
		assert.Equal(t, DecisionRequireApproval, result.Decision)
		assert.Equal(t, ReasonIrreversibleRequiresApproval, result.ReasonCode)
	})

	t.Run("irreversible in high stakes reaches the external write gate", func(t *testing.T) {
		req := merge
		req.Zone = envelope.ZoneHighStakes
		result := h.evaluate(t, req)
		assert.Equal(t, DecisionRequireApproval, result.Decision)
		assert.Equal(t, ReasonExternalWriteRequiresApproval, result.ReasonCode)
	})

	t.Run("approval waives the escalation and allows", func(t *testing.T) {
		h.approve(t, "ws-registry", "github.merge_pr",
			models.ApprovalScope{Type: models.ScopeRoom, RoomID: &roomID}, nil)
		result := h.evaluate(t, merge)
		assert.Equal(t, DecisionAllow, result.Decision)
		assert.Equal(t, ReasonApprovalAllowsAction, result.ReasonCode)
	})

	t.Run("pre-approval required even in high stakes", func(t *testing.T) {
		req := merge
		req.Action = "payment.execute"
		req.Zone = envelope.ZoneHighStakes
		result := h.evaluate(t, req)
		assert.Equal(t, DecisionRequireApproval, result.Decision)
		assert.Equal(t, ReasonActionRequiresPreApproval, result.ReasonCode)
	})

	t.Run("zone floor", func(t *testing.T) {
		req := Request{
			Action:      "shell.exec",
			Actor:       envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-7"},
			WorkspaceID: "ws-registry",
			Zone:        envelope.ZoneSandbox,
		}
		result := h.evaluate(t, req)
		assert.Equal(t, DecisionRequireApproval, result.Decision)
		assert.Equal(t, ReasonZoneEscalationRequired, result.ReasonCode)

		req.Zone = ""
		result = h.evaluate(t, req)
		assert.Equal(t, DecisionAllow, result.Decision, "principal default zone is supervised")
		assert.Equal(t, ReasonDefaultAllow, result.ReasonCode)
	})
}

func TestGate_QuarantineAndQuota(t *testing.T) {
	h := newGateHarness(t, GateConfig{EgressHourlyQuota: 2})
	ctx := context.Background()
	h.gate.Registry().Register(ActionSpec{Name: "http.fetch", Egress: true})

	agent := envelope.Actor{Kind: envelope.ActorAgent, ID: "crawler"}
	principalID, _, err := h.principals.Resolve(ctx, agent)
	require.NoError(t, err)

	fetch := Request{
		Action:      "http.fetch",
		Actor:       agent,
		WorkspaceID: "ws-local",
		Context:     &RequestContext{EgressDomain: "api.example.com"},
	}

	require.NoError(t, h.agents.Quarantine(ctx, principalID, "prompt injection suspected"))
	result := h.evaluate(t, fetch)
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Equal(t, ReasonAgentQuarantined, result.ReasonCode)

	var egressRows int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM egress_log`).Scan(&egressRows))
	assert.Zero(t, egressRows, "denied egress is never recorded")

	require.NoError(t, h.agents.Release(ctx, principalID))
	assert.Equal(t, DecisionAllow, h.evaluate(t, fetch).Decision)
	assert.Equal(t, DecisionAllow, h.evaluate(t, fetch).Decision)

	result = h.evaluate(t, fetch)
	assert.Equal(t, DecisionDeny, result.Decision)
	assert.Equal(t, ReasonQuotaExceeded, result.ReasonCode)
	assert.Equal(t, 2, h.learningCount(t, CategoryPolicyDenial), "quarantine and quota denials both learn")

	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM egress_log WHERE principal_id = $1`, principalID).Scan(&egressRows))
	assert.Equal(t, 2, egressRows)

	// Quarantine never trips for human actors on the same egress action.
	human := fetch
	human.Actor = envelope.Actor{Kind: envelope.ActorUser, ID: "max"}
	assert.Equal(t, DecisionAllow, h.evaluate(t, human).Decision)
}

func TestGate_DataAccessLabels(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	roomID := uuid.New()
	otherRoom := uuid.New()

	read := func(da *DataAccess, roomID *uuid.UUID) Request {
		return Request{
			Action:      ActionDataRead,
			Actor:       envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-7"},
			WorkspaceID: "ws-local",
			RoomID:      roomID,
			Context:     &RequestContext{DataAccess: da},
		}
	}

	cases := []struct {
		name       string
		req        Request
		decision   Decision
		reasonCode string
	}{
		{
			name:       "public allows",
			req:        read(&DataAccess{Label: LabelPublic}, &roomID),
			decision:   DecisionAllow,
			reasonCode: ReasonDataAccessAllowed,
		},
		{
			name:       "internal allows",
			req:        read(&DataAccess{Label: LabelInternal}, &roomID),
			decision:   DecisionAllow,
			reasonCode: ReasonDataAccessAllowed,
		},
		{
			name:       "restricted from its own room",
			req:        read(&DataAccess{Label: LabelRestricted, RoomID: &roomID}, &roomID),
			decision:   DecisionAllow,
			reasonCode: ReasonDataAccessAllowed,
		},
		{
			name:       "restricted from another room",
			req:        read(&DataAccess{Label: LabelRestricted, RoomID: &otherRoom}, &roomID),
			decision:   DecisionDeny,
			reasonCode: ReasonDataAccessRestrictedRoomMismatch,
		},
		{
			name:       "restricted without a request room",
			req:        read(&DataAccess{Label: LabelRestricted, RoomID: &otherRoom}, nil),
			decision:   DecisionDeny,
			reasonCode: ReasonDataAccessRestrictedRoomMismatch,
		},
		{
			name:       "confidential purpose mismatch without justification",
			req:        read(&DataAccess{Label: LabelConfidential, PurposeHintMismatch: true}, &roomID),
			decision:   DecisionRequireApproval,
			reasonCode: ReasonDataAccessPurposeHintMismatch,
		},
		{
			name:       "confidential purpose mismatch with justification",
			req:        read(&DataAccess{Label: LabelConfidential, PurposeHintMismatch: true, JustificationProvided: true}, &roomID),
			decision:   DecisionAllow,
			reasonCode: ReasonDataAccessAllowed,
		},
		{
			name:       "sensitive pii with consistent purpose",
			req:        read(&DataAccess{Label: LabelSensitivePII}, &roomID),
			decision:   DecisionAllow,
			reasonCode: ReasonDataAccessAllowed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := h.evaluate(t, tc.req)
			assert.Equal(t, tc.decision, result.Decision)
			assert.Equal(t, tc.reasonCode, result.ReasonCode)
		})
	}

	t.Run("data.write uses the same rules", func(t *testing.T) {
		req := read(&DataAccess{Label: LabelRestricted, RoomID: &otherRoom}, &roomID)
		req.Action = ActionDataWrite
		result := h.evaluate(t, req)
		assert.Equal(t, ReasonDataAccessRestrictedRoomMismatch, result.ReasonCode)
	})

	t.Run("unknown label is a bad request", func(t *testing.T) {
		req := read(&DataAccess{Label: "top_secret"}, &roomID)
		_, err := h.gate.Evaluate(context.Background(), req)
		require.ErrorIs(t, err, ErrInvalidRequest)
	})
}

func TestGate_ValidatesRequest(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	valid := externalWrite("ws-local", nil)

	cases := []struct {
		name   string
		mutate func(*Request)
	}{
		{"missing action", func(r *Request) { r.Action = "" }},
		{"missing workspace", func(r *Request) { r.WorkspaceID = "" }},
		{"bad actor kind", func(r *Request) { r.Actor.Kind = "robot" }},
		{"missing actor id", func(r *Request) { r.Actor.ID = "" }},
		{"bad zone", func(r *Request) { r.Zone = "danger" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mutate(&req)
			_, err := h.gate.Evaluate(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestGate_RoutesDecisionEventsToWorkspaceStream(t *testing.T) {
	h := newGateHarness(t, GateConfig{})

	result := h.evaluate(t, externalWrite("ws-audit", nil))
	require.NotNil(t, result.EventID)

	env, err := h.store.GetByID(context.Background(), *result.EventID)
	require.NoError(t, err)
	assert.Equal(t, envelope.StreamWorkspace, env.StreamType)
	assert.Equal(t, "ws-audit", env.StreamID)
	assert.Nil(t, env.RoomID)
}

func TestGate_LearningFailureNeverAbortsDecision(t *testing.T) {
	h := newGateHarness(t, GateConfig{})
	_, err := h.db.Exec(`DROP TABLE learning_entries`)
	require.NoError(t, err)

	result := h.evaluate(t, externalWrite("ws-local", nil))
	assert.Equal(t, DecisionRequireApproval, result.Decision)
	assert.NotNil(t, result.EventID)
}

func TestGate_UnregisteredActionDefaultAllow(t *testing.T) {
	h := newGateHarness(t, GateConfig{})

	result := h.evaluate(t, Request{
		Action:      "room.post_message",
		Actor:       envelope.Actor{Kind: envelope.ActorUser, ID: "max"},
		WorkspaceID: "ws-local",
	})
	assert.Equal(t, DecisionAllow, result.Decision)
	assert.Equal(t, ReasonDefaultAllow, result.ReasonCode)
	assert.Nil(t, result.EventID)

	var events int
	require.NoError(t, h.db.QueryRow(`SELECT count(*) FROM events`).Scan(&events))
	assert.Zero(t, events, "allows leave no decision event behind")
}
