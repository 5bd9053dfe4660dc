package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/security"
)

// ErrInvalidRequest marks a request the gate cannot classify at all
// (missing action, bad actor, unknown label). Distinct from a deny: the
// caller sent something malformed.
var ErrInvalidRequest = errors.New("invalid policy request")

const defaultEgressHourlyQuota = 100

// GateDeps are the collaborators a Gate evaluates with.
type GateDeps struct {
	DB           *sql.DB
	Store        *eventstore.Store
	Registry     *Registry // nil selects the built-in registry
	Principals   *security.PrincipalStore
	Capabilities *security.CapabilityService
	Agents       *security.AgentService
	Egress       *security.EgressRecorder
	Learning     *LearningRecorder
}

// GateConfig is the gate's process-wide posture.
type GateConfig struct {
	Mode              Mode // empty defaults to enforce
	KillSwitch        bool
	EgressHourlyQuota int // <= 0 defaults to 100
}

// Gate evaluates requests through the decision layers: capability token,
// action registry, quarantine, egress quota, base policy. The first
// layer returning a verdict settles the decision.
type Gate struct {
	db           *sql.DB
	store        *eventstore.Store
	registry     *Registry
	principals   *security.PrincipalStore
	capabilities *security.CapabilityService
	agents       *security.AgentService
	egress       *security.EgressRecorder
	learning     *LearningRecorder
	logger       *slog.Logger

	mode        Mode
	hourlyQuota int
	killSwitch  atomic.Bool
}

func NewGate(deps GateDeps, cfg GateConfig) *Gate {
	registry := deps.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeEnforce
	}
	quota := cfg.EgressHourlyQuota
	if quota <= 0 {
		quota = defaultEgressHourlyQuota
	}

	g := &Gate{
		db:           deps.DB,
		store:        deps.Store,
		registry:     registry,
		principals:   deps.Principals,
		capabilities: deps.Capabilities,
		agents:       deps.Agents,
		egress:       deps.Egress,
		learning:     deps.Learning,
		logger:       slog.With("component", "policy"),
		mode:         mode,
		hourlyQuota:  quota,
	}
	g.killSwitch.Store(cfg.KillSwitch)
	return g
}

// SetKillSwitch flips the external-write kill switch at runtime.
func (g *Gate) SetKillSwitch(active bool) {
	was := g.killSwitch.Swap(active)
	if was != active {
		g.logger.Warn("Kill switch changed", "active", active)
	}
}

func (g *Gate) KillSwitchActive() bool { return g.killSwitch.Load() }

func (g *Gate) Mode() Mode { return g.mode }

func (g *Gate) Registry() *Registry { return g.registry }

// Evaluate classifies one request. The returned Result is always a real
// decision; an error means the gate itself could not run (bad request or
// backend failure), never "deny".
func (g *Gate) Evaluate(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	principalID, defaultZone, err := g.principals.Resolve(ctx, req.Actor)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve principal: %w", err)
	}
	zone := req.Zone
	if zone == "" {
		zone = defaultZone
	}

	spec, registered := g.registry.Lookup(req.Action)
	egressAction := (registered && spec.Egress) ||
		(req.Context != nil && req.Context.EgressDomain != "")

	v, err := g.runLayers(ctx, req, spec, registered, principalID, zone, egressAction)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Decision:   v.decision,
		ReasonCode: v.reasonCode,
		Reason:     v.reason,
		Blocked:    v.decision != DecisionAllow && g.mode == ModeEnforce,
	}
	g.logger.Info("Policy decision",
		"action", req.Action, "actor", req.Actor.ID,
		"decision", result.Decision, "reason_code", result.ReasonCode, "blocked", result.Blocked)

	if result.Decision == DecisionAllow {
		if egressAction {
			if err := g.egress.Record(ctx, principalID, req.Action, egressDomain(req)); err != nil {
				return nil, fmt.Errorf("failed to record egress: %w", err)
			}
		}
		return result, nil
	}

	// The audit event is part of the contract; without it the decision
	// did not happen. Learning is best-effort on top.
	if err := g.appendDecisionEvent(ctx, req, zone, result); err != nil {
		return nil, err
	}
	g.recordLearning(ctx, req, result)
	return result, nil
}

func (g *Gate) runLayers(ctx context.Context, req Request, spec ActionSpec, registered bool, principalID uuid.UUID, zone envelope.Zone, egressAction bool) (*verdict, error) {
	if req.TokenID != nil {
		if v, err := g.checkCapability(ctx, req, principalID); v != nil || err != nil {
			return v, err
		}
	}
	if registered {
		if v, err := g.checkRegistry(ctx, req, spec, zone); v != nil || err != nil {
			return v, err
		}
	}
	if egressAction && req.Actor.Kind == envelope.ActorAgent {
		if v, err := g.checkQuarantine(ctx, principalID); v != nil || err != nil {
			return v, err
		}
	}
	if egressAction {
		if v, err := g.checkQuota(ctx, principalID); v != nil || err != nil {
			return v, err
		}
	}
	return g.basePolicy(ctx, req, spec, registered)
}

func (g *Gate) checkCapability(ctx context.Context, req Request, principalID uuid.UUID) (*verdict, error) {
	check := security.CapabilityCheck{
		TokenID:     *req.TokenID,
		PrincipalID: principalID,
		Action:      req.Action,
	}
	if req.RoomID != nil {
		check.RoomID = req.RoomID.String()
	}
	if req.Context != nil {
		check.Tool = req.Context.Tool
		check.EgressDomain = req.Context.EgressDomain
		if req.Context.DataAccess != nil {
			check.DataTarget = req.Context.DataAccess.Target
		}
	}

	err := g.capabilities.Verify(ctx, check)
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, security.ErrCapabilityNotFound):
		return deny(ReasonCapabilityNotFound, err.Error()), nil
	case errors.Is(err, security.ErrCapabilityRevoked):
		return deny(ReasonCapabilityRevoked, err.Error()), nil
	case errors.Is(err, security.ErrCapabilityExpired):
		return deny(ReasonCapabilityExpired, err.Error()), nil
	case errors.Is(err, security.ErrCapabilityPrincipalMismatch):
		return deny(ReasonCapabilityPrincipalMismatch, err.Error()), nil
	case errors.Is(err, security.ErrCapabilityScopeViolation):
		return deny(ReasonCapabilityScopeViolation, err.Error()), nil
	default:
		return nil, fmt.Errorf("capability check failed: %w", err)
	}
}

// checkRegistry applies the registered action's posture. Every
// escalation is waived by an approved approval that covers the request,
// so an operator decision actually unblocks the action; the waived
// request still passes the remaining layers.
func (g *Gate) checkRegistry(ctx context.Context, req Request, spec ActionSpec, zone envelope.Zone) (*verdict, error) {
	escalate := func(code, reason string) (*verdict, error) {
		covered, err := g.approvalAllows(ctx, req)
		if err != nil {
			return nil, err
		}
		if covered {
			return nil, nil
		}
		return requireApproval(code, reason), nil
	}

	if spec.Irreversible && !zone.AtLeast(envelope.ZoneHighStakes) {
		return escalate(ReasonIrreversibleRequiresApproval,
			fmt.Sprintf("%s is irreversible and zone %s is below high_stakes", req.Action, zone))
	}
	if spec.RequiresPreApproval {
		return escalate(ReasonActionRequiresPreApproval,
			fmt.Sprintf("%s requires pre-approval", req.Action))
	}
	if spec.MinZone != "" && !zone.AtLeast(spec.MinZone) {
		return escalate(ReasonZoneEscalationRequired,
			fmt.Sprintf("%s requires zone %s, request runs in %s", req.Action, spec.MinZone, zone))
	}
	return nil, nil
}

func (g *Gate) checkQuarantine(ctx context.Context, principalID uuid.UUID) (*verdict, error) {
	quarantined, err := g.agents.IsQuarantined(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("quarantine check failed: %w", err)
	}
	if quarantined {
		return deny(ReasonAgentQuarantined, "agent principal is quarantined"), nil
	}
	return nil, nil
}

func (g *Gate) checkQuota(ctx context.Context, principalID uuid.UUID) (*verdict, error) {
	count, err := g.egress.CountLastHour(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("egress quota check failed: %w", err)
	}
	if count >= g.hourlyQuota {
		return deny(ReasonQuotaExceeded,
			fmt.Sprintf("hourly egress quota of %d reached", g.hourlyQuota)), nil
	}
	return nil, nil
}

func (g *Gate) basePolicy(ctx context.Context, req Request, spec ActionSpec, registered bool) (*verdict, error) {
	if req.Action == ActionExternalWrite || (registered && spec.ExternalWrite) {
		if g.killSwitch.Load() {
			return deny(ReasonKillSwitchActive, "kill switch is active for external writes"), nil
		}
		covered, err := g.approvalAllows(ctx, req)
		if err != nil {
			return nil, err
		}
		if covered {
			return allow(ReasonApprovalAllowsAction, "an approved approval covers this action"), nil
		}
		return requireApproval(ReasonExternalWriteRequiresApproval,
			fmt.Sprintf("%s needs an approval in scope", req.Action)), nil
	}

	if (req.Action == ActionDataRead || req.Action == ActionDataWrite) &&
		req.Context != nil && req.Context.DataAccess != nil {
		return dataAccessVerdict(req), nil
	}

	return allow(ReasonDefaultAllow, "no policy layer objected"), nil
}

func dataAccessVerdict(req Request) *verdict {
	da := req.Context.DataAccess
	switch da.Label {
	case LabelPublic, LabelInternal:
		return allow(ReasonDataAccessAllowed, fmt.Sprintf("label %s is unrestricted", da.Label))
	case LabelRestricted:
		if da.RoomID != nil && req.RoomID != nil && *da.RoomID == *req.RoomID {
			return allow(ReasonDataAccessAllowed, "restricted data accessed from its own room")
		}
		return deny(ReasonDataAccessRestrictedRoomMismatch,
			"restricted data may only be accessed from its owning room")
	default: // confidential, sensitive_pii
		if da.PurposeHintMismatch && !da.JustificationProvided {
			return requireApproval(ReasonDataAccessPurposeHintMismatch,
				fmt.Sprintf("%s access with mismatched purpose hint needs a justification or an approval", da.Label))
		}
		return allow(ReasonDataAccessAllowed, fmt.Sprintf("label %s access is consistent with its purpose", da.Label))
	}
}

// approvalAllows reports whether an approved, unexpired approval for the
// requested action matches the request's scope.
func (g *Gate) approvalAllows(ctx context.Context, req Request) (bool, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT scope_type, scope_room_id, scope_run_id
		FROM approvals
		WHERE workspace_id = $1 AND action = $2 AND status = $3
		  AND (expires_at IS NULL OR expires_at > now())`,
		req.WorkspaceID, req.Action, models.ApprovalStatusApproved)
	if err != nil {
		return false, fmt.Errorf("approval lookup failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			scopeType           string
			scopeRoom, scopeRun uuid.NullUUID
		)
		if err := rows.Scan(&scopeType, &scopeRoom, &scopeRun); err != nil {
			return false, err
		}
		if scopeMatches(scopeType, scopeRoom, scopeRun, req) {
			return true, rows.Err()
		}
	}
	return false, rows.Err()
}

// scopeMatches implements approval-scope matching. once and template
// scopes never match here; a scheduler has to promote them first.
func scopeMatches(scopeType string, scopeRoom, scopeRun uuid.NullUUID, req Request) bool {
	switch scopeType {
	case models.ScopeWorkspace:
		return true
	case models.ScopeRoom:
		return scopeRoom.Valid && req.RoomID != nil && scopeRoom.UUID == *req.RoomID
	case models.ScopeRun:
		return scopeRun.Valid && req.RunID != nil && scopeRun.UUID == *req.RunID
	default:
		return false
	}
}

// appendDecisionEvent leaves the non-allow decision on the room stream,
// or the workspace stream when the request has no room.
func (g *Gate) appendDecisionEvent(ctx context.Context, req Request, zone envelope.Zone, result *Result) error {
	eventType := models.EventTypePolicyDenied
	if result.Decision == DecisionRequireApproval {
		eventType = models.EventTypePolicyRequiresApproval
	}

	var ctxRaw json.RawMessage
	if req.Context != nil {
		raw, err := json.Marshal(req.Context)
		if err != nil {
			return fmt.Errorf("failed to marshal request context: %w", err)
		}
		ctxRaw = raw
	}

	streamType, streamID := envelope.StreamWorkspace, req.WorkspaceID
	if req.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, req.RoomID.String()
	}

	env, _, err := g.store.Append(ctx, eventstore.AppendInput{
		EventType:   eventType,
		WorkspaceID: req.WorkspaceID,
		RoomID:      req.RoomID,
		RunID:       req.RunID,
		Actor:       req.Actor,
		Zone:        zone,
		StreamType:  streamType,
		StreamID:    streamID,
		PolicyCtx:   ctxRaw,
		Data: models.PolicyDecisionPayload{
			Action:     req.Action,
			Decision:   string(result.Decision),
			ReasonCode: result.ReasonCode,
			Reason:     result.Reason,
			Blocked:    result.Blocked,
			Context:    ctxRaw,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", eventType, err)
	}
	result.EventID = &env.EventID
	return nil
}

func (g *Gate) recordLearning(ctx context.Context, req Request, result *Result) {
	category := CategoryPolicyDenial
	if result.Decision == DecisionRequireApproval {
		category = CategoryPolicyEscalation
	}
	details, err := json.Marshal(map[string]any{
		"decision": result.Decision,
		"reason":   result.Reason,
		"blocked":  result.Blocked,
	})
	if err != nil {
		details = nil
	}
	g.learning.Record(ctx, models.LearningEntry{
		Category:   category,
		Action:     req.Action,
		ReasonCode: result.ReasonCode,
		ActorID:    req.Actor.ID,
		RoomID:     req.RoomID,
		RunID:      req.RunID,
		Details:    details,
	})
}

func egressDomain(req Request) string {
	if req.Context == nil {
		return ""
	}
	return req.Context.EgressDomain
}

func validateRequest(req *Request) error {
	if req.Action == "" {
		return fmt.Errorf("%w: action is required", ErrInvalidRequest)
	}
	if req.WorkspaceID == "" {
		return fmt.Errorf("%w: workspace_id is required", ErrInvalidRequest)
	}
	if !req.Actor.Kind.Valid() || req.Actor.ID == "" {
		return fmt.Errorf("%w: actor kind and id are required", ErrInvalidRequest)
	}
	if req.Zone != "" && !req.Zone.Valid() {
		return fmt.Errorf("%w: unknown zone %q", ErrInvalidRequest, req.Zone)
	}
	if req.Context != nil && req.Context.DataAccess != nil {
		switch req.Context.DataAccess.Label {
		case LabelPublic, LabelInternal, LabelRestricted, LabelConfidential, LabelSensitivePII:
		default:
			return fmt.Errorf("%w: unknown data access label %q", ErrInvalidRequest, req.Context.DataAccess.Label)
		}
	}
	return nil
}
