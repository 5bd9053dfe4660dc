package queue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/projection"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/pkg/services"
	"github.com/latchwork/latch/test/util"
)

const testWorkspace = "ws-local"

// harness wires the coordinator over the real append path so claims,
// heartbeats, and sweeps exercise the projectors they depend on.
type harness struct {
	db    *sql.DB
	store *eventstore.Store
	runs  *services.RunService
	coord *Coordinator
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db := util.SetupTestDatabase(t)
	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	store := eventstore.NewStore(db, security.NewPrincipalStore(db), nil, engine)
	return &harness{
		db:    db,
		store: store,
		runs:  services.NewRunService(db, store, testWorkspace),
		coord: NewCoordinator(db, store, cfg),
	}
}

// queuedRun creates a workspace-scoped queued run.
func (h *harness) queuedRun(t *testing.T, goal string) *models.Run {
	t.Helper()
	run, err := h.runs.Create(context.Background(), models.CreateRunRequest{
		Goal:      goal,
		CreatedBy: "max",
	})
	require.NoError(t, err)
	return run
}

// runningRun creates a run, claims it out of band, and starts it.
func (h *harness) runningRun(t *testing.T, actorID string) (*models.Run, uuid.UUID) {
	t.Helper()
	run := h.queuedRun(t, "summarize the incident")
	token := h.grantClaim(t, run, actorID, time.Hour)
	run, err := h.runs.Start(context.Background(), run.ID, models.StartRunRequest{
		ClaimToken: token,
		ActorID:    actorID,
	})
	require.NoError(t, err)
	return run, token
}

// grantClaim appends run.claimed directly, bypassing the coordinator, so
// tests can hand out leases with arbitrary expiries.
func (h *harness) grantClaim(t *testing.T, run *models.Run, actorID string, ttl time.Duration) uuid.UUID {
	t.Helper()
	token := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)
	_, _, err := h.store.Append(context.Background(), eventstore.AppendInput{
		EventType:     models.EventTypeRunClaimed,
		WorkspaceID:   run.WorkspaceID,
		RunID:         &run.ID,
		Actor:         envelope.Actor{Kind: envelope.ActorAgent, ID: actorID},
		StreamType:    envelope.StreamWorkspace,
		StreamID:      run.WorkspaceID,
		CorrelationID: run.CorrelationID,
		CausationID:   run.LastEventID,
		Data: models.RunClaimedPayload{
			ClaimToken:     token,
			ClaimedBy:      actorID,
			ClaimedAt:      now,
			LeaseExpiresAt: now.Add(ttl),
		},
	})
	require.NoError(t, err)
	return token
}

func (h *harness) getRun(t *testing.T, id uuid.UUID) *models.Run {
	t.Helper()
	run, err := h.runs.Get(context.Background(), id)
	require.NoError(t, err)
	return run
}

// runEvents returns the run's events in stream order.
func (h *harness) runEvents(t *testing.T, runID uuid.UUID) []*envelope.Envelope {
	t.Helper()
	envs, err := h.store.List(context.Background(), eventstore.Filter{RunID: &runID})
	require.NoError(t, err)
	return envs
}

// exec runs raw SQL against the projection, used to backdate rows so
// tests do not have to wait out real lease and timeout windows.
func (h *harness) exec(t *testing.T, query string, args ...any) {
	t.Helper()
	_, err := h.db.ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
}
