package services

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
	"github.com/latchwork/latch/test/util"
)

const testWorkspace = "ws-local"

// testKit wires the real kernel under the services: append path with the
// projection engine applying inside the transaction, so what a service
// reads back is what the projectors wrote.
type testKit struct {
	db        *sql.DB
	store     *eventstore.Store
	rooms     *RoomService
	approvals *ApprovalService
	runs      *RunService
	events    *EventService
	system    *SystemService
}

func newTestKit(t *testing.T) *testKit {
	t.Helper()
	db := util.SetupTestDatabase(t)
	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	store := eventstore.NewStore(db, security.NewPrincipalStore(db), nil, engine)
	return &testKit{
		db:        db,
		store:     store,
		rooms:     NewRoomService(db, store, testWorkspace),
		approvals: NewApprovalService(db, store, testWorkspace),
		runs:      NewRunService(db, store, testWorkspace),
		events:    NewEventService(store),
		system:    NewSystemService(db, testWorkspace),
	}
}

// claimRun grants a claim the way the coordinator does: by appending
// run.claimed and letting the projector set the lease columns.
func (k *testKit) claimRun(t *testing.T, run *models.Run, actorID string, ttl time.Duration) uuid.UUID {
	t.Helper()
	token := uuid.New()
	now := time.Now().UTC().Truncate(time.Millisecond)

	streamType, streamID := envelope.StreamWorkspace, testWorkspace
	if run.RoomID != nil {
		streamType, streamID = envelope.StreamRoom, run.RoomID.String()
	}
	_, _, err := k.store.Append(context.Background(), eventstore.AppendInput{
		EventType:     models.EventTypeRunClaimed,
		WorkspaceID:   run.WorkspaceID,
		RoomID:        run.RoomID,
		RunID:         &run.ID,
		Actor:         envelope.Actor{Kind: envelope.ActorAgent, ID: actorID},
		StreamType:    streamType,
		StreamID:      streamID,
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

// runningRunFixture creates a room-scoped run, claims it, and starts it.
func (k *testKit) runningRunFixture(t *testing.T, actorID string) (*models.Run, uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	room, err := k.rooms.CreateRoom(ctx, models.CreateRoomRequest{Title: "ops", CreatedBy: "max"})
	require.NoError(t, err)

	run, err := k.runs.Create(ctx, models.CreateRunRequest{
		RoomID:    &room.ID,
		Goal:      "summarize the incident",
		CreatedBy: "max",
	})
	require.NoError(t, err)

	token := k.claimRun(t, run, actorID, time.Hour)
	run, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: token, ActorID: actorID})
	require.NoError(t, err)
	require.Equal(t, models.RunStatusRunning, run.Status)
	return run, token
}
