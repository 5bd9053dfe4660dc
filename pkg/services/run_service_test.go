package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/models"
)

func TestRunService_CreateAndGet(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	run, err := k.runs.Create(ctx, models.CreateRunRequest{Goal: "rotate the credentials", CreatedBy: "max"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusQueued, run.Status)
	assert.Equal(t, "rotate the credentials", run.Goal)
	assert.NotEqual(t, uuid.Nil, run.CorrelationID)
	assert.Nil(t, run.RoomID)
	assert.Nil(t, run.ClaimToken)
	assert.Nil(t, run.StartedAt)

	got, err := k.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = k.runs.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = k.runs.Create(ctx, models.CreateRunRequest{CreatedBy: "max"})
	assert.True(t, IsValidationError(err))

	// A caller-supplied correlation id is preserved.
	corr := uuid.New()
	withCorr, err := k.runs.Create(ctx, models.CreateRunRequest{
		Goal: "linked work", CorrelationID: &corr, CreatedBy: "max",
	})
	require.NoError(t, err)
	assert.Equal(t, corr, withCorr.CorrelationID)
}

func TestRunService_StartRequiresLiveClaim(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	run, err := k.runs.Create(ctx, models.CreateRunRequest{Goal: "investigate", CreatedBy: "max"})
	require.NoError(t, err)

	// No claim at all.
	_, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: uuid.New(), ActorID: "agent-7"})
	assert.ErrorIs(t, err, ErrLeaseLost)

	token := k.claimRun(t, run, "agent-7", time.Hour)

	// Wrong token, then wrong actor.
	_, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: uuid.New(), ActorID: "agent-7"})
	assert.ErrorIs(t, err, ErrLeaseLost)
	_, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: token, ActorID: "agent-9"})
	assert.ErrorIs(t, err, ErrLeaseLost)

	started, err := k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: token, ActorID: "agent-7"})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	// running is not queued; a second start is rejected.
	_, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: token, ActorID: "agent-7"})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRunService_StartRejectsExpiredLease(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	run, err := k.runs.Create(ctx, models.CreateRunRequest{Goal: "investigate", CreatedBy: "max"})
	require.NoError(t, err)
	token := k.claimRun(t, run, "agent-7", -time.Minute)

	_, err = k.runs.Start(ctx, run.ID, models.StartRunRequest{ClaimToken: token, ActorID: "agent-7"})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRunService_ChildOperations(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()
	run, token := k.runningRunFixture(t, "agent-7")

	step, err := k.runs.AddStep(ctx, run.ID, models.AddStepRequest{
		Name: "fetch logs", ClaimToken: token, ActorID: "agent-7",
	})
	require.NoError(t, err)
	assert.Equal(t, run.ID, step.RunID)
	assert.Equal(t, "pending", step.Status)
	assert.Equal(t, run.CorrelationID, step.CorrelationID)

	call, err := k.runs.RecordToolCall(ctx, run.ID, models.RecordToolCallRequest{
		StepID:     &step.ID,
		ToolName:   "loki.query",
		Arguments:  json.RawMessage(`{"range":"1h"}`),
		ClaimToken: token,
		ActorID:    "agent-7",
	})
	require.NoError(t, err)
	require.NotNil(t, call.StepID)
	assert.Equal(t, step.ID, *call.StepID)
	assert.JSONEq(t, `{"range":"1h"}`, string(call.Arguments))
	assert.Equal(t, run.CorrelationID, call.CorrelationID)

	artifact, err := k.runs.AddArtifact(ctx, run.ID, models.AddArtifactRequest{
		StepID:     &step.ID,
		ToolCallID: &call.ID,
		Kind:       "log_bundle",
		URI:        "artifact://logs/1h",
		Digest:     "sha256:abc",
		ClaimToken: token,
		ActorID:    "agent-7",
	})
	require.NoError(t, err)
	assert.Equal(t, run.CorrelationID, artifact.CorrelationID)

	detail, err := k.runs.GetDetail(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Steps, 1)
	assert.Len(t, detail.ToolCalls, 1)
	assert.Len(t, detail.Artifacts, 1)

	// Every run event keeps the run's correlation id and chains causation
	// from the event before it.
	events, err := k.events.List(ctx, eventstore.Filter{RunID: &run.ID})
	require.NoError(t, err)
	require.Len(t, events, 6) // created, claimed, started, step, tool_call, artifact
	for i, env := range events {
		assert.Equal(t, run.CorrelationID, env.CorrelationID, "event %d", i)
		if i == 0 {
			assert.Nil(t, env.CausationID)
			continue
		}
		require.NotNil(t, env.CausationID, "event %d", i)
		assert.Equal(t, events[i-1].EventID, *env.CausationID, "event %d", i)
	}
}

func TestRunService_ChildOperationsRequireRunning(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	run, err := k.runs.Create(ctx, models.CreateRunRequest{Goal: "investigate", CreatedBy: "max"})
	require.NoError(t, err)
	token := k.claimRun(t, run, "agent-7", time.Hour)

	// Claimed but never started.
	_, err = k.runs.AddStep(ctx, run.ID, models.AddStepRequest{
		Name: "too early", ClaimToken: token, ActorID: "agent-7",
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRunService_CompleteRequiresEvidence(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()
	run, token := k.runningRunFixture(t, "agent-7")

	_, err := k.runs.Complete(ctx, run.ID, models.CompleteRunRequest{ClaimToken: token, ActorID: "agent-7"})
	assert.ErrorIs(t, err, ErrEvidenceRequired)

	// The rejected completion changed nothing.
	unchanged, err := k.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, unchanged.Status)

	done, err := k.runs.Complete(ctx, run.ID, models.CompleteRunRequest{
		EvidenceRef: "artifact://summary", ClaimToken: token, ActorID: "agent-7",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSucceeded, done.Status)
	assert.Equal(t, "artifact://summary", done.EvidenceRef)
	require.NotNil(t, done.EndedAt)

	// Terminal runs absorb nothing further.
	_, err = k.runs.AddStep(ctx, run.ID, models.AddStepRequest{
		Name: "late", ClaimToken: token, ActorID: "agent-7",
	})
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = k.runs.Complete(ctx, run.ID, models.CompleteRunRequest{
		EvidenceRef: "artifact://again", ClaimToken: token, ActorID: "agent-7",
	})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRunService_CompleteWithStaleTokenRejected(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()
	run, _ := k.runningRunFixture(t, "agent-7")

	_, err := k.runs.Complete(ctx, run.ID, models.CompleteRunRequest{
		EvidenceRef: "artifact://summary", ClaimToken: uuid.New(), ActorID: "agent-7",
	})
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestRunService_FailRequiresErrorAndEvidence(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()
	run, token := k.runningRunFixture(t, "agent-7")

	_, err := k.runs.Fail(ctx, run.ID, models.FailRunRequest{
		EvidenceRef: "artifact://crash", ClaimToken: token, ActorID: "agent-7",
	})
	assert.True(t, IsValidationError(err))

	_, err = k.runs.Fail(ctx, run.ID, models.FailRunRequest{
		Error: "upstream 503", ClaimToken: token, ActorID: "agent-7",
	})
	assert.ErrorIs(t, err, ErrEvidenceRequired)

	failed, err := k.runs.Fail(ctx, run.ID, models.FailRunRequest{
		Error: "upstream 503", EvidenceRef: "artifact://crash", ClaimToken: token, ActorID: "agent-7",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, failed.Status)
	assert.Equal(t, "upstream 503", failed.Error)
	assert.Equal(t, "artifact://crash", failed.EvidenceRef)
}

func TestRunService_CancelWorksWithoutClaim(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	queued, err := k.runs.Create(ctx, models.CreateRunRequest{Goal: "never mind", CreatedBy: "max"})
	require.NoError(t, err)

	cancelled, err := k.runs.Cancel(ctx, queued.ID, models.CancelRunRequest{
		Reason: "duplicate request", CancelledBy: "max",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.EndedAt)

	_, err = k.runs.Cancel(ctx, queued.ID, models.CancelRunRequest{CancelledBy: "max"})
	assert.ErrorIs(t, err, ErrInvalidState)

	// Cancelling a running run does not need the worker's token.
	running, _ := k.runningRunFixture(t, "agent-7")
	cancelled, err = k.runs.Cancel(ctx, running.ID, models.CancelRunRequest{
		Reason: "operator abort", CancelledBy: "lena",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, cancelled.Status)
}

func TestRunService_ListFilters(t *testing.T) {
	k := newTestKit(t)
	ctx := context.Background()

	room, err := k.rooms.CreateRoom(ctx, models.CreateRoomRequest{Title: "ops", CreatedBy: "max"})
	require.NoError(t, err)

	inRoom, err := k.runs.Create(ctx, models.CreateRunRequest{RoomID: &room.ID, Goal: "a", CreatedBy: "max"})
	require.NoError(t, err)
	_, err = k.runs.Create(ctx, models.CreateRunRequest{Goal: "b", CreatedBy: "max"})
	require.NoError(t, err)

	all, err := k.runs.List(ctx, models.RunFilters{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	queued, err := k.runs.List(ctx, models.RunFilters{Status: models.RunStatusQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	roomRuns, err := k.runs.List(ctx, models.RunFilters{RoomID: &room.ID})
	require.NoError(t, err)
	require.Len(t, roomRuns, 1)
	assert.Equal(t, inRoom.ID, roomRuns[0].ID)

	none, err := k.runs.List(ctx, models.RunFilters{Status: models.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}
