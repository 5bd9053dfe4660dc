package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/api"
	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
	"github.com/latchwork/latch/pkg/policy"
)

// do performs one HTTP call and decodes the JSON response into out when
// out is non-nil. Returns the status code.
func (k *TestKernel) do(t *testing.T, method, path string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, k.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := k.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil && len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, out), "response body: %s", data)
	}
	return resp.StatusCode
}

// post issues a POST and requires the expected status.
func (k *TestKernel) post(t *testing.T, path string, body, out any, wantStatus int) {
	t.Helper()
	status := k.do(t, http.MethodPost, path, body, out)
	require.Equal(t, wantStatus, status, "POST %s", path)
}

// get issues a GET and requires the expected status.
func (k *TestKernel) get(t *testing.T, path string, out any, wantStatus int) {
	t.Helper()
	status := k.do(t, http.MethodGet, path, nil, out)
	require.Equal(t, wantStatus, status, "GET %s", path)
}

// CreateRoom creates a room and returns its projection row.
func (k *TestKernel) CreateRoom(t *testing.T, title string) *models.Room {
	t.Helper()
	var out api.RoomResponse
	k.post(t, "/v1/rooms",
		models.CreateRoomRequest{Title: title, CreatedBy: "e2e"}, &out, http.StatusCreated)
	return out.Room
}

// CreateThread creates a thread in a room.
func (k *TestKernel) CreateThread(t *testing.T, roomID uuid.UUID, title string) *models.Thread {
	t.Helper()
	var out api.ThreadResponse
	k.post(t, fmt.Sprintf("/v1/rooms/%s/threads", roomID),
		models.CreateThreadRequest{Title: title, CreatedBy: "e2e"}, &out, http.StatusCreated)
	return out.Thread
}

// PostMessage posts to a thread and returns the response together with
// the status code, so callers can distinguish 201 from an idempotent 200.
func (k *TestKernel) PostMessage(t *testing.T, threadID uuid.UUID, req models.CreateMessageRequest) (api.MessageResponse, int) {
	t.Helper()
	var out api.MessageResponse
	status := k.do(t, http.MethodPost, fmt.Sprintf("/v1/threads/%s/messages", threadID), req, &out)
	return out, status
}

// CreateRun enqueues a run.
func (k *TestKernel) CreateRun(t *testing.T, goal string, roomID *uuid.UUID) *models.Run {
	t.Helper()
	var out api.RunResponse
	k.post(t, "/v1/runs",
		models.CreateRunRequest{Goal: goal, RoomID: roomID, CreatedBy: "e2e"}, &out, http.StatusCreated)
	return out.Run
}

// Claim claims up to limit runs for actorID. An empty grant is a valid
// result, not an error.
func (k *TestKernel) Claim(t *testing.T, actorID string, limit int) []models.ClaimedRun {
	t.Helper()
	var out api.ClaimResponse
	k.post(t, "/v1/runs/claim",
		models.ClaimRequest{ActorID: actorID, BatchLimit: limit}, &out, http.StatusOK)
	return out.Claims
}

// ClaimOne claims for actorID and requires exactly one grant.
func (k *TestKernel) ClaimOne(t *testing.T, actorID string) models.ClaimedRun {
	t.Helper()
	claims := k.Claim(t, actorID, 1)
	require.Len(t, claims, 1, "expected one claim for %s", actorID)
	return claims[0]
}

// GetRun fetches a run with its steps, tool calls, and artifacts.
func (k *TestKernel) GetRun(t *testing.T, runID uuid.UUID) *models.RunDetail {
	t.Helper()
	var out api.RunDetailResponse
	k.get(t, fmt.Sprintf("/v1/runs/%s", runID), &out, http.StatusOK)
	return out.RunDetail
}

// Evaluate submits a request to the policy gate. The gate always answers
// 200; the decision object says whether the action may proceed.
func (k *TestKernel) Evaluate(t *testing.T, req policy.Request) *policy.Result {
	t.Helper()
	var out api.DecisionResponse
	k.post(t, "/v1/policy/evaluate", req, &out, http.StatusOK)
	return out.Result
}

// CreateApproval requests an approval.
func (k *TestKernel) CreateApproval(t *testing.T, req models.CreateApprovalRequest) *models.Approval {
	t.Helper()
	var out api.ApprovalResponse
	k.post(t, "/v1/approvals", req, &out, http.StatusCreated)
	return out.Approval
}

// DecideApproval records an operator decision on an approval.
func (k *TestKernel) DecideApproval(t *testing.T, approvalID uuid.UUID, outcome, decidedBy string) *models.Approval {
	t.Helper()
	var out api.ApprovalResponse
	k.post(t, fmt.Sprintf("/v1/approvals/%s/decide", approvalID),
		models.DecideApprovalRequest{Outcome: outcome, DecidedBy: decidedBy}, &out, http.StatusOK)
	return out.Approval
}

// Events lists events matching the raw query string, in stream order.
func (k *TestKernel) Events(t *testing.T, query string) []*envelope.Envelope {
	t.Helper()
	var out api.EventListResponse
	k.get(t, "/v1/events?"+query, &out, http.StatusOK)
	return out.Events
}

// RunHistory returns every event of one run across its streams.
func (k *TestKernel) RunHistory(t *testing.T, runID uuid.UUID) []*envelope.Envelope {
	t.Helper()
	return k.Events(t, "run_id="+runID.String())
}

// EventTypes projects envelopes to their event_type strings, preserving
// order, for compact history assertions.
func EventTypes(events []*envelope.Envelope) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

// VerifyStream runs the chain verification endpoint for one stream.
func (k *TestKernel) VerifyStream(t *testing.T, streamType envelope.StreamType, streamID string) *api.VerifyResponse {
	t.Helper()
	var out api.VerifyResponse
	k.get(t, fmt.Sprintf("/v1/streams/%s/%s/verify", streamType, streamID), &out, http.StatusOK)
	return &out
}

// WaitForRunStatus polls the run until it reaches one of the expected
// statuses and returns the status it landed on.
func (k *TestKernel) WaitForRunStatus(t *testing.T, runID uuid.UUID, expected ...string) string {
	t.Helper()
	var actual string
	require.Eventually(t, func() bool {
		detail := k.GetRun(t, runID)
		actual = detail.Run.Status
		for _, exp := range expected {
			if actual == exp {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond,
		"run %s did not reach status %v (last: %s)", runID, expected, actual)
	return actual
}
