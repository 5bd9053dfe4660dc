package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/test/util"
)

func TestAgentService_QuarantineLifecycle(t *testing.T) {
	db := util.SetupTestDatabase(t)
	principals := NewPrincipalStore(db)
	agents := NewAgentService(db)
	ctx := context.Background()

	principalID, _, err := principals.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "rogue"})
	require.NoError(t, err)

	// Unknown to the agents table means not quarantined.
	q, err := agents.IsQuarantined(ctx, principalID)
	require.NoError(t, err)
	assert.False(t, q)

	require.NoError(t, agents.Quarantine(ctx, principalID, "exfiltration attempt"))
	q, err = agents.IsQuarantined(ctx, principalID)
	require.NoError(t, err)
	assert.True(t, q)

	agent, err := agents.Get(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, "exfiltration attempt", agent.QuarantineReason)
	require.NotNil(t, agent.QuarantinedAt)
	assert.WithinDuration(t, time.Now(), *agent.QuarantinedAt, time.Minute)

	require.NoError(t, agents.Release(ctx, principalID))
	q, err = agents.IsQuarantined(ctx, principalID)
	require.NoError(t, err)
	assert.False(t, q)
}

func TestEgressRecorder_Counts(t *testing.T) {
	db := util.SetupTestDatabase(t)
	principals := NewPrincipalStore(db)
	recorder := NewEgressRecorder(db)
	ctx := context.Background()

	principalID, _, err := principals.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "curl"})
	require.NoError(t, err)
	otherID, _, err := principals.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "other"})
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, recorder.Record(ctx, principalID, "net.egress", "example.com"))
	}
	require.NoError(t, recorder.Record(ctx, otherID, "net.egress", "example.com"))

	n, err := recorder.CountLastHour(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Entries older than the window fall out of the count.
	_, err = db.ExecContext(ctx,
		`UPDATE egress_log SET occurred_at = now() - interval '2 hours' WHERE principal_id = $1`,
		principalID)
	require.NoError(t, err)

	n, err = recorder.CountLastHour(ctx, principalID)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
