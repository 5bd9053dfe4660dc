package security

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/test/util"
)

func TestPrincipalStore_Resolve(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := NewPrincipalStore(db)
	ctx := context.Background()

	id1, zone1, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, envelope.ZoneSupervised, zone1)

	// Same actor resolves to the same principal.
	id2, _, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	// Different actor id, different principal.
	id3, _, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "agent-2"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)

	// Same id under a different kind is a distinct principal.
	id4, _, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorUser, ID: "agent-1"})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id4)

	p, err := store.GetByActor(ctx, envelope.ActorAgent, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, id1, p.ID)
	assert.Equal(t, "supervised", p.DefaultZone)
}

func TestPrincipalStore_SetDefaultZone(t *testing.T) {
	db := util.SetupTestDatabase(t)
	store := NewPrincipalStore(db)
	ctx := context.Background()

	id, _, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "promoted"})
	require.NoError(t, err)

	require.NoError(t, store.SetDefaultZone(ctx, id, envelope.ZoneHighStakes))

	// Resolve reflects the promotion.
	_, zone, err := store.Resolve(ctx, envelope.Actor{Kind: envelope.ActorAgent, ID: "promoted"})
	require.NoError(t, err)
	assert.Equal(t, envelope.ZoneHighStakes, zone)

	err = store.SetDefaultZone(ctx, id, envelope.Zone("bogus"))
	assert.Error(t, err)
}
