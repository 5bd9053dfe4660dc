package livetail

import (
	"context"
	"database/sql"
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
	"github.com/latchwork/latch/pkg/services"
	"github.com/latchwork/latch/test/util"
)

const testWorkspace = "ws-local"

type tailKit struct {
	db    *sql.DB
	store *eventstore.Store
	rooms *services.RoomService
	mgr   *Manager
}

func newTailKit(t *testing.T, cfg Config) *tailKit {
	t.Helper()
	db := util.SetupTestDatabase(t)
	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	store := eventstore.NewStore(db, security.NewPrincipalStore(db), nil, engine)
	return &tailKit{
		db:    db,
		store: store,
		rooms: services.NewRoomService(db, store, testWorkspace),
		mgr:   NewManager(store, cfg),
	}
}

// startListener connects a real NOTIFY listener to the manager. LISTEN
// channels are database-global, so the base connection string works even
// though the test writes into its own schema.
func (k *tailKit) startListener(t *testing.T) {
	t.Helper()
	l := NewListener(util.GetBaseConnectionString(t), k.mgr)
	k.mgr.SetListener(l)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { l.Stop(context.Background()) })
}

// roomWithThread seeds a room stream with room.created and thread.created.
func (k *tailKit) roomWithThread(t *testing.T) (*models.Room, *models.Thread) {
	t.Helper()
	ctx := context.Background()
	room, err := k.rooms.CreateRoom(ctx, models.CreateRoomRequest{Title: "ops", CreatedBy: "max"})
	require.NoError(t, err)
	thread, err := k.rooms.CreateThread(ctx, room.ID, models.CreateThreadRequest{Title: "triage", CreatedBy: "max"})
	require.NoError(t, err)
	return room, thread
}

func (k *tailKit) post(t *testing.T, threadID uuid.UUID, content string) {
	t.Helper()
	_, _, err := k.rooms.PostMessage(context.Background(), threadID, models.CreateMessageRequest{
		AuthorKind: "user",
		AuthorID:   "max",
		Content:    content,
	})
	require.NoError(t, err)
}

func receiveEvent(t *testing.T, sub *Subscription, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.Events():
		require.True(t, ok, "subscription ended early")
		return env
	case <-time.After(timeout):
		t.Fatal("timed out waiting for tail event")
		return nil
	}
}

func TestManager_CatchupDeliversBacklogInOrder(t *testing.T) {
	k := newTailKit(t, Config{PollInterval: time.Minute})
	room, thread := k.roomWithThread(t)
	k.post(t, thread.ID, "first")
	k.post(t, thread.ID, "second")

	sub := k.mgr.Subscribe(context.Background(), room.ID.String(), 0)
	defer sub.Close()

	wantTypes := []string{
		models.EventTypeRoomCreated,
		models.EventTypeThreadCreated,
		models.EventTypeMessageCreated,
		models.EventTypeMessageCreated,
	}
	for i, want := range wantTypes {
		env := receiveEvent(t, sub, 5*time.Second)
		assert.Equal(t, int64(i+1), env.StreamSeq)
		assert.Equal(t, want, env.EventType)
	}

	sub.Close()
	assert.Nil(t, sub.Err())
	assert.Equal(t, 0, k.mgr.ActiveSubscriptions())
}

func TestManager_ResumeSkipsDeliveredEvents(t *testing.T) {
	k := newTailKit(t, Config{PollInterval: time.Minute})
	room, thread := k.roomWithThread(t)
	k.post(t, thread.ID, "first")
	k.post(t, thread.ID, "second")

	sub := k.mgr.Subscribe(context.Background(), room.ID.String(), 2)
	defer sub.Close()

	env := receiveEvent(t, sub, 5*time.Second)
	assert.Equal(t, int64(3), env.StreamSeq, "resume emits strictly after from_seq")
	env = receiveEvent(t, sub, 5*time.Second)
	assert.Equal(t, int64(4), env.StreamSeq)
}

func TestManager_LiveDeliveryViaNotify(t *testing.T) {
	// Long poll interval so delivery inside the timeout can only come
	// from the NOTIFY wakeup path.
	k := newTailKit(t, Config{PollInterval: time.Minute})
	k.startListener(t)
	room, thread := k.roomWithThread(t)

	sub := k.mgr.Subscribe(context.Background(), room.ID.String(), 2)
	defer sub.Close()

	k.post(t, thread.ID, "live one")
	env := receiveEvent(t, sub, 5*time.Second)
	assert.Equal(t, int64(3), env.StreamSeq)
	assert.Equal(t, models.EventTypeMessageCreated, env.EventType)

	k.post(t, thread.ID, "live two")
	env = receiveEvent(t, sub, 5*time.Second)
	assert.Equal(t, int64(4), env.StreamSeq)
}

func TestManager_ReconnectResumeIsExactlyOnce(t *testing.T) {
	k := newTailKit(t, Config{PollInterval: time.Minute})
	room, thread := k.roomWithThread(t)
	k.post(t, thread.ID, "first")
	k.post(t, thread.ID, "second")

	var seqs []int64

	sub := k.mgr.Subscribe(context.Background(), room.ID.String(), 0)
	for range 2 {
		seqs = append(seqs, receiveEvent(t, sub, 5*time.Second).StreamSeq)
	}
	sub.Close()

	// The client reconnects with the last sequence it saw.
	sub = k.mgr.Subscribe(context.Background(), room.ID.String(), seqs[len(seqs)-1])
	defer sub.Close()
	for range 2 {
		seqs = append(seqs, receiveEvent(t, sub, 5*time.Second).StreamSeq)
	}

	assert.Equal(t, []int64{1, 2, 3, 4}, seqs, "no gaps, no duplicates across the reconnect")
}

func TestManager_SlowConsumerIsCutOff(t *testing.T) {
	k := newTailKit(t, Config{Buffer: 2, SendTimeout: 50 * time.Millisecond, PollInterval: time.Minute})
	room, thread := k.roomWithThread(t)
	for _, content := range []string{"one", "two", "three", "four"} {
		k.post(t, thread.ID, content)
	}

	// Six events against a buffer of two, and no consumer draining.
	sub := k.mgr.Subscribe(context.Background(), room.ID.String(), 0)

	require.Eventually(t, func() bool {
		return sub.Err() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sub.Err(), ErrSlowConsumer)

	// The buffered prefix still arrives in order, then the channel ends.
	var delivered []int64
	for env := range sub.Events() {
		delivered = append(delivered, env.StreamSeq)
	}
	assert.Equal(t, []int64{1, 2}, delivered)

	// The last delivered sequence is a valid resume cursor.
	resume := k.mgr.Subscribe(context.Background(), room.ID.String(), delivered[len(delivered)-1])
	defer resume.Close()
	for want := int64(3); want <= 6; want++ {
		assert.Equal(t, want, receiveEvent(t, resume, 5*time.Second).StreamSeq)
	}
}

func TestListener_ListenUnlistenIdempotent(t *testing.T) {
	k := newTailKit(t, Config{})
	k.startListener(t)
	ctx := context.Background()

	l := NewListener(util.GetBaseConnectionString(t), k.mgr)
	require.NoError(t, l.Start(ctx))
	defer l.Stop(ctx)

	channel := eventstore.RoomChannel(uuid.NewString())
	require.NoError(t, l.Listen(ctx, channel))
	require.NoError(t, l.Listen(ctx, channel))
	require.NoError(t, l.Unlisten(ctx, channel))
	require.NoError(t, l.Unlisten(ctx, channel))
}
