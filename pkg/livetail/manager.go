// Package livetail delivers room-stream events to live subscribers with
// exactly-once ordered resume. Each subscription owns a cursor into the
// room stream; a pump goroutine reads rows past the cursor from the
// store and forwards them, so delivery order is stream_seq order by
// construction, and reconnecting with the last received sequence resumes
// without loss or duplication. NOTIFY only schedules pump reads.
package livetail

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/eventstore"
)

// Pump tuning defaults.
const (
	DefaultBuffer       = 64
	DefaultSendTimeout  = 5 * time.Second
	DefaultPollInterval = 5 * time.Second

	// pumpBatch is the per-read row cap. A full batch means more rows
	// are probably waiting, so the pump reads again before sleeping.
	pumpBatch = 200

	// listenTimeout bounds the synchronous LISTEN issued for a room's
	// first subscriber.
	listenTimeout = 10 * time.Second
)

// ErrSlowConsumer ends subscriptions whose consumer stays behind the
// pump for longer than the send timeout.
var ErrSlowConsumer = errors.New("subscriber fell behind the stream")

// StreamReader is the slice of the event store the tail needs.
type StreamReader interface {
	ReadStream(ctx context.Context, streamType envelope.StreamType, streamID string, fromSeq int64, limit int) ([]*envelope.Envelope, error)
}

// Config tunes subscription pumps.
type Config struct {
	// Buffer is the per-subscriber channel capacity.
	Buffer int
	// SendTimeout is how long a pump waits on a full buffer before
	// cutting the consumer off with ErrSlowConsumer.
	SendTimeout time.Duration
	// PollInterval bounds how long a pump sleeps without a wakeup.
	// It covers notifications lost across listener reconnects; the
	// pump never depends on NOTIFY for correctness, only latency.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Buffer <= 0 {
		c.Buffer = DefaultBuffer
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

// Manager tracks room subscriptions and routes listener wakeups to their
// pumps. One Manager per process.
type Manager struct {
	store StreamReader
	cfg   Config

	listenerMu sync.RWMutex
	listener   *Listener

	mu    sync.Mutex
	rooms map[string]map[*Subscription]struct{}
}

// NewManager creates a Manager over the store. Zero config fields fall
// back to the package defaults.
func NewManager(store StreamReader, cfg Config) *Manager {
	return &Manager{
		store: store,
		cfg:   cfg.withDefaults(),
		rooms: make(map[string]map[*Subscription]struct{}),
	}
}

// SetListener wires the NOTIFY listener. Called once during startup;
// without a listener, tails run on the poll interval alone.
func (m *Manager) SetListener(l *Listener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// ActiveSubscriptions returns the number of open tails.
func (m *Manager) ActiveSubscriptions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.rooms {
		n += len(set)
	}
	return n
}

// Subscribe opens a tail over a room stream that emits every event with
// stream_seq > fromSeq and keeps following the stream. The caller must
// Close the subscription when done with it.
func (m *Manager) Subscribe(ctx context.Context, roomID string, fromSeq int64) *Subscription {
	s := &Subscription{
		manager: m,
		roomID:  roomID,
		cursor:  fromSeq,
		events:  make(chan *envelope.Envelope, m.cfg.Buffer),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	set, exists := m.rooms[roomID]
	if !exists {
		set = make(map[*Subscription]struct{})
		m.rooms[roomID] = set
	}
	set[s] = struct{}{}
	m.mu.Unlock()

	// LISTEN before the pump's first read, so an append landing during
	// catchup still produces a wakeup. A failed LISTEN degrades the
	// tail to poll latency; the cursor keeps delivery complete.
	if !exists {
		m.listen(ctx, roomID)
	}

	go s.pump()
	return s
}

func (m *Manager) listen(ctx context.Context, roomID string) {
	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}

	listenCtx, cancel := context.WithTimeout(ctx, listenTimeout)
	defer cancel()
	if err := l.Listen(listenCtx, eventstore.RoomChannel(roomID)); err != nil {
		slog.Error("LISTEN failed, tail degraded to polling", "room_id", roomID, "error", err)
	}
}

// remove drops a subscription from its room and stops LISTEN when the
// last subscriber leaves.
func (m *Manager) remove(s *Subscription) {
	m.mu.Lock()
	last := false
	if set, ok := m.rooms[s.roomID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(m.rooms, s.roomID)
			last = true
		}
	}
	m.mu.Unlock()
	if !last {
		return
	}

	m.listenerMu.RLock()
	l := m.listener
	m.listenerMu.RUnlock()
	if l == nil {
		return
	}

	// Re-check before UNLISTEN: a rapid close/resubscribe cycle would
	// otherwise drop the LISTEN the new subscriber counts on.
	go func() {
		m.mu.Lock()
		_, resubscribed := m.rooms[s.roomID]
		m.mu.Unlock()
		if resubscribed {
			return
		}
		if err := l.Unlisten(context.Background(), eventstore.RoomChannel(s.roomID)); err != nil {
			slog.Error("UNLISTEN failed", "room_id", s.roomID, "error", err)
		}
	}()
}

// Wake schedules a pump pass for every subscriber of the notified room.
// The payload is routing-only and not trusted for event data.
func (m *Manager) Wake(channel string, _ []byte) {
	roomID, ok := eventstore.RoomFromChannel(channel)
	if !ok {
		return
	}
	m.mu.Lock()
	for s := range m.rooms[roomID] {
		s.notify()
	}
	m.mu.Unlock()
}

// WakeAll schedules a pump pass for every subscriber.
func (m *Manager) WakeAll() {
	m.mu.Lock()
	for _, set := range m.rooms {
		for s := range set {
			s.notify()
		}
	}
	m.mu.Unlock()
}

// Subscription is one live tail over a room stream. Events() yields
// envelopes in stream_seq order and closes when the tail ends; after the
// close, Err() distinguishes a slow-consumer cutoff from a normal Close.
type Subscription struct {
	manager *Manager
	roomID  string
	cursor  int64 // pump-owned: seq of the last event handed to the buffer

	events    chan *envelope.Envelope
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// Events returns the subscription's delivery channel.
func (s *Subscription) Events() <-chan *envelope.Envelope { return s.events }

// RoomID returns the subscribed room.
func (s *Subscription) RoomID() string { return s.roomID }

// Err returns why the tail ended, or nil after a plain Close. Valid once
// Events() is closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription and releases its room registration. Safe
// to call from any goroutine, more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.manager.remove(s)
	})
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.Close()
}

// notify coalesces wakeups; one pending wakeup is enough because the
// pump drains everything past its cursor on each pass.
func (s *Subscription) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the store to the buffer until the subscription
// ends. It is the only goroutine that reads the stream or advances the
// cursor, which is what makes delivery exactly-once and ordered.
func (s *Subscription) pump() {
	defer close(s.events)
	ctx := context.Background()

	for {
		batch, err := s.manager.store.ReadStream(ctx, envelope.StreamRoom, s.roomID, s.cursor+1, pumpBatch)
		if err != nil {
			slog.Error("Live tail read failed", "room_id", s.roomID, "error", err)
		}
		for _, env := range batch {
			if !s.deliver(env) {
				return
			}
			s.cursor = env.StreamSeq
		}
		if err == nil && len(batch) == pumpBatch {
			continue
		}

		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-time.After(s.manager.cfg.PollInterval):
		}
	}
}

// deliver hands env to the consumer, honoring the slow-consumer bound.
// Returns false when the subscription is over.
func (s *Subscription) deliver(env *envelope.Envelope) bool {
	select {
	case s.events <- env:
		return true
	case <-s.done:
		return false
	default:
	}

	// Buffer full: grant one grace period, then cut the consumer off.
	// Whatever is already buffered still reaches it before the channel
	// closes, so its last received sequence is a valid resume cursor.
	timer := time.NewTimer(s.manager.cfg.SendTimeout)
	defer timer.Stop()
	select {
	case s.events <- env:
		return true
	case <-s.done:
		return false
	case <-timer.C:
		s.fail(ErrSlowConsumer)
		return false
	}
}
