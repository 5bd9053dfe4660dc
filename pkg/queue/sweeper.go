package queue

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// Sweeper defaults.
const (
	DefaultSweepInterval = 30 * time.Second
	DefaultRunTimeout    = time.Hour

	sweepBatchSize = 100
)

// sweeperActor authors the events the sweeps append.
var sweeperActor = envelope.Actor{Kind: envelope.ActorService, ID: "latchd"}

// SweeperConfig tunes the background sweeps.
type SweeperConfig struct {
	// Interval between sweep passes. Each wait is jittered so multiple
	// daemons sharing a database do not sweep in lockstep.
	Interval time.Duration
	// Jitter half-width applied to Interval. Defaults to Interval / 5.
	Jitter time.Duration
	// RunTimeout bounds how long a run may stay running before the sweep
	// times it out. Zero or negative disables the timeout sweep.
	RunTimeout time.Duration
}

func (c SweeperConfig) withDefaults() SweeperConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultSweepInterval
	}
	if c.Jitter <= 0 {
		c.Jitter = c.Interval / 5
	}
	return c
}

// Sweeper reclaims lapsed leases and times out overlong runs in the
// background. All daemons run it independently; row locks with SKIP
// LOCKED make the passes idempotent under concurrency.
type Sweeper struct {
	coord    *Coordinator
	cfg      SweeperConfig
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger

	// Sweep metrics (thread-safe).
	mu              sync.Mutex
	lastSweep       time.Time
	leasesReclaimed int
	runsTimedOut    int
}

// SweeperStats is a snapshot of sweep activity.
type SweeperStats struct {
	LastSweep       time.Time `json:"last_sweep"`
	LeasesReclaimed int       `json:"leases_reclaimed"`
	RunsTimedOut    int       `json:"runs_timed_out"`
}

// NewSweeper creates a Sweeper over the coordinator's store and lease
// configuration.
func NewSweeper(coord *Coordinator, cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		coord:  coord,
		cfg:    cfg.withDefaults(),
		stopCh: make(chan struct{}),
		logger: slog.With("component", "sweeper"),
	}
}

// Start begins the periodic sweep loop in a goroutine. Callers that want
// crashed state reclaimed before serving traffic run SweepOnce first.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it. Safe to call twice.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Stats returns a snapshot of sweep activity.
func (s *Sweeper) Stats() SweeperStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SweeperStats{
		LastSweep:       s.lastSweep,
		LeasesReclaimed: s.leasesReclaimed,
		RunsTimedOut:    s.runsTimedOut,
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer s.wg.Done()
	s.logger.Info("Sweeper started", "interval", s.cfg.Interval, "run_timeout", s.cfg.RunTimeout)

	for {
		select {
		case <-s.stopCh:
			s.logger.Info("Sweeper shutting down")
			return
		case <-ctx.Done():
			s.logger.Info("Context cancelled, sweeper shutting down")
			return
		case <-time.After(s.interval()):
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("Sweep failed", "error", err)
			}
		}
	}
}

// interval returns the sweep period with jitter in [base-j, base+j].
func (s *Sweeper) interval() time.Duration {
	base, jitter := s.cfg.Interval, s.cfg.Jitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// SweepOnce runs a single pass: first time out overlong runs, then
// reclaim lapsed leases. Timeouts go first so a run that outlived
// RunTimeout terminates instead of being requeued by the lease sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	timedOut, err := s.sweepTimeouts(ctx)
	if err != nil {
		return err
	}
	reclaimed, err := s.sweepExpiredLeases(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSweep = time.Now()
	s.leasesReclaimed += reclaimed
	s.runsTimedOut += timedOut
	s.mu.Unlock()

	if reclaimed > 0 || timedOut > 0 {
		s.logger.Warn("Sweep reclaimed work", "leases_reclaimed", reclaimed, "runs_timed_out", timedOut)
	}
	return nil
}

// sweepExpiredLeases appends run.lease_expired for every claim whose
// lease lapsed or whose claim outlived MaxClaimAge. The projector clears
// the claim columns and requeues the run. Terminal runs are skipped: a
// worker that finished the run but crashed before releasing leaves a
// custody record, and that record is inert.
func (s *Sweeper) sweepExpiredLeases(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := s.sweepLeaseBatch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n < sweepBatchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) sweepLeaseBatch(ctx context.Context) (int, error) {
	tx, err := s.coord.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start lease sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, workspace_id, room_id, correlation_id, last_event_id,
		       claimed_by_actor_id, lease_expires_at
		FROM runs
		WHERE claim_token IS NOT NULL
		  AND status NOT IN ('succeeded', 'failed', 'cancelled', 'timed_out')
		  AND (lease_expires_at < $1 OR claimed_at < $2)
		ORDER BY lease_expires_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		now, now.Add(-s.coord.cfg.MaxClaimAge), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select lapsed leases: %w", err)
	}

	type lapsed struct {
		target    claimTarget
		claimedBy string
		expiresAt time.Time
	}
	var batch []lapsed
	for rows.Next() {
		var (
			l         lapsed
			claimedBy sql.NullString
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&l.target.id, &l.target.workspaceID, &l.target.roomID,
			&l.target.correlationID, &l.target.lastEventID, &claimedBy, &expiresAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan lapsed lease: %w", err)
		}
		l.claimedBy = claimedBy.String
		l.expiresAt = expiresAt.Time
		batch = append(batch, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read lapsed leases: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, l := range batch {
		cause := "lease_expired"
		if !l.expiresAt.Before(now) {
			cause = "max_claim_age"
		}
		in := runEvent(l.target, sweeperActor, models.EventTypeRunLeaseExpired,
			models.RunLeaseExpiredPayload{PreviousClaimedBy: l.claimedBy, Cause: cause})
		if _, _, err := s.coord.store.AppendInTx(ctx, tx, in); err != nil {
			return 0, fmt.Errorf("failed to append run.lease_expired for %s: %w", l.target.id, err)
		}
		s.logger.Warn("Lease reclaimed",
			"run_id", l.target.id, "previous_actor", l.claimedBy, "cause", cause)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit lease sweep: %w", err)
	}
	return len(batch), nil
}

// sweepTimeouts appends run.timed_out for runs that have been running
// longer than RunTimeout.
func (s *Sweeper) sweepTimeouts(ctx context.Context) (int, error) {
	if s.cfg.RunTimeout <= 0 {
		return 0, nil
	}
	total := 0
	for {
		n, err := s.sweepTimeoutBatch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n < sweepBatchSize {
			return total, nil
		}
	}
}

func (s *Sweeper) sweepTimeoutBatch(ctx context.Context) (int, error) {
	tx, err := s.coord.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start timeout sweep: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, workspace_id, room_id, correlation_id, last_event_id, started_at
		FROM runs
		WHERE status = $1 AND started_at < $2
		ORDER BY started_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		models.RunStatusRunning, now.Add(-s.cfg.RunTimeout), sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to select overlong runs: %w", err)
	}

	type overlong struct {
		target       claimTarget
		runningSince time.Time
	}
	var batch []overlong
	for rows.Next() {
		var (
			o         overlong
			startedAt sql.NullTime
		)
		if err := rows.Scan(&o.target.id, &o.target.workspaceID, &o.target.roomID,
			&o.target.correlationID, &o.target.lastEventID, &startedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan overlong run: %w", err)
		}
		o.runningSince = startedAt.Time
		batch = append(batch, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read overlong runs: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	endedAt := now.Truncate(time.Millisecond)
	for _, o := range batch {
		in := runEvent(o.target, sweeperActor, models.EventTypeRunTimedOut,
			models.RunTimedOutPayload{RunningSince: o.runningSince, EndedAt: endedAt})
		if _, _, err := s.coord.store.AppendInTx(ctx, tx, in); err != nil {
			return 0, fmt.Errorf("failed to append run.timed_out for %s: %w", o.target.id, err)
		}
		s.logger.Warn("Run timed out", "run_id", o.target.id, "running_since", o.runningSince)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit timeout sweep: %w", err)
	}
	return len(batch), nil
}
