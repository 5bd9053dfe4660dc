// Package projection materializes read models from the event log.
// Projectors run inside the append transaction, guarded by a per-projector
// applied-events ledger, so each event affects each read model exactly
// once; rebuilds wipe the read models and replay the log through the same
// path.
package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/latchwork/latch/pkg/envelope"
)

// Projector applies events to one read model. Apply must be idempotent per
// ledger discipline only: the engine never calls it twice for the same
// (projector, event) pair.
type Projector interface {
	Name() string
	Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error
	// Tables lists the projector's tables child-first, the order a
	// rebuild deletes them in.
	Tables() []string
}

// EventSource walks the whole event log in insertion order. The event
// store implements it.
type EventSource interface {
	ForEachEvent(ctx context.Context, batchSize int, fn func(*envelope.Envelope) error) error
}

// Engine fans one event out to every registered projector. It is the
// event store's Applier.
type Engine struct {
	projectors []Projector
	logger     *slog.Logger
}

func NewEngine(projectors ...Projector) *Engine {
	return &Engine{
		projectors: projectors,
		logger:     slog.With("component", "projection"),
	}
}

// Apply records the event in each projector's ledger and applies it on
// first sight. A ledger conflict means the projector has already seen the
// event (mid-rebuild crash, replayed event) and the apply is skipped.
func (e *Engine) Apply(ctx context.Context, tx *sql.Tx, env *envelope.Envelope) error {
	for _, p := range e.projectors {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO applied_events (projector_name, event_id) VALUES ($1, $2)
			 ON CONFLICT DO NOTHING`,
			p.Name(), env.EventID)
		if err != nil {
			return fmt.Errorf("ledger insert for %s: %w", p.Name(), err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("ledger result for %s: %w", p.Name(), err)
		}
		if inserted == 0 {
			continue
		}
		if err := p.Apply(ctx, tx, env); err != nil {
			return fmt.Errorf("projector %s on %s: %w", p.Name(), env.EventType, err)
		}
	}
	return nil
}

const rebuildBatchSize = 500

// Rebuild wipes every registered projector's tables and ledger rows in one
// transaction, then replays the full log event by event. Each replayed
// event applies in its own transaction, so an interrupted rebuild resumes
// where it stopped: the ledger skips what already landed.
func (e *Engine) Rebuild(ctx context.Context, db *sql.DB, source EventSource) error {
	names := make([]string, 0, len(e.projectors))
	for _, p := range e.projectors {
		names = append(names, p.Name())
	}
	e.logger.Info("Projection rebuild starting", "projectors", strings.Join(names, ","))

	if err := e.wipe(ctx, db); err != nil {
		return err
	}

	var replayed int
	err := source.ForEachEvent(ctx, rebuildBatchSize, func(env *envelope.Envelope) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin replay transaction: %w", err)
		}
		if err := e.Apply(ctx, tx, env); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit replay of %s: %w", env.EventID, err)
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.Info("Projection rebuild finished", "events", replayed)
	return nil
}

func (e *Engine) wipe(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wipe transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range e.projectors {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM applied_events WHERE projector_name = $1`, p.Name()); err != nil {
			return fmt.Errorf("failed to clear ledger for %s: %w", p.Name(), err)
		}
		for _, table := range p.Tables() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return fmt.Errorf("failed to clear %s: %w", table, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wipe: %w", err)
	}
	return nil
}
