// Package security holds the kernel's trust surface: principal identity,
// capability tokens, agent quarantine, egress accounting, encrypted
// secrets, and the append-time secret scanner.
package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// PrincipalStore creates and looks up principal rows. It implements the
// event store's PrincipalResolver.
type PrincipalStore struct {
	db *sql.DB
}

func NewPrincipalStore(db *sql.DB) *PrincipalStore {
	return &PrincipalStore{db: db}
}

// ResolveInTx looks up the principal for an actor inside the append
// transaction, creating it on first sight with the supervised default
// zone. The no-op DO UPDATE makes the upsert return the existing row
// without a second round trip, and the returned zone reflects any later
// promotion of the principal.
func (s *PrincipalStore) ResolveInTx(ctx context.Context, tx *sql.Tx, actor envelope.Actor) (uuid.UUID, envelope.Zone, error) {
	const q = `
		INSERT INTO principals (id, actor_kind, actor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor_kind, actor_id)
		DO UPDATE SET actor_id = EXCLUDED.actor_id
		RETURNING id, default_zone`

	var (
		id   uuid.UUID
		zone envelope.Zone
	)
	err := tx.QueryRowContext(ctx, q, uuid.New(), actor.Kind, actor.ID).Scan(&id, &zone)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to resolve principal %s/%s: %w", actor.Kind, actor.ID, err)
	}
	return id, zone, nil
}

// Resolve is ResolveInTx in its own transaction, for callers outside the
// append path (capability minting, quarantine by actor).
func (s *PrincipalStore) Resolve(ctx context.Context, actor envelope.Actor) (uuid.UUID, envelope.Zone, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	id, zone, err := s.ResolveInTx(ctx, tx, actor)
	if err != nil {
		return uuid.Nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, "", fmt.Errorf("failed to commit principal resolve: %w", err)
	}
	return id, zone, nil
}

// GetByID returns one principal row.
func (s *PrincipalStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Principal, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, actor_kind, actor_id, display_name, default_zone, created_at
		 FROM principals WHERE id = $1`, id))
}

// GetByActor returns the principal for an actor kind/id pair.
func (s *PrincipalStore) GetByActor(ctx context.Context, kind envelope.ActorKind, actorID string) (*models.Principal, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`SELECT id, actor_kind, actor_id, display_name, default_zone, created_at
		 FROM principals WHERE actor_kind = $1 AND actor_id = $2`, kind, actorID))
}

func (s *PrincipalStore) scanOne(row *sql.Row) (*models.Principal, error) {
	var p models.Principal
	err := row.Scan(&p.ID, &p.ActorKind, &p.ActorID, &p.DisplayName, &p.DefaultZone, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan principal: %w", err)
	}
	return &p, nil
}

// SetDefaultZone promotes or demotes a principal's default zone.
func (s *PrincipalStore) SetDefaultZone(ctx context.Context, id uuid.UUID, zone envelope.Zone) error {
	if !zone.Valid() {
		return fmt.Errorf("%w: unknown zone %q", ErrInvalidInput, zone)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE principals SET default_zone = $2 WHERE id = $1`, id, zone)
	if err != nil {
		return fmt.Errorf("failed to update principal zone: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrPrincipalNotFound
	}
	return nil
}
