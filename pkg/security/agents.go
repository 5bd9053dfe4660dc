package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/models"
)

// AgentService tracks quarantine state per agent principal. A principal
// with no agents row is not quarantined.
type AgentService struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewAgentService(db *sql.DB) *AgentService {
	return &AgentService{db: db, logger: slog.With("component", "agents")}
}

// Quarantine flags the principal. Re-quarantining updates the reason and
// timestamp.
func (s *AgentService) Quarantine(ctx context.Context, principalID uuid.UUID, reason string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM principals WHERE id = $1)`, principalID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up principal: %w", err)
	}
	if !exists {
		return ErrPrincipalNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (principal_id, quarantined, quarantined_at, quarantine_reason)
		VALUES ($1, TRUE, now(), $2)
		ON CONFLICT (principal_id)
		DO UPDATE SET quarantined = TRUE, quarantined_at = now(), quarantine_reason = $2`,
		principalID, reason)
	if err != nil {
		return fmt.Errorf("failed to quarantine agent: %w", err)
	}
	s.logger.Warn("Agent quarantined", "principal_id", principalID, "reason", reason)
	return nil
}

// Release clears the quarantine flag. Releasing an unknown principal is a
// no-op.
func (s *AgentService) Release(ctx context.Context, principalID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET quarantined = FALSE, quarantined_at = NULL, quarantine_reason = NULL
		WHERE principal_id = $1`,
		principalID)
	if err != nil {
		return fmt.Errorf("failed to release agent: %w", err)
	}
	s.logger.Info("Agent released from quarantine", "principal_id", principalID)
	return nil
}

// IsQuarantined reports the current flag for a principal.
func (s *AgentService) IsQuarantined(ctx context.Context, principalID uuid.UUID) (bool, error) {
	var quarantined bool
	err := s.db.QueryRowContext(ctx,
		`SELECT quarantined FROM agents WHERE principal_id = $1`, principalID).Scan(&quarantined)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read agent quarantine state: %w", err)
	}
	return quarantined, nil
}

// Get returns the agent row for a principal.
func (s *AgentService) Get(ctx context.Context, principalID uuid.UUID) (*models.Agent, error) {
	var (
		agent         models.Agent
		quarantinedAt sql.NullTime
		reason        sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT principal_id, name, quarantined, quarantined_at, quarantine_reason, created_at
		 FROM agents WHERE principal_id = $1`, principalID).
		Scan(&agent.PrincipalID, &agent.Name, &agent.Quarantined, &quarantinedAt, &reason, &agent.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPrincipalNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent: %w", err)
	}
	if quarantinedAt.Valid {
		v := quarantinedAt.Time.UTC()
		agent.QuarantinedAt = &v
	}
	agent.QuarantineReason = reason.String
	return &agent, nil
}
