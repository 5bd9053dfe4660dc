package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latchwork/latch/pkg/envelope"
	"github.com/latchwork/latch/pkg/models"
)

// CapabilityService mints, lists, revokes, and verifies capability tokens.
type CapabilityService struct {
	db         *sql.DB
	principals *PrincipalStore
	logger     *slog.Logger
}

func NewCapabilityService(db *sql.DB, principals *PrincipalStore) *CapabilityService {
	return &CapabilityService{
		db:         db,
		principals: principals,
		logger:     slog.With("component", "capability"),
	}
}

// Mint issues a token bound to the actor's principal, creating the
// principal when the actor has never been seen.
func (s *CapabilityService) Mint(ctx context.Context, req models.MintCapabilityRequest) (*models.CapabilityToken, error) {
	kind := envelope.ActorKind(req.ActorKind)
	if kind == "" {
		kind = envelope.ActorAgent
	}
	if !kind.Valid() || req.ActorID == "" {
		return nil, fmt.Errorf("%w: actor kind and id are required", ErrInvalidInput)
	}

	principalID, _, err := s.principals.Resolve(ctx, envelope.Actor{Kind: kind, ID: req.ActorID})
	if err != nil {
		return nil, err
	}

	scopes, err := json.Marshal(req.Scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scopes: %w", err)
	}

	token := &models.CapabilityToken{
		ID:          uuid.New(),
		PrincipalID: principalID,
		Name:        req.Name,
		Scopes:      req.Scopes,
		IssuedAt:    time.Now().UTC(),
	}
	if req.TTL > 0 {
		exp := token.IssuedAt.Add(time.Duration(req.TTL) * time.Second)
		token.ExpiresAt = &exp
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO capability_tokens (id, principal_id, name, scopes, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		token.ID, token.PrincipalID, token.Name, scopes, token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert capability token: %w", err)
	}

	s.logger.Info("Minted capability token",
		"token_id", token.ID, "principal_id", principalID, "actor_id", req.ActorID)
	return token, nil
}

// Revoke marks a token revoked. Revoking twice keeps the first timestamp.
func (s *CapabilityService) Revoke(ctx context.Context, tokenID uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE capability_tokens SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL`,
		tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke capability token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read revoke result: %w", err)
	}
	if n == 0 {
		// Distinguish "already revoked" from "never existed".
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM capability_tokens WHERE id = $1)`, tokenID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check capability token: %w", err)
		}
		if !exists {
			return ErrCapabilityNotFound
		}
	}
	s.logger.Info("Revoked capability token", "token_id", tokenID)
	return nil
}

// Get returns one token.
func (s *CapabilityService) Get(ctx context.Context, tokenID uuid.UUID) (*models.CapabilityToken, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, principal_id, name, scopes, issued_at, expires_at, revoked_at
		 FROM capability_tokens WHERE id = $1`, tokenID)
	token, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCapabilityNotFound
	}
	return token, err
}

// List returns all tokens, newest first.
func (s *CapabilityService) List(ctx context.Context) ([]*models.CapabilityToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, principal_id, name, scopes, issued_at, expires_at, revoked_at
		 FROM capability_tokens ORDER BY issued_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list capability tokens: %w", err)
	}
	defer rows.Close()

	var out []*models.CapabilityToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan capability tokens: %w", err)
	}
	return out, nil
}

// CapabilityCheck carries what a request is trying to do with a token.
// Empty fields are not checked against the token's scopes.
type CapabilityCheck struct {
	TokenID      uuid.UUID
	PrincipalID  uuid.UUID
	Action       string
	RoomID       string
	Tool         string
	DataTarget   string
	EgressDomain string
}

// Verify checks existence, revocation, expiry, principal binding, and
// every supplied scope axis. A nil return means the token covers the
// request.
func (s *CapabilityService) Verify(ctx context.Context, check CapabilityCheck) error {
	token, err := s.Get(ctx, check.TokenID)
	if err != nil {
		return err
	}
	if token.RevokedAt != nil {
		return ErrCapabilityRevoked
	}
	if token.ExpiresAt != nil && time.Now().After(*token.ExpiresAt) {
		return ErrCapabilityExpired
	}
	if check.PrincipalID != uuid.Nil && token.PrincipalID != check.PrincipalID {
		return ErrCapabilityPrincipalMismatch
	}

	scopes := token.Scopes
	if !scopeCovers(scopes.Actions, check.Action) {
		return fmt.Errorf("%w: action %q", ErrCapabilityScopeViolation, check.Action)
	}
	if !scopeCovers(scopes.Rooms, check.RoomID) {
		return fmt.Errorf("%w: room %q", ErrCapabilityScopeViolation, check.RoomID)
	}
	if !scopeCovers(scopes.Tools, check.Tool) {
		return fmt.Errorf("%w: tool %q", ErrCapabilityScopeViolation, check.Tool)
	}
	if !scopeCovers(scopes.DataTargets, check.DataTarget) {
		return fmt.Errorf("%w: data target %q", ErrCapabilityScopeViolation, check.DataTarget)
	}
	if !domainCovers(scopes.EgressDomains, check.EgressDomain) {
		return fmt.Errorf("%w: egress domain %q", ErrCapabilityScopeViolation, check.EgressDomain)
	}
	return nil
}

// scopeCovers treats an empty scope list as unrestricted and an empty
// request value as not exercising the axis.
func scopeCovers(scope []string, value string) bool {
	if len(scope) == 0 || value == "" {
		return true
	}
	return slices.Contains(scope, value)
}

// domainCovers is scopeCovers plus wildcard subdomain entries
// ("*.example.com" covers "api.example.com" but not "example.com").
func domainCovers(scope []string, domain string) bool {
	if len(scope) == 0 || domain == "" {
		return true
	}
	for _, entry := range scope {
		if entry == "*" || strings.EqualFold(entry, domain) {
			return true
		}
		if suffix, ok := strings.CutPrefix(entry, "*."); ok {
			if strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(suffix)) {
				return true
			}
		}
	}
	return false
}

type tokenScanner interface {
	Scan(dest ...any) error
}

func scanToken(row tokenScanner) (*models.CapabilityToken, error) {
	var (
		token     models.CapabilityToken
		scopesRaw []byte
		expiresAt sql.NullTime
		revokedAt sql.NullTime
	)
	err := row.Scan(&token.ID, &token.PrincipalID, &token.Name, &scopesRaw,
		&token.IssuedAt, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan capability token: %w", err)
	}
	if len(scopesRaw) > 0 {
		if err := json.Unmarshal(scopesRaw, &token.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode token scopes: %w", err)
		}
	}
	if expiresAt.Valid {
		v := expiresAt.Time.UTC()
		token.ExpiresAt = &v
	}
	if revokedAt.Valid {
		v := revokedAt.Time.UTC()
		token.RevokedAt = &v
	}
	return &token, nil
}
