package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/latchwork/latch/pkg/models"
)

// Vault stores secrets encrypted at rest with AES-256-GCM. Each row
// records the master key version that sealed it, so rotation can
// re-encrypt in place while old reads keep working mid-rotation.
type Vault struct {
	db     *sql.DB
	logger *slog.Logger

	mu      sync.RWMutex
	keys    map[int][]byte
	current int
}

// NewVault builds a vault from the hex-encoded 32-byte master key, which
// becomes key version 1.
func NewVault(db *sql.DB, masterKeyHex string) (*Vault, error) {
	key, err := decodeMasterKey(masterKeyHex)
	if err != nil {
		return nil, err
	}
	return &Vault{
		db:      db,
		logger:  slog.With("component", "vault"),
		keys:    map[int][]byte{1: key},
		current: 1,
	}, nil
}

func decodeMasterKey(masterKeyHex string) ([]byte, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil || len(key) != 32 {
		return nil, ErrBadMasterKey
	}
	return key, nil
}

// Put stores or replaces a secret, sealed with the current key version.
func (v *Vault) Put(ctx context.Context, name, value string) error {
	if name == "" {
		return fmt.Errorf("%w: secret name is required", ErrInvalidInput)
	}
	version, ciphertext, nonce, err := v.seal(name, []byte(value))
	if err != nil {
		return err
	}
	_, err = v.db.ExecContext(ctx, `
		INSERT INTO secrets (name, ciphertext, nonce, key_version)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (name)
		DO UPDATE SET ciphertext = $2, nonce = $3, key_version = $4, updated_at = now()`,
		name, ciphertext, nonce, version)
	if err != nil {
		return fmt.Errorf("failed to store secret %q: %w", name, err)
	}
	return nil
}

// Get decrypts one secret. Plaintext never leaves the process through any
// HTTP surface; this is for in-process consumers only.
func (v *Vault) Get(ctx context.Context, name string) (string, error) {
	var (
		ciphertext, nonce []byte
		version           int
	)
	err := v.db.QueryRowContext(ctx,
		`SELECT ciphertext, nonce, key_version FROM secrets WHERE name = $1`, name).
		Scan(&ciphertext, &nonce, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrSecretNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read secret %q: %w", name, err)
	}

	plaintext, err := v.open(name, version, ciphertext, nonce)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// List returns metadata only.
func (v *Vault) List(ctx context.Context) ([]models.SecretMetadata, error) {
	rows, err := v.db.QueryContext(ctx,
		`SELECT name, key_version, created_at, updated_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var out []models.SecretMetadata
	for rows.Next() {
		var m models.SecretMetadata
		if err := rows.Scan(&m.Name, &m.KeyVersion, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret metadata: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan secret metadata: %w", err)
	}
	return out, nil
}

// Rotate installs a new master key as the next version and re-encrypts
// every stored secret with it, in one transaction. Returns the new version
// and the number of re-encrypted secrets.
func (v *Vault) Rotate(ctx context.Context, newKeyHex string) (int, int, error) {
	newKey, err := decodeMasterKey(newKeyHex)
	if err != nil {
		return 0, 0, err
	}

	v.mu.Lock()
	newVersion := v.current + 1
	v.keys[newVersion] = newKey
	v.mu.Unlock()

	tx, err := v.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin rotation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT name, ciphertext, nonce, key_version FROM secrets FOR UPDATE`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to lock secrets for rotation: %w", err)
	}

	type sealed struct {
		name              string
		ciphertext, nonce []byte
		version           int
	}
	var all []sealed
	for rows.Next() {
		var s sealed
		if err := rows.Scan(&s.name, &s.ciphertext, &s.nonce, &s.version); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan secret for rotation: %w", err)
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, 0, fmt.Errorf("failed to scan secrets for rotation: %w", err)
	}
	rows.Close()

	for _, s := range all {
		plaintext, err := v.open(s.name, s.version, s.ciphertext, s.nonce)
		if err != nil {
			return 0, 0, fmt.Errorf("rotation failed on %q: %w", s.name, err)
		}
		_, ciphertext, nonce, err := v.sealWith(newVersion, s.name, plaintext)
		if err != nil {
			return 0, 0, fmt.Errorf("rotation failed on %q: %w", s.name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE secrets SET ciphertext = $2, nonce = $3, key_version = $4, updated_at = now() WHERE name = $1`,
			s.name, ciphertext, nonce, newVersion); err != nil {
			return 0, 0, fmt.Errorf("rotation failed on %q: %w", s.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("failed to commit rotation: %w", err)
	}

	v.mu.Lock()
	v.current = newVersion
	v.mu.Unlock()

	v.logger.Info("Master key rotated", "new_version", newVersion, "re_encrypted", len(all))
	return newVersion, len(all), nil
}

// seal encrypts with the current key version.
func (v *Vault) seal(name string, plaintext []byte) (int, []byte, []byte, error) {
	v.mu.RLock()
	version := v.current
	v.mu.RUnlock()
	return v.sealWith(version, name, plaintext)
}

// sealWith binds the ciphertext to the secret's name via GCM additional
// data, so rows cannot be swapped between names.
func (v *Vault) sealWith(version int, name string, plaintext []byte) (int, []byte, []byte, error) {
	gcm, err := v.gcm(version)
	if err != nil {
		return 0, nil, nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return 0, nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(name))
	return version, ciphertext, nonce, nil
}

func (v *Vault) open(name string, version int, ciphertext, nonce []byte) ([]byte, error) {
	gcm, err := v.gcm(version)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret %q: %w", name, err)
	}
	return plaintext, nil
}

func (v *Vault) gcm(version int) (cipher.AEAD, error) {
	v.mu.RLock()
	key, ok := v.keys[version]
	v.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKeyVersion, version)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return gcm, nil
}
