// Package config resolves daemon configuration from LATCH_* environment
// variables. Database settings live in pkg/database and are loaded
// separately; everything else the daemon needs at startup is here.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/security"
)

// Config is the resolved daemon configuration. Load fills every field, so
// zero values never leak past startup.
type Config struct {
	// Host and Port form the HTTP listen address.
	Host string
	Port string

	// WorkspaceID scopes the default stream for events that belong to no
	// room.
	WorkspaceID string

	Queue   QueueConfig
	Policy  PolicyConfig
	Secrets SecretsConfig
}

// QueueConfig tunes the claim-lease protocol and its background sweeps.
type QueueConfig struct {
	// LeaseDuration is how long a claim lives without a heartbeat.
	LeaseDuration time.Duration
	// HeartbeatMinInterval throttles renewals arriving faster than this.
	HeartbeatMinInterval time.Duration
	// MaxClaimAge bounds continuous custody of one run, heartbeats or not.
	MaxClaimAge time.Duration
	// SweepInterval paces the background lease and timeout sweeps.
	SweepInterval time.Duration
	// RunTimeout fails runs that stay running longer than this. Zero
	// disables the timeout sweep.
	RunTimeout time.Duration
}

// PolicyConfig is the gate's startup posture.
type PolicyConfig struct {
	Mode              policy.Mode
	KillSwitch        bool
	EgressHourlyQuota int
}

// SecretsConfig controls payload redaction and the vault.
type SecretsConfig struct {
	RedactionMode security.RedactionMode
	// MasterKey is the hex-encoded 32-byte vault key. Empty leaves the
	// vault unconfigured and the secret endpoints answering 503.
	MasterKey string
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Host:        getEnv("LATCH_HOST", "0.0.0.0"),
		Port:        getEnv("LATCH_PORT", "8080"),
		WorkspaceID: getEnv("LATCH_WORKSPACE_ID", "ws-local"),
		Policy: PolicyConfig{
			Mode: policy.Mode(getEnv("LATCH_POLICY_MODE", string(policy.ModeEnforce))),
		},
		Secrets: SecretsConfig{
			RedactionMode: security.RedactionMode(getEnv("LATCH_SECRET_MODE", string(security.RedactionModeRedact))),
			MasterKey:     os.Getenv("LATCH_MASTER_KEY"),
		},
	}

	var err error
	if cfg.Queue.LeaseDuration, err = getDuration("LATCH_LEASE_DURATION", "1800s"); err != nil {
		return nil, err
	}
	if cfg.Queue.HeartbeatMinInterval, err = getDuration("LATCH_HEARTBEAT_MIN_INTERVAL", "10s"); err != nil {
		return nil, err
	}
	if cfg.Queue.MaxClaimAge, err = getDuration("LATCH_MAX_CLAIM_AGE", "900s"); err != nil {
		return nil, err
	}
	if cfg.Queue.SweepInterval, err = getDuration("LATCH_LEASE_SWEEP_INTERVAL", "30s"); err != nil {
		return nil, err
	}
	if cfg.Queue.RunTimeout, err = getDuration("LATCH_RUN_TIMEOUT", "3600s"); err != nil {
		return nil, err
	}
	if cfg.Policy.KillSwitch, err = getBool("LATCH_KILL_SWITCH", false); err != nil {
		return nil, err
	}
	if cfg.Policy.EgressHourlyQuota, err = getInt("LATCH_EGRESS_HOURLY_QUOTA", 100); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that would fail at first use.
func (c *Config) Validate() error {
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("LATCH_PORT must be a port number, got %q", c.Port)
	}
	if c.WorkspaceID == "" {
		return fmt.Errorf("LATCH_WORKSPACE_ID must not be empty")
	}
	if !c.Policy.Mode.Valid() {
		return fmt.Errorf("LATCH_POLICY_MODE must be shadow or enforce, got %q", c.Policy.Mode)
	}
	if c.Policy.EgressHourlyQuota < 1 {
		return fmt.Errorf("LATCH_EGRESS_HOURLY_QUOTA must be positive, got %d", c.Policy.EgressHourlyQuota)
	}
	if !c.Secrets.RedactionMode.Valid() {
		return fmt.Errorf("LATCH_SECRET_MODE must be redact or reject, got %q", c.Secrets.RedactionMode)
	}
	if c.Secrets.MasterKey != "" {
		key, err := hex.DecodeString(c.Secrets.MasterKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("LATCH_MASTER_KEY must be 32 hex-encoded bytes")
		}
	}
	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("LATCH_LEASE_DURATION must be positive, got %s", c.Queue.LeaseDuration)
	}
	if c.Queue.HeartbeatMinInterval <= 0 || c.Queue.HeartbeatMinInterval >= c.Queue.LeaseDuration {
		return fmt.Errorf("LATCH_HEARTBEAT_MIN_INTERVAL must sit below the lease duration, got %s",
			c.Queue.HeartbeatMinInterval)
	}
	if c.Queue.MaxClaimAge <= 0 {
		return fmt.Errorf("LATCH_MAX_CLAIM_AGE must be positive, got %s", c.Queue.MaxClaimAge)
	}
	if c.Queue.SweepInterval <= 0 {
		return fmt.Errorf("LATCH_LEASE_SWEEP_INTERVAL must be positive, got %s", c.Queue.SweepInterval)
	}
	if c.Queue.RunTimeout < 0 {
		return fmt.Errorf("LATCH_RUN_TIMEOUT must not be negative, got %s", c.Queue.RunTimeout)
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key, defaultVal string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnv(key, defaultVal))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getBool(key string, defaultVal bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
