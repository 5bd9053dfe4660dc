package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/security"
)

// clearEnv blanks every variable Load reads so ambient shell state cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"LATCH_HOST",
		"LATCH_PORT",
		"LATCH_WORKSPACE_ID",
		"LATCH_LEASE_DURATION",
		"LATCH_HEARTBEAT_MIN_INTERVAL",
		"LATCH_MAX_CLAIM_AGE",
		"LATCH_LEASE_SWEEP_INTERVAL",
		"LATCH_RUN_TIMEOUT",
		"LATCH_POLICY_MODE",
		"LATCH_KILL_SWITCH",
		"LATCH_EGRESS_HOURLY_QUOTA",
		"LATCH_SECRET_MODE",
		"LATCH_MASTER_KEY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "ws-local", cfg.WorkspaceID)

	assert.Equal(t, 30*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.Queue.HeartbeatMinInterval)
	assert.Equal(t, 15*time.Minute, cfg.Queue.MaxClaimAge)
	assert.Equal(t, 30*time.Second, cfg.Queue.SweepInterval)
	assert.Equal(t, time.Hour, cfg.Queue.RunTimeout)

	assert.Equal(t, policy.ModeEnforce, cfg.Policy.Mode)
	assert.False(t, cfg.Policy.KillSwitch)
	assert.Equal(t, 100, cfg.Policy.EgressHourlyQuota)

	assert.Equal(t, security.RedactionModeRedact, cfg.Secrets.RedactionMode)
	assert.Empty(t, cfg.Secrets.MasterKey)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LATCH_HOST", "127.0.0.1")
	t.Setenv("LATCH_PORT", "9090")
	t.Setenv("LATCH_WORKSPACE_ID", "ws-staging")
	t.Setenv("LATCH_LEASE_DURATION", "5m")
	t.Setenv("LATCH_HEARTBEAT_MIN_INTERVAL", "5s")
	t.Setenv("LATCH_MAX_CLAIM_AGE", "10m")
	t.Setenv("LATCH_LEASE_SWEEP_INTERVAL", "1m")
	t.Setenv("LATCH_RUN_TIMEOUT", "2h")
	t.Setenv("LATCH_POLICY_MODE", "shadow")
	t.Setenv("LATCH_KILL_SWITCH", "true")
	t.Setenv("LATCH_EGRESS_HOURLY_QUOTA", "25")
	t.Setenv("LATCH_SECRET_MODE", "reject")
	t.Setenv("LATCH_MASTER_KEY", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "ws-staging", cfg.WorkspaceID)
	assert.Equal(t, 5*time.Minute, cfg.Queue.LeaseDuration)
	assert.Equal(t, 5*time.Second, cfg.Queue.HeartbeatMinInterval)
	assert.Equal(t, 10*time.Minute, cfg.Queue.MaxClaimAge)
	assert.Equal(t, time.Minute, cfg.Queue.SweepInterval)
	assert.Equal(t, 2*time.Hour, cfg.Queue.RunTimeout)
	assert.Equal(t, policy.ModeShadow, cfg.Policy.Mode)
	assert.True(t, cfg.Policy.KillSwitch)
	assert.Equal(t, 25, cfg.Policy.EgressHourlyQuota)
	assert.Equal(t, security.RedactionModeReject, cfg.Secrets.RedactionMode)
	assert.NotEmpty(t, cfg.Secrets.MasterKey)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{"malformed duration", "LATCH_LEASE_DURATION", "soon", "LATCH_LEASE_DURATION"},
		{"negative lease", "LATCH_LEASE_DURATION", "-30s", "LATCH_LEASE_DURATION"},
		{"malformed quota", "LATCH_EGRESS_HOURLY_QUOTA", "many", "LATCH_EGRESS_HOURLY_QUOTA"},
		{"zero quota", "LATCH_EGRESS_HOURLY_QUOTA", "0", "LATCH_EGRESS_HOURLY_QUOTA"},
		{"malformed kill switch", "LATCH_KILL_SWITCH", "maybe", "LATCH_KILL_SWITCH"},
		{"unknown policy mode", "LATCH_POLICY_MODE", "audit", "LATCH_POLICY_MODE"},
		{"unknown secret mode", "LATCH_SECRET_MODE", "ignore", "LATCH_SECRET_MODE"},
		{"non-hex master key", "LATCH_MASTER_KEY", "not-hex", "LATCH_MASTER_KEY"},
		{"short master key", "LATCH_MASTER_KEY", "00010203", "LATCH_MASTER_KEY"},
		{"non-numeric port", "LATCH_PORT", "http", "LATCH_PORT"},
		{"port out of range", "LATCH_PORT", "70000", "LATCH_PORT"},
		{"heartbeat above lease", "LATCH_HEARTBEAT_MIN_INTERVAL", "2h", "LATCH_HEARTBEAT_MIN_INTERVAL"},
		{"zero sweep interval", "LATCH_LEASE_SWEEP_INTERVAL", "0s", "LATCH_LEASE_SWEEP_INTERVAL"},
		{"negative run timeout", "LATCH_RUN_TIMEOUT", "-5m", "LATCH_RUN_TIMEOUT"},
		{"zero claim age", "LATCH_MAX_CLAIM_AGE", "0s", "LATCH_MAX_CLAIM_AGE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunTimeoutZeroDisablesSweep(t *testing.T) {
	clearEnv(t)
	t.Setenv("LATCH_RUN_TIMEOUT", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.Queue.RunTimeout)
}

func TestAddr(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", Port: "8080"}
	assert.Equal(t, "0.0.0.0:8080", cfg.Addr())
}
