// Package e2e boots complete kernel instances and drives them over HTTP,
// exercising the event store, projections, policy gate, approvals, claim
// coordinator, and live tail together the way production traffic does.
package e2e

import (
	"context"
	"database/sql"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/latchwork/latch/pkg/api"
	"github.com/latchwork/latch/pkg/database"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/livetail"
	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/projection"
	"github.com/latchwork/latch/pkg/queue"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/pkg/services"
	"github.com/latchwork/latch/test/util"
)

const testWorkspace = "ws-local"

// TestKernel is one complete kernel instance on a fresh schema: real
// Postgres, real NOTIFY listener, projections applying inside the append
// transaction, served over a loopback HTTP listener.
type TestKernel struct {
	DB          *sql.DB
	Store       *eventstore.Store
	Gate        *policy.Gate
	Coordinator *queue.Coordinator
	Sweeper     *queue.Sweeper
	Tail        *livetail.Manager
	Server      *api.Server

	BaseURL     string
	WorkspaceID string

	ts *httptest.Server
}

// kernelConfig holds options accumulated before boot.
type kernelConfig struct {
	queueCfg   queue.Config
	gateCfg    policy.GateConfig
	sweeperCfg queue.SweeperConfig
	tailCfg    livetail.Config
	masterKey  string
}

// KernelOption configures the test kernel.
type KernelOption func(*kernelConfig)

// WithQueueConfig sets the claim-lease tuning. Tests that exercise expiry
// pass leases short enough to wait out.
func WithQueueConfig(cfg queue.Config) KernelOption {
	return func(c *kernelConfig) { c.queueCfg = cfg }
}

// WithGateConfig sets the policy gate posture.
func WithGateConfig(cfg policy.GateConfig) KernelOption {
	return func(c *kernelConfig) { c.gateCfg = cfg }
}

// WithSweeperConfig sets the background sweep tuning. The harness never
// starts the periodic loop; tests invoke SweepOnce for determinism.
func WithSweeperConfig(cfg queue.SweeperConfig) KernelOption {
	return func(c *kernelConfig) { c.sweeperCfg = cfg }
}

// WithTailConfig sets the live-tail pump tuning. A long poll interval
// makes delivery depend on the NOTIFY path alone.
func WithTailConfig(cfg livetail.Config) KernelOption {
	return func(c *kernelConfig) { c.tailCfg = cfg }
}

// WithMasterKey opens the secret vault with the given hex key.
func WithMasterKey(key string) KernelOption {
	return func(c *kernelConfig) { c.masterKey = key }
}

// NewTestKernel boots a kernel on a fresh schema. Shutdown is registered
// via t.Cleanup.
func NewTestKernel(t *testing.T, opts ...KernelOption) *TestKernel {
	t.Helper()

	kc := &kernelConfig{
		queueCfg: queue.Config{
			LeaseDuration:        time.Hour,
			HeartbeatMinInterval: 100 * time.Millisecond,
			MaxClaimAge:          time.Hour,
		},
		gateCfg: policy.GateConfig{Mode: policy.ModeEnforce},
		// The periodic loop stays parked; tests sweep explicitly.
		sweeperCfg: queue.SweeperConfig{Interval: time.Hour},
	}
	for _, opt := range opts {
		opt(kc)
	}

	db := util.SetupTestDatabase(t)

	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	principals := security.NewPrincipalStore(db)
	store := eventstore.NewStore(db, principals, security.NewRedactor(security.RedactionModeRedact), engine)

	capabilities := security.NewCapabilityService(db, principals)
	agents := security.NewAgentService(db)
	learning := policy.NewLearningRecorder(db)
	gate := policy.NewGate(policy.GateDeps{
		DB:           db,
		Store:        store,
		Principals:   principals,
		Capabilities: capabilities,
		Agents:       agents,
		Egress:       security.NewEgressRecorder(db),
		Learning:     learning,
	}, kc.gateCfg)

	coordinator := queue.NewCoordinator(db, store, kc.queueCfg)
	sweeper := queue.NewSweeper(coordinator, kc.sweeperCfg)

	// The listener holds a dedicated connection to the shared database;
	// NOTIFY channels are room-scoped UUIDs, so parallel schemas cannot
	// cross-wake each other.
	tail := livetail.NewManager(store, kc.tailCfg)
	listener := livetail.NewListener(util.GetBaseConnectionString(t), tail)
	ctx := context.Background()
	require.NoError(t, listener.Start(ctx))
	tail.SetListener(listener)

	var vault *security.Vault
	if kc.masterKey != "" {
		var err error
		vault, err = security.NewVault(db, kc.masterKey)
		require.NoError(t, err)
	}

	server := api.NewServer(api.Deps{
		DBClient:     database.NewClientFromDB(db),
		WorkspaceID:  testWorkspace,
		Rooms:        services.NewRoomService(db, store, testWorkspace),
		Runs:         services.NewRunService(db, store, testWorkspace),
		Approvals:    services.NewApprovalService(db, store, testWorkspace),
		Events:       services.NewEventService(store),
		System:       services.NewSystemService(db, testWorkspace),
		Gate:         gate,
		Learning:     learning,
		Coordinator:  coordinator,
		Tail:         tail,
		Capabilities: capabilities,
		Agents:       agents,
		Vault:        vault,
	})

	ts := httptest.NewServer(server.Handler())

	kernel := &TestKernel{
		DB:          db,
		Store:       store,
		Gate:        gate,
		Coordinator: coordinator,
		Sweeper:     sweeper,
		Tail:        tail,
		Server:      server,
		BaseURL:     ts.URL,
		WorkspaceID: testWorkspace,
		ts:          ts,
	}

	t.Cleanup(func() {
		ts.Close()
		listener.Stop(context.Background())
	})

	return kernel
}
