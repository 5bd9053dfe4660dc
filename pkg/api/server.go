// Package api exposes the kernel over HTTP. Handlers stay thin: bind the
// body, call one service, map the error. Every state change flows through
// the event store underneath, so the API layer holds no state of its own.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/latchwork/latch/pkg/database"
	"github.com/latchwork/latch/pkg/livetail"
	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/queue"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/pkg/services"
)

// Deps bundles everything the server serves. Vault may be nil when no
// master key is configured; the secret endpoints then answer 503.
type Deps struct {
	DBClient     *database.Client
	WorkspaceID  string
	Rooms        *services.RoomService
	Runs         *services.RunService
	Approvals    *services.ApprovalService
	Events       *services.EventService
	System       *services.SystemService
	Gate         *policy.Gate
	Learning     *policy.LearningRecorder
	Coordinator  *queue.Coordinator
	Tail         *livetail.Manager
	Capabilities *security.CapabilityService
	Agents       *security.AgentService
	Vault        *security.Vault
}

// Server hosts the HTTP surface of the kernel.
type Server struct {
	dbClient     *database.Client
	workspaceID  string
	rooms        *services.RoomService
	runs         *services.RunService
	approvals    *services.ApprovalService
	events       *services.EventService
	system       *services.SystemService
	gate         *policy.Gate
	learning     *policy.LearningRecorder
	coordinator  *queue.Coordinator
	tail         *livetail.Manager
	capabilities *security.CapabilityService
	agents       *security.AgentService
	vault        *security.Vault

	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates the API server and registers all routes.
func NewServer(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), securityHeaders())

	s := &Server{
		dbClient:     deps.DBClient,
		workspaceID:  deps.WorkspaceID,
		rooms:        deps.Rooms,
		runs:         deps.Runs,
		approvals:    deps.Approvals,
		events:       deps.Events,
		system:       deps.System,
		gate:         deps.Gate,
		learning:     deps.Learning,
		coordinator:  deps.Coordinator,
		tail:         deps.Tail,
		capabilities: deps.Capabilities,
		agents:       deps.Agents,
		vault:        deps.Vault,
		engine:       engine,
		logger:       slog.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.livenessHandler)

	v1 := s.engine.Group("/v1")
	v1.GET("/health", s.readinessHandler)

	v1.POST("/rooms", s.createRoomHandler)
	v1.GET("/rooms", s.listRoomsHandler)
	v1.GET("/rooms/:roomId", s.getRoomHandler)
	v1.POST("/rooms/:roomId/threads", s.createThreadHandler)
	v1.GET("/rooms/:roomId/threads", s.listThreadsHandler)
	v1.POST("/threads/:threadId/messages", s.postMessageHandler)
	v1.GET("/threads/:threadId/messages", s.listMessagesHandler)

	v1.GET("/streams/rooms/:roomId", s.tailRoomHandler)
	v1.GET("/streams/:streamType/:streamId/verify", s.verifyStreamHandler)

	v1.POST("/policy/evaluate", s.evaluatePolicyHandler)

	v1.POST("/approvals", s.createApprovalHandler)
	v1.GET("/approvals", s.listApprovalsHandler)
	v1.GET("/approvals/:approvalId", s.getApprovalHandler)
	v1.POST("/approvals/:approvalId/decide", s.decideApprovalHandler)

	v1.POST("/runs", s.createRunHandler)
	v1.GET("/runs", s.listRunsHandler)
	v1.POST("/runs/claim", s.claimRunsHandler)
	v1.GET("/runs/:runId", s.getRunHandler)
	v1.POST("/runs/:runId/lease/heartbeat", s.heartbeatHandler)
	v1.POST("/runs/:runId/lease/release", s.releaseHandler)
	v1.POST("/runs/:runId/start", s.startRunHandler)
	v1.POST("/runs/:runId/steps", s.addStepHandler)
	v1.POST("/runs/:runId/tool-calls", s.recordToolCallHandler)
	v1.POST("/runs/:runId/artifacts", s.addArtifactHandler)
	v1.POST("/runs/:runId/complete", s.completeRunHandler)
	v1.POST("/runs/:runId/fail", s.failRunHandler)
	v1.POST("/runs/:runId/cancel", s.cancelRunHandler)

	v1.GET("/events", s.listEventsHandler)
	v1.GET("/events/:eventId", s.getEventHandler)

	v1.POST("/capabilities", s.mintCapabilityHandler)
	v1.GET("/capabilities", s.listCapabilitiesHandler)
	v1.POST("/capabilities/:tokenId/revoke", s.revokeCapabilityHandler)

	v1.POST("/agents/:principalId/quarantine", s.quarantineAgentHandler)
	v1.POST("/agents/:principalId/release", s.releaseAgentHandler)

	v1.POST("/secrets", s.putSecretHandler)
	v1.GET("/secrets", s.listSecretsHandler)
	v1.POST("/secrets/rotate", s.rotateSecretsHandler)

	v1.GET("/system/summary", s.systemSummaryHandler)
	v1.GET("/learning", s.listLearningHandler)
}

// Handler returns the underlying engine for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start serves on addr and blocks until the listener fails or Shutdown is
// called. A graceful stop returns http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	s.logger.Info("HTTP server listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests. Open SSE tails end when their
// request contexts are cancelled by the server closing.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
