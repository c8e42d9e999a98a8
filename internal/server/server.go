// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/bidlane/bidlane/internal/audit"
	"github.com/bidlane/bidlane/internal/config"
	"github.com/bidlane/bidlane/internal/dispute"
	"github.com/bidlane/bidlane/internal/logging"
	"github.com/bidlane/bidlane/internal/metrics"
	"github.com/bidlane/bidlane/internal/notify"
	"github.com/bidlane/bidlane/internal/ratelimit"
	"github.com/bidlane/bidlane/internal/realtime"
	"github.com/bidlane/bidlane/internal/reputation"
	"github.com/bidlane/bidlane/internal/security"
	"github.com/bidlane/bidlane/internal/settlement"
	"github.com/bidlane/bidlane/internal/traces"
	"github.com/bidlane/bidlane/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	disputes    *dispute.Service
	settlements *settlement.Service
	reputations *reputation.Service
	monitor     *settlement.Monitor
	dispatcher  *notify.Dispatcher
	subs        notify.SubscriptionStore
	hub         *realtime.Hub
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	// cancelRunCtx cancels background goroutines started in Run
	cancelRunCtx context.CancelFunc
	stopTracing  func(context.Context) error

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	stopTracing, err := traces.Init(ctx, cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
		stopTracing = func(context.Context) error { return nil }
	}
	s.stopTracing = stopTracing

	// Realtime hub feeds WebSocket subscribers; the webhook dispatcher and
	// the hub share every event through a fan-out sink.
	s.hub = realtime.NewHub(s.logger)

	var (
		disputeStore  dispute.Store
		contractStore settlement.Store
		ledgerStore   settlement.LedgerStore
		repStore      reputation.Store
		auditLog      audit.Logger
		directory     dispute.Directory
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		disputeStore = dispute.NewPostgresStore(db)
		contractStore = settlement.NewPostgresStore(db)
		ledgerStore = settlement.NewPostgresLedger(db)
		repStore = reputation.NewPostgresStore(db)
		auditLog = audit.NewPostgresLogger(db)
		s.subs = notify.NewPostgresSubscriptionStore(db)
		directory = dispute.NewBadgeDirectory(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		disputeStore = dispute.NewMemoryStore()
		contractStore = settlement.NewMemoryStore()
		ledgerStore = settlement.NewMemoryLedger()
		repStore = reputation.NewMemoryStore()
		auditLog = audit.NewMemoryLogger()
		s.subs = notify.NewMemorySubscriptionStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// A fixed arbitrator list overrides the badge directory in any mode.
	if len(cfg.Arbitrators) > 0 {
		directory = dispute.StaticDirectory(cfg.Arbitrators)
		s.logger.Info("using static arbitrator directory", "count", len(cfg.Arbitrators))
	} else if directory == nil {
		s.logger.Warn("no arbitrators configured, judge assignment will fail until ARBITRATORS is set")
		directory = dispute.StaticDirectory(nil)
	}

	s.dispatcher = notify.NewDispatcher(s.subs, s.logger)
	sink := notify.Multi(s.dispatcher, realtime.NewSink(s.hub))

	s.reputations = reputation.NewService(repStore, sink, auditLog, s.logger)

	s.disputes = dispute.NewService(disputeStore, directory, sink, auditLog, s.logger).
		WithRecorder(s.reputations).
		WithPolicy(cfg.JudgePoolSize, cfg.JudgeConcurrencyCap)

	s.settlements = settlement.NewService(
		contractStore,
		ledgerStore,
		&disputeCheckerAdapter{s.disputes},
		sink,
		auditLog,
		s.logger,
	).
		WithRecorder(s.reputations).
		WithBadges(s.reputations).
		WithDeadlines(cfg.DeliveryDeadline, cfg.ReleaseDeadline)

	s.monitor = settlement.NewMonitor(s.settlements, sink, cfg.SweepInterval, s.logger)

	// Configure gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// disputeCheckerAdapter lets the settlement gate ask about blocking disputes
// without a package dependency on dispute.
type disputeCheckerAdapter struct {
	svc *dispute.Service
}

func (a *disputeCheckerAdapter) HasBlockingDispute(ctx context.Context, txnKind, txnID, recipient string) (bool, bool, error) {
	ref := dispute.TransactionRef{Kind: dispute.TransactionKind(txnKind), ID: txnID}
	return a.svc.HasBlockingDispute(ctx, ref, recipient)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	// Recovery with logging
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	s.rateLimiter = ratelimit.New(ratelimit.DefaultConfig())
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/api", s.infoHandler)

	// V1 API group
	v1 := s.router.Group("/v1")
	// Validate :id URL params on all v1 routes (no-op when param absent)
	v1.Use(validation.UserIDParamMiddleware())

	dispute.NewHandler(s.disputes).RegisterRoutes(v1)
	settlement.NewHandler(s.settlements).RegisterRoutes(v1)
	reputation.NewHandler(s.reputations).RegisterRoutes(v1)
	notify.NewHandler(s.subs).WithDefaultSecret(s.cfg.WebhookSecret).RegisterRoutes(v1)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse is the body of GET /health
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "Bidlane Settlement API",
		"version":     "v1",
		"description": "Dispute resolution and escrow settlement for vehicle marketplace transactions",
		"endpoints": gin.H{
			"disputes":   "/v1/disputes",
			"contracts":  "/v1/contracts",
			"reputation": "/v1/users/:id/reputation",
			"webhooks":   "/v1/webhooks",
			"websocket":  "/ws",
			"health":     "/health",
			"metrics":    "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.hub.Run(runCtx)

	// Start escrow health sweep
	s.monitor.Start(runCtx)

	// Collect connection pool stats
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for background goroutines (hub, sweep, stats)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop the health sweep
	s.monitor.Stop()
	s.logger.Info("health sweep stopped")

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	// Flush traces
	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("trace shutdown error", "error", err)
		}
	}

	// Close database connection pool
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// generateRequestID creates a random request ID
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
