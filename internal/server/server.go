// Package server wires stores, services, timers and routes into the HTTP API.
package server

import (
	"context"
	"database/sql"
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

	"github.com/rentvault/rentvault/internal/accounts"
	"github.com/rentvault/rentvault/internal/admin"
	"github.com/rentvault/rentvault/internal/amount"
	"github.com/rentvault/rentvault/internal/anchor"
	"github.com/rentvault/rentvault/internal/chain"
	"github.com/rentvault/rentvault/internal/config"
	"github.com/rentvault/rentvault/internal/custody"
	"github.com/rentvault/rentvault/internal/disputes"
	"github.com/rentvault/rentvault/internal/escrow"
	"github.com/rentvault/rentvault/internal/health"
	"github.com/rentvault/rentvault/internal/logging"
	"github.com/rentvault/rentvault/internal/metrics"
	"github.com/rentvault/rentvault/internal/payments"
	"github.com/rentvault/rentvault/internal/ratelimit"
	"github.com/rentvault/rentvault/internal/realtime"
	"github.com/rentvault/rentvault/internal/reconciliation"
	"github.com/rentvault/rentvault/internal/security"
	"github.com/rentvault/rentvault/internal/validation"
)

// Version is reported by /health.
var Version = "dev"

const (
	drainDelay       = 5 * time.Second
	shutdownTimeout  = 30 * time.Second
	dbStatsInterval  = 15 * time.Second
	disputeRetryTick = time.Minute
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *sql.DB // nil if using in-memory

	network  chain.Network
	gateway  anchor.Gateway
	records  payments.Store
	registry *accounts.Registry

	submitter  *payments.Submitter
	escrows    *escrow.Service
	disputes   *disputes.Service
	anchors    *anchor.Service
	reconciler *reconciliation.Service
	recorder   *disputes.ContractRecorder
	hub        *realtime.Hub

	escrowTimer    *escrow.Timer
	disputeTimer   *disputes.Timer
	reconcileTimer *reconciliation.Timer
	limiter        *ratelimit.Limiter
	checks         *health.Registry

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithNetwork replaces the Horizon-backed ledger client (for testing).
func WithNetwork(n chain.Network) Option {
	return func(s *Server) { s.network = n }
}

// WithAnchorGateway replaces the HTTP anchor gateway (for testing).
func WithAnchorGateway(g anchor.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// New builds every component from cfg. With no DATABASE_URL all stores are
// in memory.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	custodian, err := custody.New(cfg.KeyEncryptionSecret)
	if err != nil {
		return nil, err
	}
	reserve, err := amount.Parse(cfg.MinimumReserve)
	if err != nil {
		return nil, fmt.Errorf("minimum reserve: %w", err)
	}

	if cfg.IsProduction() {
		if err := security.ValidateEndpointURL(ctx, "HORIZON_URL", cfg.HorizonURL, nil); err != nil {
			return nil, err
		}
		if cfg.AnchorURL != "" {
			if err := security.ValidateEndpointURL(ctx, "ANCHOR_URL", cfg.AnchorURL, nil); err != nil {
				return nil, err
			}
		}
	}

	s.checks = health.NewRegistry()
	if s.network == nil {
		horizon := chain.NewHorizonNetwork(cfg.HorizonURL, cfg.FriendbotURL, 30*time.Second)
		s.network = horizon
		s.checks.Register("ledger", health.Network(horizon, cfg.NetworkPassphrase))
	}
	if s.gateway == nil && cfg.AnchorURL != "" {
		s.gateway = anchor.NewHTTPGateway(cfg.AnchorURL, "", 15*time.Second)
	}

	var (
		accountStore  accounts.Store
		escrowStore   escrow.Store
		disputeStore  disputes.Store
		anchorStore   anchor.Store
		paymentsStore payments.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = db
		s.checks.Register("database", health.Database(db))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		accountStore = accounts.NewPostgresStore(db)
		paymentsStore = payments.NewPostgresStore(db)
		escrowStore = escrow.NewPostgresStore(db)
		disputeStore = disputes.NewPostgresStore(db)
		anchorStore = anchor.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		accountStore = accounts.NewMemoryStore()
		paymentsStore = payments.NewMemoryStore()
		escrowStore = escrow.NewMemoryStore(paymentsStore)
		disputeStore = disputes.NewMemoryStore()
		anchorStore = anchor.NewMemoryStore()
	}
	s.records = paymentsStore

	builder := chain.NewBuilder(cfg.NetworkPassphrase, cfg.BaseFee, cfg.TxTimeout)
	s.registry = accounts.NewRegistry(accountStore, custodian, s.network, builder, s.logger)
	s.hub = realtime.NewHub(cfg.CORSOrigins, s.logger)
	s.submitter = payments.NewSubmitter(paymentsStore, s.registry, nil, s.logger).WithEvents(s.hub)
	s.escrows = escrow.NewService(escrowStore, paymentsStore, s.registry, reserve, s.logger).WithEvents(s.hub)

	var recorder disputes.VoteRecorder
	if cfg.VotingEnabled() {
		rec, err := disputes.NewContractRecorder(disputes.ContractConfig{
			RPCURL:      cfg.VotingRPCURL,
			Contract:    cfg.VotingContract,
			OperatorKey: cfg.VotingOperatorKey,
			ChainID:     cfg.VotingChainID,
		}, nil)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.recorder = rec
		recorder = rec
		s.logger.Info("arbiter votes recorded on contract", "contract", cfg.VotingContract, "chainId", cfg.VotingChainID)
	}
	s.disputes = disputes.NewService(disputeStore, s.escrows, recorder, s.logger).WithEvents(s.hub)
	s.anchors = anchor.NewService(anchorStore, s.gateway, cfg.AnchorCurrencies, s.logger).WithEvents(s.hub)

	s.reconciler = reconciliation.NewService(s.registry, paymentsStore, s.escrows, s.anchors, cfg.PendingRecheckAfter, s.logger).
		WithEvents(s.hub)
	s.submitter.SetRefresher(s.reconciler)

	s.escrowTimer = escrow.NewTimer(s.escrows, cfg.EscrowSweepInterval, s.logger)
	s.disputeTimer = disputes.NewTimer(s.disputes, disputeRetryTick, s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)
	s.limiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: int(cfg.RateLimitRPM)})

	if !cfg.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(logging.Middleware(s.logger))
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")

	// Anchor callbacks come from one server-side caller and are not throttled.
	recon := reconciliation.NewHandler(s.reconciler, s.cfg.WebhookSecret)
	recon.RegisterWebhookRoutes(v1)

	api := v1.Group("", s.limiter.Middleware())
	accounts.NewHandler(s.registry).RegisterRoutes(api)
	recon.RegisterRoutes(api)
	payments.NewHandler(s.submitter).RegisterRoutes(api)
	escrow.NewHandler(s.escrows).RegisterRoutes(api)
	disputes.NewHandler(s.disputes).RegisterRoutes(api)
	anchor.NewHandler(s.anchors).RegisterRoutes(api)
	s.hub.RegisterRoutes(api)

	if s.cfg.AdminToken != "" {
		admin.NewHandler().
			WithPending(s.records).
			WithEscrows(s.escrows).
			WithDisputes(s.disputes).
			WithReconciler(s.reconciler).
			RegisterRoutes(v1.Group("", admin.RequireToken(s.cfg.AdminToken)))
	}
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.checks.CheckAll(c.Request.Context())
	status, code := "healthy", http.StatusOK
	if !ok {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, HealthResponse{
		Status:    status,
		Version:   Version,
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

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background timers, then blocks until a
// signal, ctx cancellation or a listener error.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "horizon", s.cfg.HorizonURL)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.escrowTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
	go s.limiter.Start()
	go s.hub.Run(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, dbStatsInterval)
	}

	s.ready.Store(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}
	return s.Shutdown()
}

// Shutdown drains HTTP traffic, stops timers and closes connections.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.escrowTimer.Stop()
	s.disputeTimer.Stop()
	s.reconcileTimer.Stop()
	s.limiter.Stop()
	if s.recorder != nil {
		s.recorder.Close()
	}
	s.closeDB()

	s.logger.Info("server stopped")
	return nil
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
