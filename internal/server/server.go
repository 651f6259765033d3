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

	"github.com/mbd888/stellarcredit/internal/analysis"
	"github.com/mbd888/stellarcredit/internal/chainsim"
	"github.com/mbd888/stellarcredit/internal/circuitbreaker"
	"github.com/mbd888/stellarcredit/internal/config"
	"github.com/mbd888/stellarcredit/internal/health"
	"github.com/mbd888/stellarcredit/internal/horizon"
	"github.com/mbd888/stellarcredit/internal/logging"
	"github.com/mbd888/stellarcredit/internal/metrics"
	"github.com/mbd888/stellarcredit/internal/ratelimit"
	"github.com/mbd888/stellarcredit/internal/realtime"
	"github.com/mbd888/stellarcredit/internal/scoring"
	"github.com/mbd888/stellarcredit/internal/security"
	"github.com/mbd888/stellarcredit/internal/soroban"
	"github.com/mbd888/stellarcredit/internal/strkey"
	"github.com/mbd888/stellarcredit/internal/validation"
	"github.com/mbd888/stellarcredit/internal/walletmetrics"
	"github.com/mbd888/stellarcredit/internal/watcher"
	"github.com/mbd888/stellarcredit/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg         *config.Config
	version     string
	ledgers     map[string]*horizon.Client
	gateway     *soroban.Gateway
	contract    *chainsim.Contract    // nil when a remote relay is configured
	relay       *soroban.RPCBackend   // nil when the contract runs in-process
	analysis    *analysis.Service
	realtimeHub *realtime.Hub
	watcher     *watcher.Watcher
	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	db          *sql.DB // nil if using in-memory
	router      *gin.Engine
	httpSrv     *http.Server
	logger      *slog.Logger

	chainsimOpts []chainsim.Option
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	shutdownWait time.Duration

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

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithChainsimOptions passes options to the in-process contract (for testing).
func WithChainsimOptions(opts ...chainsim.Option) Option {
	return func(s *Server) {
		s.chainsimOpts = append(s.chainsimOpts, opts...)
	}
}

// WithShutdownWait sets how long Shutdown waits for load balancers to
// drain before closing listeners.
func WithShutdownWait(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownWait = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:          cfg,
		version:      "dev",
		logger:       logging.New(cfg.LogLevel, cfg.LogFormat),
		health:       health.NewRegistry(),
		shutdownWait: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		s.health.Register("database", health.PingChecker("database", 0, db.PingContext))
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	// Ledger query clients, one per network
	s.ledgers = make(map[string]*horizon.Client)
	for _, network := range []string{analysis.NetworkTestnet, analysis.NetworkMainnet} {
		base, _ := cfg.HorizonURL(network)
		client := horizon.New(base,
			horizon.WithRateLimit(cfg.HorizonRPS, int(cfg.HorizonRPS)+1),
			horizon.WithLogger(s.logger.With("network", network)),
		)
		s.ledgers[network] = client
		s.health.Register("horizon:"+network, health.PingChecker("horizon:"+network, 0, client.Ping))
	}

	// Contract gateway
	if err := s.setupContract(ctx); err != nil {
		s.closeDB()
		return nil, err
	}
	s.health.Register("contract", health.PingChecker("contract", 0, s.gateway.Health))

	// Scoring engine: external model when configured, heuristic otherwise
	var primary scoring.Strategy
	if cfg.ScoringModelURL != "" {
		primary = scoring.NewModelStrategy(cfg.ScoringModelURL, cfg.ScoringModelTimeout)
		s.logger.Info("scoring model enabled", "url", cfg.ScoringModelURL)
	}
	engine := scoring.NewEngine(primary, scoring.WithBreaker(circuitbreaker.New(5, 30*time.Second)))

	// Realtime hub for WebSocket push
	s.realtimeHub = realtime.NewHub(s.logger)

	// Analysis history
	var history analysis.HistoryStore = analysis.NewMemoryHistory(analysis.DefaultHistoryCapacity)
	if s.db != nil {
		history = analysis.NewPostgresHistory(s.db)
	}

	ledgers := make(map[string]analysis.Ledger, len(s.ledgers))
	for network, client := range s.ledgers {
		ledgers[network] = client
	}
	s.analysis = analysis.NewService(
		ledgers,
		walletmetrics.NewCalculator(walletmetrics.WithPrices(walletmetrics.NewStaticPrices(cfg.NativeUSDRate))),
		engine,
		s.gateway,
		analysis.WithNotifier(s.realtimeHub),
		analysis.WithHistory(history),
		analysis.WithDefaultNetwork(cfg.DefaultNetwork),
		analysis.WithLogger(s.logger),
	)

	// Ledger watcher for subscribed addresses (default network only)
	watchCfg := watcher.DefaultConfig()
	watchCfg.PollInterval = cfg.WatchInterval
	s.watcher = watcher.New(watchCfg, s.ledgers[cfg.DefaultNetwork], s.realtimeHub, s.realtimeHub,
		s.logger.With("component", "watcher"))

	if err := validation.RegisterGinTags(); err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to register validators: %w", err)
	}

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

// setupContract connects the gateway to the remote relay, or to the
// in-process contract backed by the same storage as everything else.
func (s *Server) setupContract(ctx context.Context) error {
	cfg := s.cfg

	var signer soroban.Signer
	var signerAddr string
	if cfg.SignerSecret != "" {
		kp, err := soroban.NewKeypairSigner(cfg.SignerSecret)
		if err != nil {
			return err
		}
		signer = kp
		signerAddr = kp.PublicKey()
	}

	gwCfg := soroban.Config{
		ContractID:      cfg.ContractID,
		PollInterval:    cfg.PollInterval,
		MaxPollAttempts: cfg.MaxPollAttempts,
	}

	var backend soroban.Backend
	if cfg.ContractRPCURL != "" {
		relay, err := soroban.DialRPC(ctx, cfg.ContractRPCURL, 15*time.Second)
		if err != nil {
			return err
		}
		s.relay = relay
		backend = relay
		s.logger.Info("contract relay configured", "contract_id", cfg.ContractID)
	} else {
		var store chainsim.Store = chainsim.NewMemoryStore()
		if s.db != nil {
			store = chainsim.NewPostgresStore(s.db)
		}
		admin := signerAddr
		if admin == "" {
			meta, err := store.Meta(ctx)
			if err != nil {
				return fmt.Errorf("load contract state: %w", err)
			}
			admin = meta.Admin
			if admin == "" {
				// Nothing stored yet. Leave the database unclaimed so a later
				// start with SIGNER_SECRET becomes its admin.
				store = chainsim.NewMemoryStore()
				if admin, err = throwawayAccountID(); err != nil {
					return err
				}
			}
		}
		opts := append([]chainsim.Option{chainsim.WithLogger(s.logger.With("component", "chainsim"))}, s.chainsimOpts...)
		contract, err := chainsim.New(ctx, store, admin, opts...)
		if err != nil {
			return err
		}
		if cfg.ContractID != "" && cfg.ContractID != contract.ID() {
			s.logger.Warn("CONTRACT_ID ignored for the in-process contract", "configured", cfg.ContractID, "contract_id", contract.ID())
		}
		gwCfg.ContractID = contract.ID()
		s.contract = contract
		backend = contract
		s.logger.Info("in-process credit contract", "contract_id", contract.ID(), "admin", admin)
	}

	s.gateway = soroban.NewGateway(backend, signer, gwCfg, soroban.WithLogger(s.logger.With("component", "soroban")))
	if s.gateway.ReadOnly() {
		s.logger.Warn("no SIGNER_SECRET set, contract writes disabled")
	}
	return nil
}

// throwawayAccountID returns a random G... address for a read-only
// contract nobody can sign for.
func throwawayAccountID() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return strkey.Encode(strkey.VersionAccountID, raw)
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
			"error": "An unexpected error occurred",
			"code":  "INTERNAL_ERROR",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

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

	// WebSocket for push updates
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	s.router.GET("/api", s.infoHandler)

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitPerMinute,
		BurstSize:         ratelimit.DefaultConfig().BurstSize,
	})

	h := analysis.NewHandler(s.analysis)

	api := s.router.Group("/api")
	api.Use(s.rateLimiter.Middleware())
	h.RegisterRoutes(api)

	admin := api.Group("/admin")
	admin.Use(security.RequireAdminSecret(s.cfg.AdminSecret))
	h.RegisterAdminRoutes(admin)
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
	ok, statuses := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    statuses,
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
	backend := "in-process"
	if s.relay != nil {
		backend = "relay"
	}
	info := gin.H{
		"name":            "stellarcredit",
		"description":     "Credit scoring for Stellar wallets",
		"version":         s.version,
		"default_network": s.cfg.DefaultNetwork,
		"contract_id":     s.gateway.ContractID(),
		"contract":        backend,
		"read_only":       s.gateway.ReadOnly(),
		"hub":             s.realtimeHub.Stats(),
	}
	if s.contract != nil {
		info["contract_admin"] = s.contract.Admin()
	}
	c.JSON(http.StatusOK, info)
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Analysis waits for the contract write to confirm.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"network", s.cfg.DefaultNetwork,
			"contract_id", s.gateway.ContractID(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	s.watcher.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
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
	defer signal.Stop(sigChan)

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

	// Cancel the context for all background goroutines (hub, watcher, collectors)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(s.shutdownWait)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.cancelRunCtx != nil {
		s.watcher.Stop()
		s.logger.Info("ledger watcher stopped")
	}

	if s.relay != nil {
		s.relay.Close()
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
	} else {
		s.logger.Info("database connection closed")
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Hub returns the realtime hub
func (s *Server) Hub() *realtime.Hub {
	return s.realtimeHub
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
