// Package server sets up the HTTP server with all routes
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

	"github.com/merchantos/entitlement/internal/cache"
	"github.com/merchantos/entitlement/internal/config"
	"github.com/merchantos/entitlement/internal/entitlement"
	"github.com/merchantos/entitlement/internal/gateway"
	"github.com/merchantos/entitlement/internal/ledger"
	"github.com/merchantos/entitlement/internal/logging"
	"github.com/merchantos/entitlement/internal/metrics"
	"github.com/merchantos/entitlement/internal/plan"
	"github.com/merchantos/entitlement/internal/purchase"
	"github.com/merchantos/entitlement/internal/ratelimit"
	"github.com/merchantos/entitlement/internal/realtime"
	"github.com/merchantos/entitlement/internal/subscription"
	"github.com/merchantos/entitlement/internal/traces"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg             *config.Config
	db              *sql.DB // nil if using in-memory
	cacheClient     *cache.Client
	planStore       plan.Store
	subService      *subscription.Service
	subTimer        *subscription.Timer
	ledgerService   *ledger.Service
	guard           *entitlement.Guard
	purchaseService *purchase.Service
	gw              gateway.Gateway
	realtimeHub     *realtime.Hub
	rateLimiter     *ratelimit.Limiter
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	tracesShutdown  func(context.Context) error

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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(gw gateway.Gateway) Option {
	return func(s *Server) {
		s.gw = gw
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var subStore subscription.Store
	var ledgerStore ledger.Store
	var purchaseStore purchase.Store

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
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		planStore := plan.NewPostgresStore(db)
		if err := planStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate plan store", "error", err)
		}
		s.planStore = planStore

		subPG := subscription.NewPostgresStore(db)
		if err := subPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate subscription store", "error", err)
		}
		subStore = subPG

		ledgerPG := ledger.NewPostgresStore(db)
		if err := ledgerPG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		ledgerStore = ledgerPG

		purchasePG := purchase.NewPostgresStore(db)
		if err := purchasePG.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate purchase store", "error", err)
		}
		purchaseStore = purchasePG
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.planStore = plan.NewMemoryStore()
		subMem := subscription.NewMemoryStore()
		subStore = subMem
		ledgerStore = ledger.NewMemoryStore(subMem)
		purchaseStore = purchase.NewMemoryStore()
	}

	// Seed the plan catalogue so a fresh install has something to sell.
	if err := plan.Seed(ctx, s.planStore); err != nil {
		s.logger.Warn("failed to seed plan catalogue", "error", err)
	}

	// Subscription service with optional Redis cache
	s.subService = subscription.NewService(subStore, s.planStore, s.logger)
	if cfg.DefaultFreePlanID != "" {
		s.subService.SetDefaultFreePlan(cfg.DefaultFreePlanID)
		s.logger.Info("free plan auto-assignment enabled", "plan", cfg.DefaultFreePlanID)
	}
	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cfg.RedisURL)
		if err != nil {
			s.logger.Warn("redis unavailable, subscription cache disabled", "error", err)
		} else {
			s.cacheClient = c
			s.subService.SetCache(c)
			s.logger.Info("subscription cache enabled")
		}
	}

	// Ledger
	s.ledgerService = ledger.NewService(ledgerStore, subStore, s.logger)
	s.subService.SetLedger(&ledgerGranter{s.ledgerService})

	// Realtime hub; every ledger write invalidates the cached subscription
	// and notifies connected dashboards.
	s.realtimeHub = realtime.NewHub(s.logger)
	s.ledgerService.SetNotifier(&creditsNotifier{hub: s.realtimeHub, subs: s.subService})
	s.subService.SetEvents(s.realtimeHub)

	// Payment gateway
	if s.gw == nil {
		switch cfg.GatewayProvider {
		case "stripe":
			s.gw = gateway.NewStripeGateway(cfg.GatewaySecret, cfg.GatewayKeyID)
		default:
			s.gw = gateway.NewCheckoutGateway(cfg.GatewayKeyID, cfg.GatewaySecret)
		}
	}
	s.logger.Info("payment gateway configured", "provider", s.gw.Provider())

	// Guard and purchase flow
	s.guard = entitlement.NewGuard(s.subService, s.planStore, s.ledgerService, s.logger)
	s.purchaseService = purchase.NewService(purchaseStore, s.planStore, s.subService, s.ledgerService, s.gw, s.logger)

	// Expiry sweep; piggybacks guard session pruning
	s.subTimer = subscription.NewTimer(s.subService, time.Minute, s.logger)
	s.subTimer.OnSweep(func() {
		s.guard.PruneSessions(30 * time.Minute)
	})

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

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerSecond = s.cfg.RateLimitRPS
	}
	s.rateLimiter = ratelimit.New(rlCfg)
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
			requestID = logging.NewRequestID()
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

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for cache-invalidation events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")

	plan.NewHandler(s.planStore).RegisterRoutes(v1)
	subscription.NewHandler(s.subService).RegisterRoutes(v1)

	ledgerHandler := ledger.NewHandler(s.ledgerService, s.subService)
	ledgerHandler.RegisterRoutes(v1)

	entitlement.NewHandler(s.guard).RegisterRoutes(v1)

	purchaseHandler := purchase.NewHandler(s.purchaseService)
	purchaseHandler.RegisterRoutes(v1)

	// Admin routes guarded by the shared admin secret
	admin := v1.Group("/admin")
	admin.Use(s.adminAuthMiddleware())
	ledgerHandler.RegisterAdminRoutes(admin)
	purchaseHandler.RegisterAdminRoutes(admin)
	admin.GET("/realtime/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

// adminAuthMiddleware checks the X-Admin-Secret header. Without a
// configured secret, admin routes are open in development only.
func (s *Server) adminAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			if s.cfg.IsDevelopment() {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "ADMIN_SECRET is not configured",
			})
			return
		}

		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Invalid admin secret",
			})
			return
		}
		c.Next()
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "memory"
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

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"version":   "0.1.0",
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
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

// Run starts the server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.tracesShutdown = shutdownTraces
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"gateway", s.gw.Provider(),
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.subTimer.Start(runCtx)

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

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

	// Cancel the context for all background goroutines (hub, timer)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.tracesShutdown != nil {
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
		}
	}

	if s.cacheClient != nil {
		if err := s.cacheClient.Close(); err != nil {
			s.logger.Error("cache close error", "error", err)
		}
	}

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

// ledgerGranter adapts the ledger service to the subscription service's
// credit-granting hook.
type ledgerGranter struct {
	ledger *ledger.Service
}

func (g *ledgerGranter) GrantPlanCredits(ctx context.Context, subscriptionID string, amount int64, description, referenceID string) error {
	_, err := g.ledger.Credit(ctx, subscriptionID, amount, description, referenceID, "plan")
	return err
}

// creditsNotifier fans a ledger write out to the cache and the realtime hub.
type creditsNotifier struct {
	hub  *realtime.Hub
	subs *subscription.Service
}

func (n *creditsNotifier) CreditsChanged(sellerID, subscriptionID string, balance int64) {
	n.subs.InvalidateCurrent(context.Background(), sellerID)
	n.hub.CreditsChanged(sellerID, subscriptionID, balance)
}
