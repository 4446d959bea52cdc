// Package server wires escrowd's components and serves the HTTP API.
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
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/circuitbreaker"
	"github.com/mbd888/escrowd/internal/config"
	"github.com/mbd888/escrowd/internal/disputes"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/fraud"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/health"
	"github.com/mbd888/escrowd/internal/jobs"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/notify"
	"github.com/mbd888/escrowd/internal/payments"
	"github.com/mbd888/escrowd/internal/payouts"
	"github.com/mbd888/escrowd/internal/ratelimit"
	"github.com/mbd888/escrowd/internal/security"
	"github.com/mbd888/escrowd/internal/store"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
	"github.com/mbd888/escrowd/migrations"
)

// Server is the escrowd process: HTTP API, job runner and sweeper.
type Server struct {
	cfg     *config.Config
	version string
	logger  *slog.Logger
	db      *sql.DB
	store   store.Store

	router      *gin.Engine
	httpSrv     *http.Server
	rateLimiter *ratelimit.Limiter
	health      *health.Registry
	authManager *auth.Manager

	gateways *gateways.Registry
	breaker  *circuitbreaker.Breaker
	hub      *notify.Hub
	runner   *jobs.Runner
	sweeper  *escrow.Sweeper

	escrows    *escrow.Service
	payments   *payments.Service
	reconciler *payments.Reconciler
	disputes   *disputes.Service
	executor   *payouts.Executor

	traceShutdown func(context.Context) error
	shutdownGrace time.Duration

	// Lifecycle
	healthy      atomic.Bool
	ready        atomic.Bool
	cancelRunCtx context.CancelFunc
	background   sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// WithStore replaces the store chosen from DATABASE_URL
func WithStore(st store.Store) Option {
	return func(s *Server) {
		s.store = st
	}
}

// WithGateways replaces the gateway registry built from config
func WithGateways(r *gateways.Registry) Option {
	return func(s *Server) {
		s.gateways = r
	}
}

// New creates a new server
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		version:       "dev",
		shutdownGrace: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	}

	shutdown, err := traces.Init(context.Background(), traces.Options{
		Endpoint:    cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	s.health = health.NewRegistry(5 * time.Second)
	if err := s.setupStore(); err != nil {
		return nil, err
	}

	if s.gateways == nil {
		s.breaker = gateways.NewBreaker(cfg.GatewayBreakerThreshold, cfg.GatewayBreakerCooldown)
		s.breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
			s.logger.Warn("gateway circuit changed", "gateway", key, "from", from.String(), "to", to.String())
		})
		registry, err := buildGateways(cfg, s.breaker)
		if err != nil {
			return nil, err
		}
		s.gateways = registry
	}
	s.logger.Info("payment gateways configured", "gateways", s.gateways.Names(), "default", s.gateways.Default())

	if err := s.setupServices(); err != nil {
		return nil, err
	}

	s.authManager = auth.NewManager(cfg.JWTSecret, 0)

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

// setupStore opens Postgres when DATABASE_URL is set and falls back to
// the in-memory store otherwise.
func (s *Server) setupStore() error {
	if s.store != nil {
		return nil
	}
	if s.cfg.DatabaseURL == "" {
		s.logger.Warn("DATABASE_URL not set, using in-memory store (data is lost on restart)")
		s.store = store.NewMemory()
		return nil
	}

	db, err := sql.Open("postgres", s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	s.logger.Info("connected to postgres", "dsn", maskDSN(s.cfg.DatabaseURL))

	if s.cfg.AutoMigrate {
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		s.logger.Info("database migrations applied")
	}

	s.db = db
	s.store = store.NewPostgres(db)
	s.health.Register("postgres", health.PingChecker("postgres", db))
	return nil
}

// buildGateways registers every provider with credentials configured.
// All providers share one breaker keyed by gateway name.
func buildGateways(cfg *config.Config, breaker *circuitbreaker.Breaker) (*gateways.Registry, error) {
	transport := gateways.Transport{Breaker: breaker}
	var gws []gateways.Gateway

	if cfg.PaystackSecretKey != "" {
		gws = append(gws, gateways.NewPaystack(gateways.PaystackConfig{
			SecretKey: cfg.PaystackSecretKey,
			BaseURL:   cfg.PaystackBaseURL,
			Transport: transport,
		}))
	}
	if cfg.FlutterwaveSecretKey != "" {
		gws = append(gws, gateways.NewFlutterwave(gateways.FlutterwaveConfig{
			SecretKey:  cfg.FlutterwaveSecretKey,
			SecretHash: cfg.FlutterwaveSecretHash,
			BaseURL:    cfg.FlutterwaveBaseURL,
			Transport:  transport,
		}))
	}
	if cfg.MonnifyAPIKey != "" {
		gws = append(gws, gateways.NewMonnify(gateways.MonnifyConfig{
			APIKey:        cfg.MonnifyAPIKey,
			SecretKey:     cfg.MonnifySecretKey,
			ContractCode:  cfg.MonnifyContractCode,
			SourceAccount: cfg.MonnifySourceAccount,
			BaseURL:       cfg.MonnifyBaseURL,
			Transport:     transport,
		}))
	}
	if cfg.StripeSecretKey != "" {
		gws = append(gws, gateways.NewStripe(gateways.StripeConfig{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			Transport:     transport,
		}))
	}
	if cfg.EnableSandbox {
		gws = append(gws, gateways.NewSandbox(cfg.SandboxSecret))
	}

	registry := gateways.NewRegistry(gateways.ParseName(cfg.DefaultGateway), gws...)
	if _, err := registry.Get(""); err != nil {
		return nil, fmt.Errorf("default gateway %q is not configured: %w", cfg.DefaultGateway, err)
	}
	return registry, nil
}

// setupServices builds the domain services and registers the job handlers.
func (s *Server) setupServices() error {
	cfg := s.cfg
	st := s.store

	s.runner = jobs.NewRunner(st, jobs.Config{
		Workers:      cfg.JobWorkers,
		MaxAttempts:  cfg.JobMaxAttempts,
		BaseDelay:    cfg.JobBaseDelay,
		MaxDelay:     cfg.JobMaxDelay,
		PollInterval: cfg.JobPollInterval,
		Lease:        cfg.JobLease,
	}, s.logger)

	// Notifications fan out through a job so a slow sink never blocks a transition
	s.hub = notify.NewHub(s.logger)
	sinks := []notify.Sink{s.hub}
	if cfg.NotifyWebhookURL != "" {
		if err := security.ValidateEndpointURL(cfg.NotifyWebhookURL, cfg.IsProduction()); err != nil {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, notify.NewHTTPSink(cfg.NotifyWebhookURL, cfg.NotifyWebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}
	dispatcher := notify.NewDispatcher(st, s.logger, sinks...).WithMaxAttempts(cfg.JobMaxAttempts)

	fraudSvc := fraud.NewService(st, fraud.Config{
		MaxPerHour:    cfg.FraudMaxPerHour,
		AmountFactor:  cfg.FraudAmountFactor,
		AmountCeiling: cfg.FraudAmountCeiling,
		Blocklist:     cfg.FraudBlocklist,
	}, s.logger)

	s.escrows = escrow.NewService(st, escrow.Config{
		Currencies:        cfg.SupportedCurrencies,
		MaxAmount:         cfg.MaxEscrowAmount,
		DefaultExpiryDays: cfg.DefaultExpiryDays,
		MaxExpiryDays:     cfg.MaxExpiryDays,
		JobMaxAttempts:    cfg.JobMaxAttempts,
	}).WithNotifier(dispatcher).WithFraudChecker(fraudSvc)

	s.payments = payments.NewService(st, s.gateways)
	s.reconciler = payments.NewReconciler(st, s.gateways, s.logger).
		WithNotifier(dispatcher).
		WithVerifyTimeout(cfg.VerifyTimeout).
		WithMaxAttempts(cfg.JobMaxAttempts)

	s.disputes = disputes.NewService(st).WithNotifier(dispatcher).WithMaxAttempts(cfg.JobMaxAttempts)

	s.executor = payouts.NewExecutor(st, s.gateways, s.logger).WithMaxAttempts(cfg.JobMaxAttempts)
	s.executor.OnSettled(s.disputes.Finalize)

	s.sweeper = escrow.NewSweeper(s.escrows, st, st, cfg.SweepInterval, s.logger).
		WithTask(s.reconciler.RecoverStale)

	s.runner.Register(jobs.QueuePayoutExecute, s.executor.Handle, jobs.OnDeadLetter(s.executor.DeadLetter))
	s.runner.Register(jobs.QueueWebhookReprocess, s.reconciler.HandleReprocess, jobs.OnDeadLetter(s.reconciler.DeadLetter))
	s.runner.Register(jobs.QueueNotificationDispatch, dispatcher.Handle)
	s.runner.Register(jobs.QueueExpirySweep, s.sweeper.Handle)

	if cfg.RunsWorkers() {
		s.health.Register("jobs", func(context.Context) health.Status {
			if !s.ready.Load() || s.runner.Running() {
				return health.Status{Name: "jobs", Healthy: true}
			}
			return health.Status{Name: "jobs", Healthy: false, Detail: "job runner is not running"}
		})
	}
	return nil
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

	s.router.Use(otelgin.Middleware(traces.ServiceName))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerSecond: float64(s.cfg.RateLimitRPS),
		BurstSize:         s.cfg.RateLimitBurst,
	})
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
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
		if actor, ok := auth.GetActor(c); ok {
			logger = logger.With("userId", actor.ID)
		}

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

	if !s.cfg.RunsAPI() {
		return
	}

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authManager))
	v1.GET("/gateways", s.gatewaysHandler)

	escrowHandler := escrow.NewHandler(s.escrows)
	paymentsHandler := payments.NewHandler(s.payments, s.reconciler, s.gateways)
	disputesHandler := disputes.NewHandler(s.disputes)
	payoutsHandler := payouts.NewHandler(s.store, s.executor, s.escrows)
	jobsHandler := jobs.NewHandler(s.store)

	// Webhooks authenticate by gateway signature
	paymentsHandler.RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	escrowHandler.RegisterProtectedRoutes(protected)
	paymentsHandler.RegisterProtectedRoutes(protected)
	disputesHandler.RegisterProtectedRoutes(protected)
	payoutsHandler.RegisterProtectedRoutes(protected)
	protected.GET("/events/ws", s.hub.HandleWebSocket)

	admin := v1.Group("")
	admin.Use(auth.RequireAdmin())
	escrowHandler.RegisterAdminRoutes(admin)
	disputesHandler.RegisterAdminRoutes(admin)
	payoutsHandler.RegisterAdminRoutes(admin)
	jobsHandler.RegisterAdminRoutes(admin)
	admin.GET("/admin/events/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.hub.Stats())
	})
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the response for health checks
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	RunMode   string            `json:"runMode"`
	Checks    map[string]string `json:"checks,omitempty"`
	Gateways  map[string]string `json:"gateways,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy: " + st.Detail
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		RunMode:   s.cfg.RunMode,
		Checks:    checks,
		Gateways:  s.gatewayStates(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// gatewayStates reports each provider's circuit. An open circuit degrades
// payments but does not fail the health check.
func (s *Server) gatewayStates() map[string]string {
	if s.breaker == nil {
		return nil
	}
	states := make(map[string]string)
	for _, name := range s.gateways.Names() {
		states[string(name)] = s.breaker.State(string(name)).String()
	}
	return states
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

func (s *Server) gatewaysHandler(c *gin.Context) {
	names := s.gateways.Names()
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, string(n))
	}
	c.JSON(http.StatusOK, gin.H{
		"gateways": out,
		"default":  string(s.gateways.Default()),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until a
// signal arrives, ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	// Background goroutines stop when Shutdown cancels this context.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	errChan := make(chan error, 1)

	if s.cfg.RunsAPI() {
		s.httpSrv = &http.Server{
			Addr:              ":" + s.cfg.Port,
			Handler:           s.router,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			s.logger.Info("starting server", "port", s.cfg.Port, "runMode", s.cfg.RunMode)
			if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	s.goBackground(func() { s.hub.Run(runCtx) })

	if s.cfg.RunsWorkers() {
		s.goBackground(func() { s.runner.Run(runCtx) })
		s.goBackground(func() { s.sweeper.Start(runCtx) })
	}

	if s.db != nil {
		s.goBackground(func() { metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second) })
	}

	s.ready.Store(true)
	s.logger.Info("server ready", "version", s.version)

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

func (s *Server) goBackground(fn func()) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		fn()
	}()
}

// Shutdown gracefully stops the server. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	if s.httpSrv != nil && s.shutdownGrace > 0 {
		time.Sleep(s.shutdownGrace)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Stop workers and wait for in-flight jobs to return
	s.sweeper.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("background workers stopped")
	case <-ctx.Done():
		s.logger.Warn("background workers did not stop in time")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
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

	s.healthy.Store(false)
	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
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
