// Package server assembles the HTTP server: storage, domain engines,
// cross-engine wiring and routes.
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
	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/chat"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/config"
	"github.com/garagelink/garagelink/internal/connection"
	"github.com/garagelink/garagelink/internal/estimate"
	"github.com/garagelink/garagelink/internal/execution"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/mailer"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/notify"
	"github.com/garagelink/garagelink/internal/payment"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/sweep"
	"github.com/garagelink/garagelink/internal/traces"
	"github.com/garagelink/garagelink/internal/wallet"
	"github.com/garagelink/garagelink/internal/workshop"
)

// Server wraps the HTTP server and its engines.
type Server struct {
	cfg *config.Config

	wallets     *wallet.Service
	workshops   *workshop.Service
	requests    *request.Service
	connections *connection.Service
	estimates   *estimate.Service
	executions  *execution.Service
	payments    *payment.Service
	chat        *chat.Service
	hub         *notify.Hub
	sweeper     *sweep.Sweeper

	gateway payment.Gateway
	mail    execution.Mailer
	clock   clock.Clock

	db            *sql.DB // nil when using in-memory stores
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithClock injects a clock (for testing).
func WithClock(clk clock.Clock) Option {
	return func(s *Server) { s.clock = clk }
}

// WithMailer injects a mailer (for testing).
func WithMailer(m execution.Mailer) Option {
	return func(s *Server) { s.mail = m }
}

// WithGateway injects a payment gateway (for testing).
func WithGateway(g payment.Gateway) Option {
	return func(s *Server) { s.gateway = g }
}

// New builds a fully wired server.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		walletStore    wallet.Store
		workshopStore  workshop.Store
		requestStore   request.Store
		connStore      connection.Store
		estimateStore  estimate.Store
		executionStore execution.Store
		paymentStore   payment.Store
		chatStore      chat.Store
	)

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// Migration order follows the foreign keys.
		ws := wallet.NewPostgresStore(db)
		wk := workshop.NewPostgresStore(db)
		rq := request.NewPostgresStore(db)
		cn := connection.NewPostgresStore(db)
		es := estimate.NewPostgresStore(db)
		ex := execution.NewPostgresStore(db)
		pm := payment.NewPostgresStore(db)
		ch := chat.NewPostgresStore(db)
		for _, m := range []interface {
			Migrate(context.Context) error
		}{ws, wk, rq, cn, es, ex, pm, ch} {
			if err := m.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		walletStore, workshopStore, requestStore, connStore = ws, wk, rq, cn
		estimateStore, executionStore, paymentStore, chatStore = es, ex, pm, ch
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")
		walletStore = wallet.NewMemoryStore(s.clock)
		workshopStore = workshop.NewMemoryStore(s.clock)
		requestStore = request.NewMemoryStore(s.clock)
		connStore = connection.NewMemoryStore()
		estimateStore = estimate.NewMemoryStore()
		executionStore = execution.NewMemoryStore(s.clock)
		paymentStore = payment.NewMemoryStore()
		chatStore = chat.NewMemoryStore()
	}

	// Mailer: real SMTP when configured, log-only otherwise.
	if s.mail == nil {
		if cfg.SMTPHost != "" {
			s.mail = mailer.NewSMTP(mailer.Config{
				Host:     cfg.SMTPHost,
				Port:     cfg.SMTPPort,
				Username: cfg.SMTPUser,
				Password: cfg.SMTPPass,
				From:     cfg.MailFrom,
			})
			s.logger.Info("smtp mailer enabled", "host", cfg.SMTPHost)
		} else {
			s.mail = mailer.NewLog()
			s.logger.Info("smtp not configured, otp mail goes to the log")
		}
	}

	// Gateway: Stripe when keys are present, stub otherwise.
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payment.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gateway = payment.NewStubGateway()
			s.logger.Info("stripe not configured, using stub gateway")
		}
	}

	// Domain engines.
	s.wallets = wallet.NewService(walletStore, s.clock)
	s.workshops = workshop.NewService(workshopStore, s.clock)
	s.requests = request.NewService(requestStore, s.clock, cfg.RequestGraceWindow, cfg.FeePaidWindow)
	s.connections = connection.NewService(connStore, s.requests, s.workshops, s.clock, cfg.ConnectionTTL)
	s.estimates = estimate.NewService(estimateStore, s.connections, s.requests, s.workshops, s.clock, cfg.EstimateTTL)
	s.executions = execution.NewService(executionStore, s.requests, s.workshops, s.workshops, s.mail, s.clock)
	s.payments = payment.NewService(payment.Deps{
		Store:      paymentStore,
		Gateway:    s.gateway,
		Ledger:     &walletLedgerAdapter{s.wallets},
		Requests:   &paymentRequestAdapter{s.requests},
		Fees:       s.requests,
		Estimates:  &paymentEstimateAdapter{s.estimates},
		Executions: s.executions,
		Engagement: s.connections,
		Owners:     &workshopOwnerAdapter{s.workshops},
	}, s.clock, payment.Config{
		FeeAmount:  cfg.PlatformFeeAmount,
		Currency:   cfg.Currency,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	})

	s.hub = notify.NewHub()
	s.chat = chat.NewService(chatStore, &chatPartiesAdapter{
		requests:   s.requests,
		workshops:  s.workshops,
		executions: executionStore,
	}, s.hub, s.clock)

	// Cross-engine wiring. Setters break what would otherwise be
	// import cycles.
	s.requests.SetConnectionChecker(s.connections)
	s.requests.SetRefundHook(func(ctx context.Context, requestID string) {
		if err := s.payments.RefundPlatformFee(ctx, requestID); err != nil {
			logging.L(ctx).Error("refund evaluation failed", "request_id", requestID, "error", err)
		}
	})
	s.connections.SetExecutionBinder(s.executions)
	s.estimates.SetExecutionEstimator(s.executions)
	s.executions.SetEscrowReleaser(s.payments)

	s.sweeper = sweep.New(s.requests, s.connections, cfg.SweepInterval)

	// Tracing is a no-op without an OTLP endpoint.
	shutdown, err := traces.Setup(ctx, cfg.OTLPEndpoint)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.traceShutdown = shutdown
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered, "path", c.Request.URL.Path)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = idgen.New()
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
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds(), "client_ip", c.ClientIP())
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		default:
			logger.Info("request completed",
				"method", c.Request.Method, "path", path, "status", status,
				"latency_ms", latency.Milliseconds())
		}
	}
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	paymentHandlers := payment.NewHandlers(s.payments, s.gateway)
	// The webhook authenticates by signature, not by actor headers.
	paymentHandlers.RegisterWebhook(s.router)

	v1 := s.router.Group("/v1")
	v1.Use(actor.Middleware())

	request.NewHandlers(s.requests).RegisterRoutes(v1)
	workshop.NewHandlers(s.workshops).RegisterRoutes(v1)
	connection.NewHandlers(s.connections).RegisterRoutes(v1)
	estimate.NewHandlers(s.estimates).RegisterRoutes(v1)
	execution.NewHandlers(s.executions).RegisterRoutes(v1)
	paymentHandlers.RegisterRoutes(v1)
	wallet.NewHandlers(s.wallets).RegisterRoutes(v1)
	chat.NewHandlers(s.chat).RegisterRoutes(v1)
	s.hub.RegisterRoutes(v1)
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
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

// Run starts the HTTP server and the background sweeper, blocking
// until a shutdown signal or context cancellation.
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.sweeper.Start(runCtx)

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

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	s.sweeper.Stop()
	s.logger.Info("sweeper stopped")

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
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

// Router returns the gin router for testing.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Adapters
// -----------------------------------------------------------------------------

// walletLedgerAdapter narrows wallet.Service to payment.Ledger.
type walletLedgerAdapter struct {
	w *wallet.Service
}

func (a *walletLedgerAdapter) Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, reason, reference string) error {
	_, err := a.w.Credit(ctx, ownerID, role, amount, reason, reference)
	return err
}

func (a *walletLedgerAdapter) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, reference string) error {
	_, err := a.w.Debit(ctx, ownerID, amount, reason, reference)
	return err
}

// paymentRequestAdapter narrows request.Service to payment.RequestSource.
type paymentRequestAdapter struct {
	r *request.Service
}

func (a *paymentRequestAdapter) RequestInfo(ctx context.Context, id string) (*payment.RequestInfo, error) {
	r, err := a.r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &payment.RequestInfo{
		ID:      r.ID,
		OwnerID: r.UserID,
		Status:  string(r.Status),
		FeePaid: r.PlatformFeePaid,
		Expired: r.Status == request.StatusExpired,
	}, nil
}

// paymentEstimateAdapter narrows estimate.Service to payment.EstimateSource.
type paymentEstimateAdapter struct {
	e *estimate.Service
}

func (a *paymentEstimateAdapter) ApprovedEstimate(ctx context.Context, requestID string) (*payment.EstimateInfo, error) {
	e, err := a.e.Approved(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &payment.EstimateInfo{ID: e.ID, Amount: e.TotalAmount}, nil
}

// workshopOwnerAdapter narrows workshop.Service to payment.OwnerResolver.
type workshopOwnerAdapter struct {
	w *workshop.Service
}

func (a *workshopOwnerAdapter) WorkshopOwner(ctx context.Context, workshopID string) (string, error) {
	w, err := a.w.Get(ctx, workshopID)
	if err != nil {
		return "", err
	}
	return w.OwnerID, nil
}

// chatPartiesAdapter resolves a request's conversation: the request
// owner and the owner of the workshop bound to the active execution.
type chatPartiesAdapter struct {
	requests   *request.Service
	workshops  *workshop.Service
	executions execution.Store
}

func (a *chatPartiesAdapter) Parties(ctx context.Context, requestID string) (*chat.Parties, error) {
	r, err := a.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	e, err := a.executions.GetActiveByRequest(ctx, requestID)
	if errors.Is(err, execution.ErrNotFound) {
		return nil, chat.ErrNoConversation
	}
	if err != nil {
		return nil, err
	}
	w, err := a.workshops.Get(ctx, e.WorkshopID)
	if err != nil {
		return nil, err
	}
	return &chat.Parties{UserID: r.UserID, WorkshopOwnerID: w.OwnerID}, nil
}
