// Package api exposes the screening engine over HTTP: market data reads,
// trader lifecycle control, signal administration and the sandbox-backed
// editor endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"signal-screener/internal/auth"
	"signal-screener/internal/database"
	"signal-screener/internal/errs"
	"signal-screener/internal/logging"
	"signal-screener/internal/market"
	"signal-screener/internal/metrics"
	"signal-screener/internal/sandbox"
	"signal-screener/internal/trader"
)

// rateLimiter provides simple in-memory sliding-window rate limiting.
type rateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// allow checks whether a request is allowed for the given key.
func (r *rateLimiter) allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// Config holds server configuration.
type Config struct {
	Host           string
	Port           int
	ProductionMode bool
	Version        string
	AllowedOrigins []string
	MetricsEnabled bool

	// timeframe editor runs default to when the request names none
	DefaultInterval market.Timeframe

	// sandbox endpoint limiter, per client IP
	SandboxRateLimit  int
	SandboxRateWindow time.Duration
}

// traderOps is the manager surface the handlers drive. *trader.Manager
// satisfies it.
type traderOps interface {
	Start(ctx context.Context, id string, by auth.Identity) error
	Stop(ctx context.Context, id string, by auth.Identity) error
	Reload(ctx context.Context, id string, by auth.Identity) error
	Status(ctx context.Context, id string) (trader.TraderStatus, error)
	List(ctx context.Context, userID string) ([]trader.TraderStatus, error)
	Active(by auth.Identity) []trader.TraderStatus
	ExecuteImmediate(ctx context.Context, id string, by auth.Identity) (*trader.BatchResult, error)
}

// marketView is the read-only market surface. The binance ingestor
// satisfies it.
type marketView interface {
	ActiveSymbols() []string
	Snapshot(symbol string, tf market.Timeframe, limit int) ([]market.Kline, bool)
	TickerOf(symbol string) (market.Ticker, bool)
}

// filterRunner compiles and evaluates editor snippets. The sandbox
// executor satisfies it.
type filterRunner interface {
	Validate(source string) error
	Compile(source string) (*sandbox.Program, error)
	Execute(ctx context.Context, p *sandbox.Program, data market.Data, timeout time.Duration) (bool, error)
}

// signalStore is the persistence slice the handlers touch directly.
type signalStore interface {
	InsertSignal(ctx context.Context, sig *database.Signal) error
	HealthCheck(ctx context.Context) error
}

// Server is the HTTP API server.
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	store      signalStore
	manager    traderOps
	source     marketView
	runner     filterRunner
	limiter    *rateLimiter
	log        zerolog.Logger
	startedAt  time.Time
}

// NewServer wires the router. Call Start to begin serving.
func NewServer(cfg Config, store signalStore, manager traderOps, source marketView, runner filterRunner, verifier *auth.Verifier, log zerolog.Logger) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.SandboxRateLimit <= 0 {
		cfg.SandboxRateLimit = 30
	}
	if cfg.SandboxRateWindow <= 0 {
		cfg.SandboxRateWindow = time.Minute
	}
	if !cfg.DefaultInterval.Valid() {
		cfg.DefaultInterval = market.TF5m
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		cfg:       cfg,
		router:    router,
		store:     store,
		manager:   manager,
		source:    source,
		runner:    runner,
		limiter:   newRateLimiter(cfg.SandboxRateLimit, cfg.SandboxRateWindow),
		log:       log.With().Str("component", "api").Logger(),
		startedAt: time.Now(),
	}

	router.Use(s.requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length"}
	corsConfig.AllowCredentials = len(cfg.AllowedOrigins) > 0
	router.Use(cors.New(corsConfig))

	s.setupRoutes(verifier)
	return s
}

func (s *Server) setupRoutes(verifier *auth.Verifier) {
	s.router.GET("/health", s.handleHealth)
	if s.cfg.MetricsEnabled {
		s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	v1 := s.router.Group("/api/v1")
	v1.Use(auth.Middleware(verifier))
	{
		// market data
		v1.GET("/symbols", s.handleSymbols)
		v1.GET("/klines/:symbol/:interval", s.handleKlines)

		// trader lifecycle
		v1.GET("/traders", s.handleListTraders)
		v1.GET("/traders/active", s.handleActiveTraders)
		v1.GET("/traders/:id/status", s.handleTraderStatus)
		v1.POST("/traders/:id/start", s.handleStartTrader)
		v1.POST("/traders/:id/stop", s.handleStopTrader)
		v1.POST("/traders/:id/reload", s.handleReloadTrader)
		v1.POST("/traders/:id/execute-immediate", s.handleExecuteImmediate)

		// signal administration
		v1.POST("/signals", auth.RequireAdmin(), s.handleInsertSignal)

		// editor endpoints back onto the interpreter pool, so they get a
		// per-IP limiter
		editor := v1.Group("")
		editor.Use(s.sandboxRateLimit())
		{
			editor.POST("/execute-filter", s.handleExecuteFilter)
			editor.POST("/validate-code", s.handleValidateCode)
		}
	}
}

// Start runs the HTTP server until Shutdown or a listener error.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.log.Info().Str("addr", addr).Msg("http server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errs.Wrap(errs.KindConfig, "http server failed", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, reqLog := logging.WithTrace(c.Request.Context(), s.log)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		reqLog.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// sandboxRateLimit caps interpreter-backed endpoints per client IP.
func (s *Server) sandboxRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP() + " " + c.FullPath()
		if !s.limiter.allow(key) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limited",
				"message": "too many editor requests, slow down",
				"code":    http.StatusTooManyRequests,
			})
			return
		}
		c.Next()
	}
}

// handleHealth reports liveness plus database reachability.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	if err := s.store.HealthCheck(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":        status,
		"timestamp":     time.Now().UTC().Format(time.RFC3339),
		"version":       s.cfg.Version,
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	})
}

// respondError maps an error's kind onto the wire shape every handler uses.
func respondError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := kind.HTTPStatus()
	if status >= http.StatusInternalServerError {
		logger := logging.FromContext(c.Request.Context())
		logger.Error().
			Err(err).
			Str("kind", kind.String()).
			Str("path", c.Request.URL.Path).
			Msg("request failed")
	}
	c.JSON(status, gin.H{
		"error":   kind.String(),
		"message": err.Error(),
		"code":    status,
	})
}
