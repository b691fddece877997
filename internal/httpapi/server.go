// Package httpapi exposes the query interface and the manual trigger over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"DiscoveryScanner/internal/digest"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/metrics"
	"DiscoveryScanner/internal/query"
	"DiscoveryScanner/internal/usecase"
)

const shutdownTimeout = 10 * time.Second

// Runner triggers and reports aggregation runs.
type Runner interface {
	usecase.Runner
	State() domain.RunStatus
	Current() (domain.AggregationRun, bool)
}

// Deps wires the server.
type Deps struct {
	Query       *query.Service
	Digest      *digest.Builder
	Runner      Runner
	Metrics     *metrics.Metrics
	Gatherer    prometheus.Gatherer
	Logger      *slog.Logger
	CORSOrigins []string
	Clock       func() time.Time
	// Location renders digest dates; UTC when nil.
	Location *time.Location
	// BaseContext parents runs started over HTTP; cancelling it aborts them.
	BaseContext context.Context
}

// Server is the gin based HTTP surface.
type Server struct {
	engine   *gin.Engine
	query    *query.Service
	digest   *digest.Builder
	runner   Runner
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
	location *time.Location
	baseCtx  context.Context

	// runs tracks aggregation runs started over HTTP.
	runs sync.WaitGroup
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	s := &Server{
		query:    deps.Query,
		digest:   deps.Digest,
		runner:   deps.Runner,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
		clock:    deps.Clock,
		location: deps.Location,
		baseCtx:  deps.BaseContext,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.location == nil {
		s.location = time.UTC
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.observe())
	r.Use(cors.New(corsConfig(deps.CORSOrigins)))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "discovery-scanner"})
	})
	if deps.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api/v1")
	{
		api.GET("/discoveries", s.listDiscoveries)
		api.GET("/discoveries/:id", s.getDiscovery)
		api.GET("/stats", s.stats)
		api.GET("/runs", s.listRuns)
		api.GET("/runs/latest", s.latestRun)
		api.GET("/status", s.status)
		api.POST("/runs", s.triggerRun)
		api.GET("/digest", s.buildDigest)
	}

	s.engine = r
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// WaitRuns blocks until every run started over HTTP has returned or ctx expires.
func (s *Server) WaitRuns(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.DefaultConfig()
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	cfg.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization"}
	cfg.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	return cfg
}

// observe records request metrics and a debug log line per request.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(started)
		s.metrics.ObserveHTTP(c.Request.Method, path, c.Writer.Status(), elapsed)
		s.logger.Debug("http request", "method", c.Request.Method, "path", path,
			"status", c.Writer.Status(), "elapsed", elapsed)
	}
}
