// Package server exposes the HTTP trigger for ingestion runs.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/keyhole-koro/politopics-ingest/internal/dietapi"
	"github.com/keyhole-koro/politopics-ingest/internal/ingest"
	"github.com/keyhole-koro/politopics-ingest/internal/metrics"
)

// Runner executes one ingestion run. Satisfied by *ingest.Service.
type Runner interface {
	Run(ctx context.Context, rng dietapi.RunRange, bypassCache bool) (*ingest.RunResult, error)
}

// StatsProvider is optionally implemented by runners that collect pipeline
// statistics; when present the server exposes them on GET /stats.
type StatsProvider interface {
	MetricsSnapshot() metrics.Snapshot
}

// Server wraps the gin engine with lifecycle management.
type Server struct {
	addr   string
	engine *gin.Engine
	logger *slog.Logger
}

// runRequest is the POST /run body. All fields are optional; missing bounds
// default the same way scheduled runs do.
type runRequest struct {
	From        string `json:"from"`
	Until       string `json:"until"`
	BypassCache bool   `json:"bypassCache"`
}

// New builds the trigger server. The API key is required for /run; an empty
// key is a deployment mistake and is answered with 500 rather than letting
// every caller through.
func New(addr, apiKey string, runner Runner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))

	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := engine.Group("/", requireAPIKey(apiKey))
	authed.POST("/run", handleRun(runner, logger))
	if sp, ok := runner.(StatsProvider); ok {
		authed.GET("/stats", func(c *gin.Context) {
			c.JSON(http.StatusOK, sp.MetricsSnapshot())
		})
	}

	return &Server{addr: addr, engine: engine, logger: logger}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the context is canceled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func handleRun(runner Runner, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req runRequest
		if c.Request.Body != nil && c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
				return
			}
		}

		rng, err := ingest.ResolveRange(req.From, req.Until, time.Now())
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_range", "message": err.Error()})
			return
		}

		result, err := runner.Run(c.Request.Context(), rng, req.BypassCache)
		if err != nil {
			logger.Error("run failed", "from", rng.From, "until", rng.Until, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, result)
	}
}
