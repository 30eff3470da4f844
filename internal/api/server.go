// Package api serves the harvester's health, readiness, metrics and run
// status over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/Sternrassler/catalog-harvester/pkg/harvest"
	"github.com/Sternrassler/catalog-harvester/pkg/metrics"
	"github.com/Sternrassler/catalog-harvester/pkg/model"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readyTimeout bounds each readiness check.
const readyTimeout = 2 * time.Second

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f(ctx).
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReportSource exposes the latest run report.
// It is implemented by *harvest.Runner.
type ReportSource interface {
	Current() *harvest.RunReport
}

// Trigger starts a run in the background. It reports false when a run is
// already in progress.
type Trigger func() bool

// Server holds the handlers' dependencies.
type Server struct {
	reports ReportSource
	checks  map[string]Pinger
	trigger Trigger
	version string
	logger  zerolog.Logger
}

// NewServer creates a server. checks and trigger may be nil.
func NewServer(reports ReportSource, checks map[string]Pinger, trigger Trigger, version string) *Server {
	return &Server{
		reports: reports,
		checks:  checks,
		trigger: trigger,
		version: version,
		logger:  log.With().Str("component", "api").Logger(),
	}
}

// SetLogger sets a custom logger.
func (s *Server) SetLogger(logger zerolog.Logger) {
	s.logger = logger
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())

	r.GET("/health", s.health)
	r.GET("/ready", s.ready)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	r.GET("/status", s.status)
	r.GET("/status/identifiers/:id", s.identifier)
	if s.trigger != nil {
		r.POST("/runs", s.startRun)
	}
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status_code", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.version})
}

func (s *Server) ready(c *gin.Context) {
	results := make(map[string]string, len(s.checks))
	ready := true
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		err := check.Ping(ctx)
		cancel()
		if err != nil {
			ready = false
			results[name] = err.Error()
			s.logger.Warn().Err(err).Str("check", name).Msg("Readiness check failed")
			continue
		}
		results[name] = "ok"
	}

	code := http.StatusOK
	status := "ready"
	if !ready {
		code = http.StatusServiceUnavailable
		status = "unavailable"
	}
	c.JSON(code, gin.H{"status": status, "checks": results})
}

func (s *Server) status(c *gin.Context) {
	report := s.reports.Current()
	if report == nil {
		c.JSON(http.StatusOK, gin.H{"run": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": report.Snapshot()})
}

func (s *Server) identifier(c *gin.Context) {
	report := s.reports.Current()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run yet"})
		return
	}
	res, ok := report.Result(model.ID(c.Param("id")))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identifier not processed in the current run"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) startRun(c *gin.Context) {
	if !s.trigger() {
		c.JSON(http.StatusConflict, gin.H{"error": "a run is already in progress"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "started"})
}
