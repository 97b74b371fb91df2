// Package observability serves the operational endpoints of a running
// engine.
//
// Endpoints:
//
//	GET /metrics  Prometheus exposition of the metrics registry
//	GET /health   liveness, always 200 while the server is up
//	GET /ready    readiness, 200 once the engine has restored its pipelines
//	GET /status   JSON statuses of every pipeline plus the last snapshot
package observability

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
	"github.com/CHINGBOH/medical-beauty-crm-landing-sub000/pkg/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StatusFn returns the current status of every pipeline.
type StatusFn func() []v1.PipelineStatus

// SnapshotFn returns the last published snapshot, or nil.
type SnapshotFn func() *v1.MetricsSnapshot

// Server is the HTTP server for observability endpoints.
type Server struct {
	addr       string
	gatherer   prometheus.Gatherer
	statusFn   StatusFn
	snapshotFn SnapshotFn
	logger     *zap.Logger
	startedAt  time.Time
	ready      atomic.Bool
	server     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer sets the registry served on /metrics. Defaults to the
// process-wide registry.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

func WithStatus(fn StatusFn) Option { return func(s *Server) { s.statusFn = fn } }

func WithSnapshot(fn SnapshotFn) Option { return func(s *Server) { s.snapshotFn = fn } }

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// NewServer creates an observability server listening on addr.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{addr: addr, gatherer: prometheus.DefaultGatherer, startedAt: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("observability")
	return s
}

// SetReady marks the engine as ready.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Start serves in the background.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("observability server failed", zap.String("addr", s.addr), zap.Error(err))
		}
	}()
	s.logger.Info("observability server listening", zap.String("addr", s.addr))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ═══════════════════════════════════════════
// Health endpoints
// ═══════════════════════════════════════════

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusServiceUnavailable
	if s.ready.Load() {
		code = http.StatusOK
	}
	writeJSON(w, code, map[string]any{"ready": s.ready.Load()})
}

// ═══════════════════════════════════════════
// /status
// ═══════════════════════════════════════════

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"ready":     s.ready.Load(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"pipelines": []v1.PipelineStatus{},
	}
	if s.statusFn != nil {
		if st := s.statusFn(); st != nil {
			body["pipelines"] = st
		}
	}
	if s.snapshotFn != nil {
		if snap := s.snapshotFn(); snap != nil {
			body["snapshot"] = snap
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
