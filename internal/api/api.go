// Package api exposes the intake, gate and clarification operations over HTTP.
//
// Every response uses the models.APIResponse envelope. Routes are served by a
// gorilla/mux router wrapped in CORS and request metrics middleware.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/LeadGate/internal/clarify"
	"github.com/BTreeMap/LeadGate/internal/gate"
	"github.com/BTreeMap/LeadGate/internal/metrics"
	"github.com/BTreeMap/LeadGate/internal/ratelimit"
	"github.com/gorilla/mux"
)

// Server defaults.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	DefaultReadTimeout     = 15 * time.Second
	// DefaultWriteTimeout leaves room for two model calls per request.
	DefaultWriteTimeout = 60 * time.Second
	maxRequestBodyBytes = 64 << 10
)

// Opts holds configuration options for the Server.
type Opts struct {
	Addr           string
	AllowedOrigins []string
	Limiter        *ratelimit.Limiter
	Metrics        *metrics.Metrics
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAllowedOrigins enables CORS for the given origins. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(o *Opts) { o.AllowedOrigins = origins }
}

// WithRateLimiter limits intake submissions. Without it submissions are not limited.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(o *Opts) { o.Limiter = l }
}

// WithMetrics records request metrics and serves them on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// Server serves the HTTP API.
type Server struct {
	svc     *clarify.Service
	engine  *gate.Engine
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	opts    Opts
	router  *mux.Router
}

// NewServer wires a Server around the clarification service and gate engine.
func NewServer(svc *clarify.Service, engine *gate.Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		svc:     svc,
		engine:  engine,
		limiter: cfg.Limiter,
		metrics: cfg.Metrics,
		opts:    cfg,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.corsMiddleware, s.metricsMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	api.HandleFunc("/gate/evaluate", s.evaluateGateHandler).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/intake", s.intakeHandler).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/intake/clarify", s.clarifyHandler).Methods(http.MethodPost, http.MethodOptions)
	api.HandleFunc("/intake/session/{id}", s.sessionStateHandler).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/intake/session/{id}/keepalive", s.keepaliveHandler).Methods(http.MethodPost, http.MethodOptions)

	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusNotFound, notFoundResponse)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONResponse(w, http.StatusMethodNotAllowed, methodNotAllowedResponse)
	})
	return r
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: DefaultReadTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
