package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/c360/semflow/config"
	flowengine "github.com/c360/semflow/engine"
	"github.com/c360/semflow/errors"
	"github.com/c360/semflow/events"
	"github.com/c360/semflow/health"
	"github.com/c360/semflow/metric"
	"github.com/c360/semflow/natsclient"
	"github.com/c360/semflow/registry"
)

// Options wires the admin server to the runtime
type Options struct {
	Engine   *flowengine.Engine
	Registry *registry.Registry
	Config   *config.SafeConfig

	// Health backs GET /health. Optional.
	Health *health.Monitor
	// Metrics backs the metrics path and the request counters. Optional.
	Metrics *metric.MetricsRegistry
	// NATS adds the connection to GET /health when set
	NATS *natsclient.Client
	// TLS serves HTTPS when set
	TLS *tls.Config

	Logger *slog.Logger
}

// Server is the admin HTTP API
type Server struct {
	opts    Options
	logger  *slog.Logger
	engine  *flowengine.Engine
	reg     *registry.Registry
	comms   *Comms
	metrics *serverMetrics
	handler http.Handler

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New builds the server and its routes. Routes are mounted under the
// configured admin root; the metrics path is absolute.
func New(opts Options) (*Server, error) {
	if opts.Engine == nil || opts.Registry == nil || opts.Config == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "engine, registry and config are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "admin")

	m, err := newServerMetrics(opts.Metrics)
	if err != nil {
		return nil, errors.WrapFatal(err, "Server", "New", "register metrics")
	}

	s := &Server{
		opts:    opts,
		logger:  logger,
		engine:  opts.Engine,
		reg:     opts.Registry,
		metrics: m,
	}
	s.comms = NewComms(opts.Engine.Bus(), logger, m)

	httpCfg := opts.Config.Get().HTTP
	s.handler = s.routes(normalizeRoot(httpCfg.AdminRoot), httpCfg.MetricsPath)
	return s, nil
}

func normalizeRoot(root string) string {
	root = strings.TrimSuffix(root, "/")
	return root + "/"
}

func (s *Server) routes(root, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET "+root+"flows", s.handleGetFlows)
	mux.HandleFunc("POST "+root+"flows", s.handlePostFlows)
	mux.HandleFunc("GET "+root+"flows/state", s.handleGetState)
	mux.HandleFunc("POST "+root+"flows/validate", s.handleValidate)

	mux.HandleFunc("POST "+root+"flow", s.handleAddFlow)
	mux.HandleFunc("GET "+root+"flow/{id}", s.handleGetFlow)
	mux.HandleFunc("PUT "+root+"flow/{id}", s.handleUpdateFlow)
	mux.HandleFunc("DELETE "+root+"flow/{id}", s.handleDeleteFlow)

	mux.HandleFunc("GET "+root+"nodes", s.handleListNodes)
	mux.HandleFunc("GET "+root+"nodes/{module}", s.handleGetModule)
	mux.HandleFunc("PUT "+root+"nodes/{module}", s.handleSetModule)
	mux.HandleFunc("DELETE "+root+"nodes/{module}", s.handleRemoveModule)

	mux.HandleFunc("GET "+root+"settings", s.handleSettings)
	mux.HandleFunc("GET "+root+"health", s.handleHealth)
	mux.HandleFunc("GET "+root+"comms", s.comms.ServeHTTP)

	if s.opts.Metrics != nil && metricsPath != "" {
		mux.Handle("GET "+metricsPath, s.opts.Metrics.Handler())
	}
	return s.instrument(mux)
}

// Handler returns the routed handler, for embedding or tests
func (s *Server) Handler() http.Handler { return s.handler }

// Comms returns the websocket hub
func (s *Server) Comms() *Comms { return s.comms }

// Start listens on the configured address and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "server state check")
	}

	addr := s.opts.Config.Get().HTTP.Addr()
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", addr))
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	s.comms.Start()
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.listener = ln
	s.done = make(chan struct{})

	server, done := s.server, s.done
	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server error", "error", err)
		}
	}()

	s.logger.Info("Admin server listening", "addr", ln.Addr().String(), "tls", s.opts.TLS != nil)
	return nil
}

// Addr returns the listening address, or "" before Start
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes websocket clients and shuts the server down gracefully
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	start := time.Now()
	s.comms.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := s.server.Shutdown(ctx)
	<-s.done
	s.server, s.listener = nil, nil
	if err != nil {
		s.logger.Error("Admin server shutdown failed", "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return errors.WrapTransient(err, "Server", "Stop", "shutdown HTTP server")
	}
	s.logger.Debug("Admin server stopped", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// notify tells editors about a registry change
func (s *Server) notify(id string, data any) {
	s.engine.Bus().Emit(events.Notification, events.NotificationPayload{ID: id, Data: data})
}
