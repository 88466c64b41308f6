// Package httpapi is the thin HTTP/WebSocket surface the backup
// engine needs to be externally reachable through (C14): run/job/agent
// read endpoints, health and Prometheus metrics, the agent WebSocket
// upgrade, and the offline-ingest endpoint. It is not a general admin
// UI backend.
package httpapi

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/relaybackup/engine/backup/agentproto"
	"github.com/relaybackup/engine/backup/events"
	"github.com/relaybackup/engine/backup/store"
	"github.com/relaybackup/engine/internal/metrics"
)

// Server exposes the HTTP API and owns the listener lifecycle.
type Server struct {
	addr    string
	handler http.Handler
	server  *http.Server
	log     *logrus.Logger

	mu      sync.Mutex
	running bool
	bound   string
}

// Deps bundles the collaborators handlers need; kept as a single
// struct so adding an endpoint never means growing New's parameter
// list.
type Deps struct {
	Runs     store.RunStore
	Jobs     store.JobStore
	Bus      *events.Bus
	Registry *agentproto.Registry
	Tokens   *TokenIssuer
	Metrics  *metrics.Metrics
	Log      *logrus.Logger
}

// New builds a Server bound to addr.
func New(addr string, deps Deps) *Server {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	r := newRouter(deps)
	return &Server{addr: addr, handler: r, log: deps.Log}
}

func newRouter(deps Deps) http.Handler {
	h := &handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestMetrics(deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.healthz)
	r.Handle("/metrics", metricsHandler())

	r.Route("/api/runs/{runID}", func(r chi.Router) {
		r.Get("/", h.getRun)
		r.Get("/events", h.getRunEvents)
	})
	r.Get("/api/jobs", h.listJobs)
	r.Post("/api/jobs/{jobID}/runs", h.enqueueRun)
	r.Get("/api/agents", h.listAgents)
	r.Get("/ws/agent", h.wsAgent)
	r.Post("/api/agents/{agentID}/offline-ingest", h.offlineIngest)

	return r
}

// Start begins serving in a background goroutine and blocks until the
// listener is bound, so callers reading Addr() after Start returns
// see the real bound address (useful when addr's port is ":0").
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("httpapi: listening on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.bound = ln.Addr().String()
	s.server = &http.Server{Handler: s.handler}
	s.running = true
	s.mu.Unlock()

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.WithError(err).Error("http server exited")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	return nil
}

// Addr returns the bound listener address, valid only after Start
// returns successfully.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.running = false
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
