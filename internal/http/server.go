package http

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/route-beacon/route-feeder/internal/session"
)

const pingTimeout = 2 * time.Second

// FeedStatus reports the last successful delegation refresh.
type FeedStatus interface {
	LastSuccess() time.Time
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionLister lists the registered BGP sessions.
type SessionLister interface {
	Sessions() []session.Info
}

// Deps are the components the server reports on. Postgres and Kafka are
// nil when not configured.
type Deps struct {
	Feed     FeedStatus
	Sessions SessionLister
	Postgres Pinger
	Kafka    Pinger
}

type Server struct {
	srv    *http.Server
	deps   Deps
	logger *zap.Logger
}

func NewServer(addr string, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		deps:   deps,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Not ready until the first refresh has filled the table.
	if s.deps.Feed != nil && !s.deps.Feed.LastSuccess().IsZero() {
		checks["feed"] = "ok"
	} else {
		checks["feed"] = "pending"
		allOK = false
	}

	ping := func(name string, p Pinger) {
		if p == nil {
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Debug("readiness check failed", zap.String("check", name), zap.Error(err))
			checks[name] = "error"
			allOK = false
			return
		}
		checks[name] = "ok"
	}
	ping("postgres", s.deps.Postgres)
	ping("kafka", s.deps.Kafka)

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []session.Info{}
	if s.deps.Sessions != nil {
		if list := s.deps.Sessions.Sessions(); list != nil {
			sessions = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(sessions),
		"sessions": sessions,
	})
}
