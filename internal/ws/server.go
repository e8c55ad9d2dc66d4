// Package ws serves proctoring sessions to browser clients over WebSocket
// and exposes the operator HTTP endpoints.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"proctord/internal/config"
	"proctord/internal/health"
	"proctord/internal/limit"
	"proctord/internal/metrics"
	"proctord/internal/session"
	"proctord/internal/store"
	"proctord/internal/violation"
)

// Options tunes the transport.
type Options struct {
	AllowedOrigins  []string
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	SendBuffer      int
	MetricsPath     string

	// FrameRate and FrameBurst bound inbound media frames per connection.
	// Control and event frames are never limited.
	FrameRate  float64
	FrameBurst int

	MaxConnections        int
	MaxConnectionsPerAddr int
}

// DefaultOptions returns the transport defaults.
func DefaultOptions() Options {
	return Options{
		MaxMessageBytes: 1 << 20,
		WriteTimeout:    10 * time.Second,
		PingInterval:    30 * time.Second,
		SendBuffer:      64,
		MetricsPath:     "/metrics",
		FrameRate:       limit.DefaultFrameRate,
		FrameBurst:      limit.DefaultFrameBurst,
	}
}

// OptionsFromConfig maps the server and metrics sections.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		AllowedOrigins:  append([]string(nil), cfg.Server.AllowedOrigins...),
		MaxMessageBytes: cfg.Server.MaxMessageBytes,
		WriteTimeout:    time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		PingInterval:    time.Duration(cfg.Server.PingIntervalSec) * time.Second,
		SendBuffer:      cfg.Server.SendBuffer,

		FrameRate:             cfg.Server.FrameRate,
		FrameBurst:            cfg.Server.FrameBurst,
		MaxConnections:        cfg.Server.MaxConnections,
		MaxConnectionsPerAddr: cfg.Server.MaxConnectionsPerAddr,
	}
	if cfg.Metrics.Enabled {
		opts.MetricsPath = cfg.Metrics.Path
	}
	return opts
}

// pongWait is how long a connection may stay silent. It exceeds the ping
// interval so one lost pong is tolerated.
func (o Options) pongWait() time.Duration {
	return o.PingInterval * 2
}

// Server is the HTTP and WebSocket front of a session manager.
type Server struct {
	manager *session.Manager
	opts    Options
	logger  *slog.Logger
	decoder *decoder

	store   *store.Store
	health  *health.Checker
	metrics *metrics.ProctorMetrics

	upgrader       websocket.Upgrader
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	connLimit      *limit.Conns

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithStore serves session audit trails from s.
func WithStore(s *store.Store) ServerOption {
	return func(srv *Server) { srv.store = s }
}

// WithHealth serves /healthz and /readyz from c.
func WithHealth(c *health.Checker) ServerOption {
	return func(srv *Server) { srv.health = c }
}

// WithMetrics serves the metrics endpoint and counts connections.
func WithMetrics(m *metrics.ProctorMetrics) ServerOption {
	return func(srv *Server) { srv.metrics = m }
}

// NewServer builds a server for manager.
func NewServer(manager *session.Manager, opts Options, logger *slog.Logger, options ...ServerOption) (*Server, error) {
	dec, err := newDecoder()
	if err != nil {
		return nil, fmt.Errorf("ws: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultOptions().SendBuffer
	}

	s := &Server{
		manager:        manager,
		opts:           opts,
		logger:         logger.With("component", "ws"),
		decoder:        dec,
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		conns:          make(map[*conn]struct{}),
		connLimit:      limit.NewConns(opts.MaxConnections, opts.MaxConnectionsPerAddr),
	}
	for _, o := range options {
		o(s)
	}

	for _, origin := range opts.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSession)
	mux.HandleFunc("GET /api/sessions/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/sessions/{id}/terminate", s.handleTerminate)

	if s.health != nil {
		mux.Handle("GET /healthz", s.health.LivenessHandler())
		mux.Handle("GET /readyz", s.health.ReadinessHandler())
	}
	if s.metrics != nil && s.opts.MetricsPath != "" {
		mux.Handle("GET "+s.opts.MetricsPath, s.metrics.Registry().HTTPHandler())
	}
	return mux
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	addr := remoteHost(r)
	if err := s.connLimit.Acquire(addr); err != nil {
		s.logger.Warn("connection rejected", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connLimit.Release(addr)
		s.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(s, ws, s.logger.With("remote", r.RemoteAddr))

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.Connections.Inc()
	}
	s.logger.Debug("client connected", "remote", r.RemoteAddr)

	go func() {
		defer s.wg.Done()
		c.serve()

		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		s.connLimit.Release(addr)
		if s.metrics != nil {
			s.metrics.Connections.Dec()
		}
		s.logger.Debug("client disconnected", "remote", r.RemoteAddr)
	}()
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Snapshots())
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "audit store disabled", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	rec, err := s.store.GetSession(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	events, err := s.store.GetSessionEvents(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": rec, "events": events})
}

type terminateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req terminateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = violation.ReasonOperator
	}

	if err := sess.Terminate(req.Reason, time.Now()); err != nil {
		if errors.Is(err, session.ErrInactive) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("session terminated by operator", "session_id", sess.ID(), "reason", req.Reason)
	w.WriteHeader(http.StatusAccepted)
}

// Close disconnects every client and waits for their sessions to be
// released.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	// Without a list only same-host origins are accepted.
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
