// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Config holds health check server configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// ClientCounter reports how many clients are identified.
type ClientCounter interface {
	Connected() int
}

// CallStats exposes per-method call statistics.
type CallStats interface {
	Snapshot() []rpc.MethodStats
}

// PushStats exposes push notifier counters.
type PushStats interface {
	Sent() uint64
	Dropped() uint64
}

// Server provides health check endpoints for monitoring and orchestration.
type Server struct {
	config   Config
	serverID string
	clients  ClientCounter
	calls    CallStats
	push     PushStats
	logger   *slog.Logger
	server   *http.Server
	draining atomic.Bool

	mu       sync.Mutex
	listener net.Listener
}

// New creates a new health check server. calls and push may be nil.
func New(cfg Config, serverID string, clients ClientCounter, calls CallStats, push PushStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   cfg,
		serverID: serverID,
		clients:  clients,
		calls:    calls,
		push:     push,
		logger:   logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the endpoint mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)
	return mux
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SetDraining makes the readiness probe fail so new traffic is routed away.
func (s *Server) SetDraining() {
	s.draining.Store(true)
}

// Listen starts the health check server.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse represents the liveness probe response.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse represents the readiness probe response.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch {
	case s.clients == nil:
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "server not initialized"})
	case s.draining.Load():
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: "shutting down"})
	default:
		writeJSON(w, http.StatusOK, ReadyResponse{Status: "ready"})
	}
}

// StatsResponse reports runtime counters of one server instance.
type StatsResponse struct {
	ServerID string            `json:"server_id"`
	Clients  int               `json:"clients"`
	Push     *PushResponse     `json:"push,omitempty"`
	Calls    []rpc.MethodStats `json:"calls"`
}

// PushResponse reports push notifier counters.
type PushResponse struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := StatsResponse{
		ServerID: s.serverID,
		Calls:    []rpc.MethodStats{},
	}
	if s.clients != nil {
		resp.Clients = s.clients.Connected()
	}
	if s.calls != nil {
		resp.Calls = s.calls.Snapshot()
	}
	if s.push != nil {
		resp.Push = &PushResponse{Sent: s.push.Sent(), Dropped: s.push.Dropped()}
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
