// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
)

const (
	defaultPath         = "/talk"
	defaultWriteTimeout = 10 * time.Second
)

// Config holds websocket listener configuration.
type Config struct {
	Address         string
	Path            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Acceptor takes ownership of a new client connection.
type Acceptor interface {
	Accept(conn *rpc.Connection) error
}

// ConnectionLimiter decides whether a remote address may open a connection.
type ConnectionLimiter interface {
	AllowConnection(addr net.Addr) bool
}

// Metrics records connection lifecycle events.
type Metrics interface {
	RecordConnection()
	RecordDisconnection()
	RecordConnectionRejected()
}

// Server accepts talk clients over websocket and runs one rpc.Connection per
// socket.
type Server struct {
	config   Config
	acceptor Acceptor
	limiter  ConnectionLimiter
	metrics  Metrics
	logger   *slog.Logger
	server   *http.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*rpc.Connection]struct{}
	wg    sync.WaitGroup
}

// New creates a websocket server. limiter and metrics may be nil.
func New(cfg Config, acceptor Acceptor, limiter ConnectionLimiter, metrics Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		cfg.Path = defaultPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	s := &Server{
		config:   cfg,
		acceptor: acceptor,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
		conns:    make(map[*rpc.Connection]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	s.server = &http.Server{
		Addr:    cfg.Address,
		Handler: s.Handler(),
	}

	return s
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.Path, s.handleWebSocket)
	return mux
}

// Listen serves until ctx is done, then shuts down and closes all open
// client connections.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("websocket_server_starting",
		slog.String("addr", s.config.Address),
		slog.String("path", s.config.Path))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("websocket_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		err := s.server.Shutdown(shutdownCtx)
		s.Close()
		if err != nil {
			s.logger.Error("websocket_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("websocket_server_stopped")
		return nil
	}
}

// Close closes every open client connection and waits for their read loops.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*rpc.Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(s.config.AllowedOrigins, r.Header.Get("Origin"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := &wsAddr{addr: r.RemoteAddr}
	if s.limiter != nil && !s.limiter.AllowConnection(addr) {
		s.logger.Warn("websocket_connection_rate_limited", slog.String("remote_addr", r.RemoteAddr))
		if s.metrics != nil {
			s.metrics.RecordConnectionRejected()
		}
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket_upgrade_failed", slog.String("error", err.Error()))
		return
	}
	if s.config.MaxMessageSize > 0 {
		ws.SetReadLimit(s.config.MaxMessageSize)
	}

	conn := rpc.NewConnection(&transport{
		ws:           ws,
		remoteAddr:   r.RemoteAddr,
		writeTimeout: s.config.WriteTimeout,
	}, rpc.JSONCodec{}, s.logger)

	if err := s.acceptor.Accept(conn); err != nil {
		s.logger.Error("websocket_accept_failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		conn.Close()
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordConnection()
	}

	s.logger.Debug("websocket_connection_accepted", slog.String("remote_addr", r.RemoteAddr))

	go s.readLoop(ws, conn)
}

func (s *Server) readLoop(ws *websocket.Conn, conn *rpc.Connection) {
	defer func() {
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordDisconnection()
		}
		s.wg.Done()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket_read_failed",
					slog.String("remote_addr", conn.RemoteAddr()),
					slog.String("error", err.Error()))
			}
			return
		}
		conn.HandleIncoming(data)
	}
}

// transport implements rpc.Transport over a websocket. Frames are JSON text
// messages; writes are serialized.
type transport struct {
	ws           *websocket.Conn
	remoteAddr   string
	writeTimeout time.Duration

	mu sync.Mutex
}

func (t *transport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *transport) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = t.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *transport) RemoteAddr() string {
	return t.remoteAddr
}

// wsAddr implements net.Addr for websocket peers.
type wsAddr struct {
	addr string
}

func (a *wsAddr) Network() string {
	return "websocket"
}

func (a *wsAddr) String() string {
	return a.addr
}
