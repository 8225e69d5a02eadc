// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package talk implements the client-facing operations of the talk server on
// top of the rpc layer and the delivery engine.
package talk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/rpc"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

// Operation names served to clients.
const (
	MethodPing                         = "ping"
	MethodIdentify                     = "identify"
	MethodReady                        = "ready"
	MethodOutDeliveryRequest           = "outDeliveryRequest"
	MethodInDeliveryConfirm            = "inDeliveryConfirm"
	MethodInDeliveryReject             = "inDeliveryReject"
	MethodOutDeliveryAcknowledge       = "outDeliveryAcknowledge"
	MethodOutDeliveryAbort             = "outDeliveryAbort"
	MethodInDeliveryAttachmentReceived = "inDeliveryAttachmentReceived"
	MethodOutAttachmentState           = "outAttachmentState"
	MethodSetRelationshipNotifications = "setRelationshipNotifications"
	MethodJoinGroup                    = "joinGroup"
	MethodLeaveGroup                   = "leaveGroup"
	MethodSetGroupNotifications        = "setGroupNotifications"
)

const (
	defaultPingInterval = 60 * time.Second
	reasonBlocked       = "blocked"
)

// Scheduler requests delivery passes.
type Scheduler interface {
	RequestDelivery(clientID string, forceAll bool)
}

// Limiter throttles publishing per client.
type Limiter interface {
	AllowPublish(clientID string) bool
	OnClientDisconnect(clientID string)
}

type allowAll struct{}

func (allowAll) AllowPublish(string) bool  { return true }
func (allowAll) OnClientDisconnect(string) {}

// Config tunes the talk server.
type Config struct {
	// RPC is the call policy for server-initiated calls.
	RPC rpc.CorrelatorConfig
	// PingInterval is the keepalive period. Zero takes the default.
	PingInterval time.Duration
}

// Server binds accepted connections to the talk operations.
type Server struct {
	cfg        Config
	store      storage.Store
	registry   *Registry
	scheduler  Scheduler
	limiter    Limiter
	dispatcher *rpc.Dispatcher
	correlator *rpc.Correlator
	logger     *slog.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// NewServer creates a talk server. limiter may be nil.
func NewServer(cfg Config, store storage.Store, registry *Registry, scheduler Scheduler, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if limiter == nil {
		limiter = allowAll{}
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	s := &Server{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		scheduler:  scheduler,
		limiter:    limiter,
		dispatcher: rpc.NewDispatcher(logger),
		correlator: rpc.NewCorrelator(cfg.RPC, logger),
		logger:     logger,
		now:        time.Now,
	}
	s.register()
	return s
}

// Dispatcher returns the operation table, e.g. to read call statistics.
func (s *Server) Dispatcher() *rpc.Dispatcher { return s.dispatcher }

// Correlator returns the correlator used for server-initiated calls.
func (s *Server) Correlator() *rpc.Correlator { return s.correlator }

// Registry returns the connection registry.
func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) register() {
	str := func(name string) rpc.Param { return rpc.Param{Name: name, Kind: rpc.KindString} }
	boolean := func(name string) rpc.Param { return rpc.Param{Name: name, Kind: rpc.KindBool} }

	d := s.dispatcher
	d.Register(MethodPing, nil, s.ping)
	d.Register(MethodIdentify, []rpc.Param{str("clientId")}, s.identify)
	d.Register(MethodReady, nil, s.ready)
	d.Register(MethodOutDeliveryRequest, []rpc.Param{
		{Name: "message", Kind: rpc.KindObject},
		{Name: "deliveries", Kind: rpc.KindArray},
	}, s.outDeliveryRequest)
	d.Register(MethodInDeliveryConfirm, []rpc.Param{str("messageId")}, s.inDeliveryConfirm)
	d.Register(MethodInDeliveryReject, []rpc.Param{str("messageId"), str("reason")}, s.inDeliveryReject)
	d.Register(MethodOutDeliveryAcknowledge, []rpc.Param{str("messageId"), str("receiverId")}, s.outDeliveryAcknowledge)
	d.Register(MethodOutDeliveryAbort, []rpc.Param{str("messageId"), str("receiverId")}, s.outDeliveryAbort)
	d.Register(MethodInDeliveryAttachmentReceived, []rpc.Param{str("messageId")}, s.inDeliveryAttachmentReceived)
	d.Register(MethodOutAttachmentState, []rpc.Param{str("messageId"), str("state")}, s.outAttachmentState)
	d.Register(MethodSetRelationshipNotifications, []rpc.Param{str("otherClientId"), boolean("enabled")}, s.setRelationshipNotifications)
	d.Register(MethodJoinGroup, []rpc.Param{str("groupId")}, s.joinGroup)
	d.Register(MethodLeaveGroup, []rpc.Param{str("groupId")}, s.leaveGroup)
	d.Register(MethodSetGroupNotifications, []rpc.Param{str("groupId"), boolean("enabled")}, s.setGroupNotifications)
}

// Accept binds conn to a new session and opens it.
func (s *Server) Accept(conn *rpc.Connection) error {
	sess := newSession(conn)
	if err := conn.BindServer(s.dispatcher, sess); err != nil {
		return err
	}
	if err := conn.BindClient(s.correlator); err != nil {
		return err
	}
	conn.OnClose(func(*rpc.Connection) { s.disconnected(sess) })
	conn.Open()
	return nil
}

func (s *Server) disconnected(sess *Session) {
	clientID := sess.ClientID()
	if clientID == "" {
		return
	}
	if !s.registry.Logout(clientID, sess.conn) {
		return
	}
	s.limiter.OnClientDisconnect(clientID)
	s.logger.Info("talk_client_disconnected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", sess.conn.RemoteAddr()))
}

// Keepalive pings every identified client each PingInterval until ctx is
// done. Peers that stop answering are closed by the correlator.
func (s *Server) Keepalive(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			for _, conn := range s.registry.Connections() {
				s.wg.Add(1)
				go func(conn *rpc.Connection) {
					defer s.wg.Done()
					s.pingPeer(ctx, conn)
				}(conn)
			}
		}
	}
}

func (s *Server) pingPeer(ctx context.Context, conn *rpc.Connection) {
	var ok bool
	if err := conn.Call(ctx, MethodPing, nil, &ok); err != nil {
		s.logger.Debug("talk_keepalive_failed",
			slog.String("remote_addr", conn.RemoteAddr()),
			slog.String("error", err.Error()))
	}
}

// Close closes every registered connection.
func (s *Server) Close() error {
	for _, conn := range s.registry.Connections() {
		_ = conn.Close()
	}
	return nil
}
