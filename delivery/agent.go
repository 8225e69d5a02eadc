// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// clientState tracks scheduling of one client. A client is either queued,
// running, or running with a follow-up pass requested.
type clientState struct {
	queued  bool
	running bool
	pending bool
	force   bool
	retry   bool
}

// Agent schedules delivery requests. Passes for one client never overlap;
// requests that arrive while a pass runs are coalesced into one follow-up
// pass. Different clients are reconciled concurrently on a bounded pool.
type Agent struct {
	cfg      Config
	store    storage.Store
	registry ConnectionRegistry
	push     PushGateway
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time

	pool *workerPool

	mu      sync.Mutex
	clients map[string]*clientState
	retries map[string]*time.Timer
	closed  bool
}

// NewAgent creates an agent and starts its workers. metrics and tracer may
// be nil.
func NewAgent(cfg Config, store storage.Store, registry ConnectionRegistry, push PushGateway, logger *slog.Logger, metrics Metrics, tracer trace.Tracer) *Agent {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("delivery")
	}
	return &Agent{
		cfg:      cfg,
		store:    store,
		registry: registry,
		push:     push,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		now:      time.Now,
		pool:     newWorkerPool(cfg.Workers),
		clients:  make(map[string]*clientState),
		retries:  make(map[string]*time.Timer),
	}
}

// RequestDelivery schedules a reconciliation pass for clientID. forceAll
// re-pushes every pending record regardless of sync state. It never blocks.
func (a *Agent) RequestDelivery(clientID string, forceAll bool) {
	a.schedule(clientID, forceAll, false)
}

func (a *Agent) schedule(clientID string, force, retry bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	st, ok := a.clients[clientID]
	if !ok {
		st = &clientState{}
		a.clients[clientID] = st
	}
	st.force = st.force || force
	st.retry = st.retry || retry

	switch {
	case st.queued:
		// Folded into the queued pass.
	case st.running:
		st.pending = true
	default:
		a.enqueueLocked(clientID, st)
	}
}

func (a *Agent) enqueueLocked(clientID string, st *clientState) {
	st.queued = true
	if !a.pool.Submit(func() { a.run(clientID) }) {
		delete(a.clients, clientID)
	}
}

func (a *Agent) run(clientID string) {
	a.mu.Lock()
	st := a.clients[clientID]
	st.queued = false
	st.running = true
	req := a.newRequest(clientID, st.force, st.retry)
	st.force = false
	st.retry = false
	a.mu.Unlock()

	res := req.Perform(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	st.running = false
	if res.Aborted {
		a.retryLocked(clientID, req.forceAll)
	}
	if st.pending && !a.closed {
		st.pending = false
		a.enqueueLocked(clientID, st)
		return
	}
	delete(a.clients, clientID)
}

// retryLocked reschedules an aborted pass after the retry delay. At most
// one retry timer is armed per client.
func (a *Agent) retryLocked(clientID string, force bool) {
	if a.closed {
		return
	}
	if _, ok := a.retries[clientID]; ok {
		return
	}
	a.logger.Debug("delivery_retry_scheduled",
		slog.String("client_id", clientID),
		slog.Duration("delay", a.cfg.RetryDelay))
	a.retries[clientID] = time.AfterFunc(a.cfg.RetryDelay, func() {
		a.mu.Lock()
		delete(a.retries, clientID)
		a.mu.Unlock()
		a.schedule(clientID, force, true)
	})
}

func (a *Agent) newRequest(clientID string, force, retry bool) *Request {
	return &Request{
		clientID: clientID,
		forceAll: force,
		isRetry:  retry,
		cfg:      a.cfg,
		store:    a.store,
		registry: a.registry,
		push:     a.push,
		logger:   a.logger,
		metrics:  a.metrics,
		tracer:   a.tracer,
		now:      a.now,
	}
}

// Close stops accepting requests, cancels pending retries and waits for
// queued passes to finish.
func (a *Agent) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for id, t := range a.retries {
		t.Stop()
		delete(a.retries, id)
	}
	a.mu.Unlock()

	a.pool.Close()
}
