// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Result summarizes one reconciliation pass.
type Result struct {
	// Pushed counts successful pushes to the client.
	Pushed int
	// Failed counts pushes that failed while the client stayed connected.
	Failed int
	// Deleted counts corrupt records removed.
	Deleted int
	// Aborted is set when the pass stopped early, because the client
	// disconnected mid-pass or its records could not be loaded. The pass
	// must be rescheduled.
	Aborted bool
	// Ready is set when deliveriesReady was sent. It is sent after
	// incoming pushes, or on every forced pass.
	Ready bool
	// PushRequested is set when an out-of-band push was submitted.
	PushRequested bool
}

// Request reconciles the pending deliveries of one client against its live
// connection. A Request performs a single pass over a snapshot of the
// client's records taken when the pass starts.
type Request struct {
	clientID string
	forceAll bool
	isRetry  bool

	cfg      Config
	store    storage.Store
	registry ConnectionRegistry
	push     PushGateway
	logger   *slog.Logger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// ClientID returns the client the request reconciles.
func (r *Request) ClientID() string { return r.clientID }

// Perform runs the incoming and outgoing passes.
func (r *Request) Perform(ctx context.Context) Result {
	start := r.now()
	ctx, span := r.tracer.Start(ctx, "delivery.request", trace.WithAttributes(
		attribute.String("client_id", r.clientID),
		attribute.Bool("force_all", r.forceAll),
		attribute.Bool("retry", r.isRetry),
	))
	defer span.End()

	res := r.perform(ctx)

	span.SetAttributes(
		attribute.Int("pushed", res.Pushed),
		attribute.Int("failed", res.Failed),
		attribute.Bool("aborted", res.Aborted),
	)
	if res.Aborted {
		span.SetStatus(codes.Error, "pass aborted")
	}
	r.metrics.RecordDeliveryPass(time.Since(start), res.Aborted)
	return res
}

func (r *Request) perform(ctx context.Context) Result {
	var res Result
	deliveries := r.store.Deliveries()

	incoming, err := deliveries.FindByReceiver(r.clientID, storage.PendingIncoming)
	if err != nil {
		r.logger.Error("delivery_query_failed",
			slog.String("client_id", r.clientID),
			slog.String("direction", "in"),
			slog.String("error", err.Error()))
		res.Aborted = true
		return res
	}
	outgoing, err := deliveries.FindBySender(r.clientID, storage.PendingOutgoing)
	if err != nil {
		r.logger.Error("delivery_query_failed",
			slog.String("client_id", r.clientID),
			slog.String("direction", "out"),
			slog.String("error", err.Error()))
		res.Aborted = true
		return res
	}

	outgoing = r.dropCorrupt(outgoing, &res)

	peer := r.registry.ConnectionForClient(r.clientID)
	if peer == nil || !peer.IsConnected() {
		r.requestPush(incoming, &res)
		return res
	}

	pending, pushedIn := 0, 0
	for _, d := range incoming {
		if res.Aborted {
			break
		}
		pushed := false
		if r.needsPush(d.TimeUpdatedIn, d) {
			pushed = r.pushIncoming(ctx, peer, d, &res)
			if pushed {
				pushedIn++
			}
		} else {
			pushed = d.InSyncIn()
		}
		if d.State == storage.StateDelivering && !pushed {
			pending++
		}
	}

	for _, d := range outgoing {
		if res.Aborted {
			break
		}
		if r.needsPush(d.TimeUpdatedOut, d) {
			r.pushOutgoing(ctx, peer, d, &res)
		}
	}

	// deliveriesReady follows incoming pushes only.
	if res.Aborted || pending > 0 || (pushedIn == 0 && !r.forceAll) {
		return res
	}
	if err := peer.Notify(MethodDeliveriesReady, nil); err != nil {
		r.metrics.RecordDeliveryPush(MethodDeliveriesReady, true)
		if !peer.IsConnected() {
			res.Aborted = true
		}
		return res
	}
	r.metrics.RecordDeliveryPush(MethodDeliveriesReady, false)
	res.Ready = true
	return res
}

// needsPush reports whether a record has to be pushed in the direction
// whose last push time is last.
func (r *Request) needsPush(last time.Time, d *storage.Delivery) bool {
	if r.forceAll || last.Before(d.TimeChanged) {
		return true
	}
	return !d.Terminal() && r.now().Sub(last) > r.cfg.StaleAfter
}

// recentlyPushed reports whether the receiver got the delivery during the
// current connection session within the recent window.
func (r *Request) recentlyPushed(peer Peer, d *storage.Delivery) bool {
	if d.TimeUpdatedIn.IsZero() || d.TimeUpdatedIn.Before(peer.OpenedAt()) {
		return false
	}
	return r.now().Sub(d.TimeUpdatedIn) < r.cfg.RecentWindow
}

func (r *Request) pushIncoming(ctx context.Context, peer Peer, d *storage.Delivery, res *Result) bool {
	unlock := r.store.LockMessage(d.MessageID)
	defer unlock()

	method := MethodIncomingDeliveryUpdated
	var params any = []any{NewView(d)}
	if d.State == storage.StateDelivering && !r.recentlyPushed(peer, d) {
		msg, err := r.store.Messages().Get(d.MessageID)
		if err != nil {
			r.logger.Warn("delivery_message_unavailable",
				slog.String("client_id", r.clientID),
				slog.String("message_id", d.MessageID),
				slog.String("error", err.Error()))
			return false
		}
		method = MethodIncomingDelivery
		params = []any{NewView(d), NewMessageView(msg)}
	}

	if !r.send(ctx, peer, method, params, d, res) {
		return false
	}
	r.markPushed(d, (*storage.Delivery).MarkPushedIn)
	return true
}

func (r *Request) pushOutgoing(ctx context.Context, peer Peer, d *storage.Delivery, res *Result) {
	unlock := r.store.LockMessage(d.MessageID)
	defer unlock()

	if !r.send(ctx, peer, MethodOutgoingDeliveryUpdated, []any{NewView(d)}, d, res) {
		return
	}
	r.markPushed(d, (*storage.Delivery).MarkPushedOut)
}

func (r *Request) send(ctx context.Context, peer Peer, method string, params any, d *storage.Delivery, res *Result) bool {
	err := peer.Notify(method, params)
	r.metrics.RecordDeliveryPush(method, err != nil)
	if err == nil {
		res.Pushed++
		return true
	}

	if !peer.IsConnected() {
		r.logger.Debug("delivery_pass_aborted",
			slog.String("client_id", r.clientID),
			slog.String("method", method),
			slog.String("message_id", d.MessageID),
			slog.String("error", err.Error()))
		trace.SpanFromContext(ctx).RecordError(err)
		res.Aborted = true
		return false
	}

	r.logger.Warn("delivery_push_failed",
		slog.String("client_id", r.clientID),
		slog.String("method", method),
		slog.String("message_id", d.MessageID),
		slog.String("receiver_id", d.ReceiverID),
		slog.String("error", err.Error()))
	res.Failed++
	return false
}

// markPushed stamps the push time on the stored record unless it changed
// after the snapshot was taken; the next pass pushes that change. The
// message lock must be held.
func (r *Request) markPushed(snapshot *storage.Delivery, mark func(*storage.Delivery, time.Time)) {
	deliveries := r.store.Deliveries()
	cur, err := deliveries.Get(snapshot.MessageID, snapshot.ReceiverID)
	if errors.Is(err, storage.ErrNotFound) {
		return
	}
	if err != nil {
		r.logger.Error("delivery_load_failed",
			slog.String("message_id", snapshot.MessageID),
			slog.String("receiver_id", snapshot.ReceiverID),
			slog.String("error", err.Error()))
		return
	}
	if !cur.TimeChanged.Equal(snapshot.TimeChanged) {
		return
	}
	mark(cur, r.now())
	if err := deliveries.Save(cur); err != nil {
		r.logger.Error("delivery_save_failed",
			slog.String("message_id", cur.MessageID),
			slog.String("receiver_id", cur.ReceiverID),
			slog.String("error", err.Error()))
	}
}

// dropCorrupt deletes outgoing records that name neither a receiver nor a
// group and returns the remaining ones.
func (r *Request) dropCorrupt(outgoing []*storage.Delivery, res *Result) []*storage.Delivery {
	kept := outgoing[:0]
	for _, d := range outgoing {
		if !d.Corrupt() {
			kept = append(kept, d)
			continue
		}
		unlock := r.store.LockMessage(d.MessageID)
		err := r.store.Deliveries().Delete(d.MessageID, d.ReceiverID)
		unlock()

		attrs := []any{
			slog.String("client_id", r.clientID),
			slog.String("message_id", d.MessageID),
			slog.String("state", string(d.State)),
		}
		if err != nil {
			r.logger.Error("delivery_corrupt_outgoing", append(attrs, slog.String("error", err.Error()))...)
			continue
		}
		r.logger.Error("delivery_corrupt_outgoing", attrs...)
		res.Deleted++
	}
	return kept
}

// requestPush submits at most one out-of-band push for an offline client
// with deliveries waiting, honouring per-sender and per-group
// notification preferences.
func (r *Request) requestPush(incoming []*storage.Delivery, res *Result) {
	for _, d := range incoming {
		if d.State != storage.StateDelivering || !r.notificationsEnabled(d) {
			continue
		}
		r.push.SubmitPushRequest(r.clientID, r.isRetry)
		r.metrics.RecordPushRequest()
		res.PushRequested = true
		r.logger.Debug("delivery_push_requested",
			slog.String("client_id", r.clientID),
			slog.Bool("retry", r.isRetry))
		return
	}
}

func (r *Request) notificationsEnabled(d *storage.Delivery) bool {
	if d.GroupID != "" {
		m, err := r.store.Memberships().Get(d.GroupID, r.clientID)
		if err != nil {
			return !r.lookupFailed(err, d)
		}
		return !m.NotificationsDisabled
	}
	rel, err := r.store.Relationships().Get(r.clientID, d.SenderID)
	if err != nil {
		return !r.lookupFailed(err, d)
	}
	return !rel.NotificationsDisabled
}

// lookupFailed logs preference lookup errors other than a missing record.
func (r *Request) lookupFailed(err error, d *storage.Delivery) bool {
	if errors.Is(err, storage.ErrNotFound) {
		return false
	}
	r.logger.Warn("delivery_preference_lookup_failed",
		slog.String("client_id", r.clientID),
		slog.String("message_id", d.MessageID),
		slog.String("error", err.Error()))
	return true
}
