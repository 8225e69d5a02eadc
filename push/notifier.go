// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

var _ Gateway = (*Notifier)(nil)

// Notifier queues push requests and sends them from a worker pool through a
// circuit breaker, retrying failures with exponential backoff.
type Notifier struct {
	cfg      Config
	serverID string
	queue    chan pushJob
	breaker  *gobreaker.CircuitBreaker
	sender   Sender
	limiter  Limiter
	logger   *slog.Logger
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	closed   atomic.Bool
	dropped  atomic.Uint64
	sent     atomic.Uint64
}

type pushJob struct {
	req     Request
	attempt int
}

// NewNotifier creates a notifier and starts its workers. limiter may be nil.
func NewNotifier(cfg Config, serverID string, sender Sender, limiter Limiter, logger *slog.Logger) (*Notifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if sender == nil {
		return nil, errors.New("sender cannot be nil")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Retry.MaxAttempts < 1 {
		cfg.Retry.MaxAttempts = 1
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	threshold := uint32(max(cfg.CircuitBreaker.FailureThreshold, 1))
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-gateway",
		MaxRequests: 1,
		Timeout:     cfg.CircuitBreaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("push_breaker_state_changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	n := &Notifier{
		cfg:      cfg,
		serverID: serverID,
		queue:    make(chan pushJob, cfg.QueueSize),
		breaker:  breaker,
		sender:   sender,
		limiter:  limiter,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	logger.Info("push_notifier_started",
		slog.Int("workers", cfg.Workers),
		slog.Int("queue_size", cfg.QueueSize),
		slog.String("url", cfg.URL))

	return n, nil
}

// SubmitPushRequest queues a push request for the client. It never blocks;
// when the queue is full the drop policy decides which request is lost.
func (n *Notifier) SubmitPushRequest(clientID string, isRetry bool) {
	if n.closed.Load() {
		return
	}
	if n.limiter != nil && !n.limiter.AllowPush(clientID) {
		n.logger.Debug("push_request_throttled", slog.String("client_id", clientID))
		return
	}
	n.enqueue(pushJob{req: Request{ClientID: clientID, Retry: isRetry}})
}

func (n *Notifier) enqueue(job pushJob) {
	select {
	case n.queue <- job:
		return
	default:
	}

	if n.cfg.DropPolicy == DropOldest {
		select {
		case old := <-n.queue:
			n.drop(old)
		default:
		}
		select {
		case n.queue <- job:
			return
		default:
		}
	}
	n.drop(job)
}

func (n *Notifier) drop(job pushJob) {
	n.dropped.Add(1)
	n.logger.Error("push_queue_full",
		slog.String("client_id", job.req.ClientID),
		slog.String("drop_policy", n.cfg.DropPolicy))
}

func (n *Notifier) worker() {
	defer n.wg.Done()

	for {
		select {
		case job := <-n.queue:
			n.process(job)
		case <-n.stopCh:
			for {
				select {
				case job := <-n.queue:
					n.process(job)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) process(job pushJob) {
	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.send(job)
	})
	if err == nil {
		n.sent.Add(1)
		return
	}

	if job.attempt >= n.cfg.Retry.MaxAttempts-1 || n.closed.Load() {
		n.logger.Error("push_request_failed",
			slog.String("client_id", job.req.ClientID),
			slog.Int("attempts", job.attempt+1),
			slog.String("error", err.Error()))
		return
	}

	job.attempt++
	delay := n.retryDelay(job.attempt)
	n.logger.Debug("push_request_retry",
		slog.String("client_id", job.req.ClientID),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_after", delay),
		slog.String("error", err.Error()))

	time.AfterFunc(delay, func() {
		if n.closed.Load() {
			return
		}
		select {
		case n.queue <- job:
		default:
			n.drop(job)
		}
	})
}

func (n *Notifier) send(job pushJob) error {
	payload, err := job.req.Wrap(n.serverID, time.Now()).Marshal()
	if err != nil {
		return err
	}
	if err := n.sender.Send(n.ctx, n.cfg.URL, n.cfg.Headers, payload, n.cfg.Timeout); err != nil {
		return err
	}

	n.logger.Debug("push_request_sent",
		slog.String("client_id", job.req.ClientID),
		slog.Bool("retry", job.req.Retry))
	return nil
}

func (n *Notifier) retryDelay(attempt int) time.Duration {
	delay := float64(n.cfg.Retry.InitialInterval) * math.Pow(n.cfg.Retry.Multiplier, float64(attempt-1))
	if n.cfg.Retry.MaxInterval > 0 && delay > float64(n.cfg.Retry.MaxInterval) {
		delay = float64(n.cfg.Retry.MaxInterval)
	}
	return time.Duration(delay)
}

// Sent returns the number of requests accepted by the gateway.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }

// Dropped returns the number of requests lost to a full queue.
func (n *Notifier) Dropped() uint64 { return n.dropped.Load() }

// Close stops accepting requests and waits up to the shutdown timeout for
// queued requests to be sent. In-flight sends are cancelled after the timeout.
func (n *Notifier) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	n.logger.Info("push_notifier_stopping")
	close(n.stopCh)

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.logger.Info("push_notifier_stopped")
	case <-time.After(n.cfg.ShutdownTimeout):
		n.logger.Warn("push_notifier_shutdown_timeout", slog.Int("queue_depth", len(n.queue)))
	}
	n.cancel()
	return nil
}
