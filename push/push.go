// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package push forwards push-notification requests for offline clients to an
// external gateway.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventTypePushRequest is the event type of every envelope sent to the gateway.
const EventTypePushRequest = "push.request"

// Drop policies applied when the queue is full.
const (
	DropOldest = "oldest"
	DropNewest = "newest"
)

// Gateway accepts push requests without blocking the caller.
type Gateway interface {
	SubmitPushRequest(clientID string, isRetry bool)
	Close() error
}

// Sender is the transport-specific sender interface.
type Sender interface {
	// Send delivers one payload to url and returns an error if the gateway
	// did not accept it.
	Send(ctx context.Context, url string, headers map[string]string, payload []byte, timeout time.Duration) error
}

// Limiter throttles push requests per client.
type Limiter interface {
	AllowPush(clientID string) bool
}

// Request is the payload of a push.request event.
type Request struct {
	ClientID string `json:"client_id"`
	Retry    bool   `json:"retry"`
}

// Envelope is the common wrapper of gateway events.
type Envelope struct {
	EventType string  `json:"event_type"`
	EventID   string  `json:"event_id"`
	Timestamp string  `json:"timestamp"`
	ServerID  string  `json:"server_id"`
	Data      Request `json:"data"`
}

// Wrap wraps the request in an envelope stamped with serverID.
func (r Request) Wrap(serverID string, now time.Time) *Envelope {
	return &Envelope{
		EventType: EventTypePushRequest,
		EventID:   uuid.New().String(),
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		ServerID:  serverID,
		Data:      r,
	}
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Config configures the push gateway.
type Config struct {
	Enabled         bool                 `yaml:"enabled"`
	URL             string               `yaml:"url"`
	Headers         map[string]string    `yaml:"headers"`
	QueueSize       int                  `yaml:"queue_size"`
	Workers         int                  `yaml:"workers"`
	DropPolicy      string               `yaml:"drop_policy"`
	Timeout         time.Duration        `yaml:"timeout"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
	Retry           RetryConfig          `yaml:"retry"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds exponential backoff settings.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker settings.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// DefaultConfig returns the default push configuration. The gateway is
// disabled until a URL is configured.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		QueueSize:       1000,
		Workers:         2,
		DropPolicy:      DropOldest,
		Timeout:         5 * time.Second,
		ShutdownTimeout: 5 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2.0,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
		},
	}
}

// Validate checks the configuration of an enabled gateway.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("push url is required when push is enabled")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("push queue_size must be positive, got %d", c.QueueSize)
	}
	if c.Workers < 1 {
		return fmt.Errorf("push workers must be positive, got %d", c.Workers)
	}
	if c.DropPolicy != DropOldest && c.DropPolicy != DropNewest {
		return fmt.Errorf("push drop_policy must be %q or %q, got %q", DropOldest, DropNewest, c.DropPolicy)
	}
	if c.Timeout <= 0 {
		return errors.New("push timeout must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("push retry.max_attempts must be at least 1")
	}
	if c.Retry.MaxAttempts > 1 && (c.Retry.InitialInterval <= 0 || c.Retry.Multiplier < 1) {
		return errors.New("push retry requires positive initial_interval and multiplier >= 1")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return errors.New("push circuit_breaker.failure_threshold must be at least 1")
	}
	return nil
}
