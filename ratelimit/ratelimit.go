// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a new IP-based rate limiter.
// rate is connections per second, burst is the burst allowance.
func NewIPRateLimiter(r float64, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may proceed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = time.Now()
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of tracked addresses.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.removeStale(time.Now().Add(-2 * l.cleanup))
		case <-l.stopCh:
			return
		}
	}
}

func (l *IPRateLimiter) removeStale(threshold time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// ClientRateLimiter keeps one token bucket per client id.
type ClientRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewClientRateLimiter creates a new client-based rate limiter.
func NewClientRateLimiter(r float64, burst int) *ClientRateLimiter {
	return &ClientRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(r),
		burst:    burst,
	}
}

// Allow reports whether the client may perform one more operation.
func (l *ClientRateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Remove forgets the client's bucket.
func (l *ClientRateLimiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    ClientConfig     `yaml:"publish"`
	Push       ClientConfig     `yaml:"push"`
}

// ConnectionConfig holds per-IP connection rate limiting settings.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"` // connections per second per IP
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ClientConfig holds per-client rate limiting settings.
type ClientConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // operations per second per client
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0, // 100 connections per minute per IP
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: ClientConfig{
			Enabled: true,
			Rate:    50,
			Burst:   20,
		},
		Push: ClientConfig{
			Enabled: true,
			Rate:    1.0 / 10.0, // one push request every 10s per client
			Burst:   3,
		},
	}
}

// Manager coordinates all rate limiters.
type Manager struct {
	config   Config
	ip       *IPRateLimiter
	publish  *ClientRateLimiter
	push     *ClientRateLimiter
	disabled bool
}

// NewManager creates a new rate limit manager.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{disabled: true, config: cfg}
	}

	m := &Manager{config: cfg}
	if cfg.Connection.Enabled {
		m.ip = NewIPRateLimiter(cfg.Connection.Rate, cfg.Connection.Burst, cfg.Connection.CleanupInterval)
	}
	if cfg.Publish.Enabled {
		m.publish = NewClientRateLimiter(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Push.Enabled {
		m.push = NewClientRateLimiter(cfg.Push.Rate, cfg.Push.Burst)
	}
	return m
}

// AllowConnection checks if a new connection from the given address is allowed.
func (m *Manager) AllowConnection(addr net.Addr) bool {
	if m.disabled || m.ip == nil {
		return true
	}
	return m.ip.Allow(addr)
}

// AllowPublish checks if the client may submit another outgoing delivery.
func (m *Manager) AllowPublish(clientID string) bool {
	if m.disabled || m.publish == nil {
		return true
	}
	return m.publish.Allow(clientID)
}

// AllowPush checks if another push request may be sent for the client.
func (m *Manager) AllowPush(clientID string) bool {
	if m.disabled || m.push == nil {
		return true
	}
	return m.push.Allow(clientID)
}

// OnClientDisconnect drops the client's publish bucket. The push bucket is
// kept since pushes are only requested while the client is offline.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.disabled || m.publish == nil {
		return
	}
	m.publish.Remove(clientID)
}

// Stop stops the rate limiter manager and cleans up resources.
func (m *Manager) Stop() {
	if m.ip != nil {
		m.ip.Stop()
	}
}
