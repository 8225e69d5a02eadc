// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"runtime"
	"time"
)

// Config tunes reconciliation and scheduling.
type Config struct {
	// Workers bounds the number of clients reconciled concurrently.
	Workers int
	// StaleAfter forces a re-push of a non-final delivery whose last push
	// is older than this, even if it is in sync.
	StaleAfter time.Duration
	// RecentWindow is how long after a full incoming push only the updated
	// variant is sent within the same connection session.
	RecentWindow time.Duration
	// RetryDelay is the wait before an aborted pass is rescheduled.
	RetryDelay time.Duration
}

// DefaultConfig returns the standard delivery policy.
func DefaultConfig() Config {
	return Config{
		Workers:      runtime.GOMAXPROCS(0) * 4,
		StaleAfter:   30 * time.Second,
		RecentWindow: 15 * time.Second,
		RetryDelay:   5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = def.RecentWindow
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = def.RetryDelay
	}
	return c
}
