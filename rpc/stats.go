// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"sort"
	"sync"
	"time"
)

// CallRecorder receives per-call timings, e.g. to export them as metrics.
type CallRecorder interface {
	RecordCall(method string, d time.Duration, failed bool)
}

// MethodStats summarizes handled calls of one operation.
type MethodStats struct {
	Method string        `json:"method"`
	Calls  uint64        `json:"calls"`
	Errors uint64        `json:"errors"`
	Total  time.Duration `json:"total_ns"`
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
}

// Average returns the mean call duration.
func (m MethodStats) Average() time.Duration {
	if m.Calls == 0 {
		return 0
	}
	return m.Total / time.Duration(m.Calls)
}

// Stats keeps per-operation call statistics. It is for observability only.
type Stats struct {
	mu      sync.Mutex
	methods map[string]*MethodStats
}

// NewStats creates an empty statistics table.
func NewStats() *Stats {
	return &Stats{methods: make(map[string]*MethodStats)}
}

// RecordCall implements CallRecorder.
func (s *Stats) RecordCall(method string, d time.Duration, failed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.methods[method]
	if !ok {
		m = &MethodStats{Method: method, Min: d, Max: d}
		s.methods[method] = m
	}
	m.Calls++
	if failed {
		m.Errors++
	}
	m.Total += d
	if d < m.Min {
		m.Min = d
	}
	if d > m.Max {
		m.Max = d
	}
}

// Snapshot returns a copy of all records ordered by method name.
func (s *Stats) Snapshot() []MethodStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]MethodStats, 0, len(s.methods))
	for _, m := range s.methods {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Method < out[j].Method })
	return out
}

// Get returns the record for one method.
func (s *Stats) Get(method string) (MethodStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.methods[method]
	if !ok {
		return MethodStats{}, false
	}
	return *m, true
}
