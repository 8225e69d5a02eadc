// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hoccer/hoccer-talk-spike-sub005/storage"
)

var _ storage.Store = (*Store)(nil)

const defaultGCInterval = 5 * time.Minute

// keySep separates the id segments of a key. Ids never contain it, so a
// scan over one id's segment cannot reach another id that extends it.
const keySep = "\x00"

// key joins prefix and the id segments.
func key(prefix string, ids ...string) []byte {
	return []byte(prefix + strings.Join(ids, keySep))
}

// scanPrefix returns the prefix of every key whose leading segments are ids.
func scanPrefix(prefix string, ids ...string) []byte {
	return append(key(prefix, ids...), keySep...)
}

// Store is the composite BadgerDB store implementing all storage interfaces.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	deliveries    *DeliveryStore
	messages      *MessageStore
	relationships *RelationshipStore
	memberships   *MembershipStore
	locks         storage.KeyLock

	gcInterval time.Duration
	gcStopCh   chan struct{}
	gcDone     chan struct{}
	closed     bool
	mu         sync.Mutex
}

// Config holds BadgerDB configuration.
type Config struct {
	Dir        string        // Directory for BadgerDB data
	SyncWrites bool          // fsync every write
	GCInterval time.Duration // value log GC period, 0 means 5m
	Logger     *slog.Logger
}

// New creates a new BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil // Disable BadgerDB's internal logging
	// Disable encryption to avoid "Invalid datakey id" errors on restart
	opts.EncryptionKey = nil
	opts.EncryptionKeyRotationDuration = 0
	// Deliveries are reconciled on every pass, so a lost tail of async
	// writes only causes a re-push.
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1
	opts.NumCompactors = 2
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 15

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}

	s := &Store{
		db:            db,
		logger:        logger,
		deliveries:    NewDeliveryStore(db),
		messages:      NewMessageStore(db),
		relationships: NewRelationshipStore(db),
		memberships:   NewMembershipStore(db),
		gcInterval:    interval,
		gcStopCh:      make(chan struct{}),
		gcDone:        make(chan struct{}),
	}

	// Start background value log GC
	go s.runGC()

	return s, nil
}

// Deliveries returns the delivery store.
func (s *Store) Deliveries() storage.DeliveryStore {
	return s.deliveries
}

// Messages returns the message store.
func (s *Store) Messages() storage.MessageStore {
	return s.messages
}

// Relationships returns the relationship store.
func (s *Store) Relationships() storage.RelationshipStore {
	return s.relationships
}

// Memberships returns the membership store.
func (s *Store) Memberships() storage.MembershipStore {
	return s.memberships
}

// LockMessage locks the message for mutation.
func (s *Store) LockMessage(messageID string) func() {
	return s.locks.Lock(messageID)
}

// Close gracefully closes the BadgerDB database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	// Signal GC goroutine to stop
	close(s.gcStopCh)

	// Wait for GC to finish
	<-s.gcDone

	// Close the database
	return s.db.Close()
}

// runGC runs BadgerDB's value log garbage collection periodically.
func (s *Store) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Reclaim a value log file when half of it is garbage.
			err := s.db.RunValueLogGC(0.5)
			if err != nil && err != badger.ErrNoRewrite {
				s.logger.Warn("badger_gc_failed", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			// Skip a final GC: GC during close can corrupt the value log.
			return
		}
	}
}
