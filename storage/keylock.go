// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"hash/fnv"
	"sync"
)

const numKeyShards = 128

// KeyLock provides per-key locking using a fixed number of sharded mutexes.
// Operations on different keys are unlikely to contend.
type KeyLock struct {
	shards [numKeyShards]sync.Mutex
}

// Lock acquires the lock for key and returns its release function.
func (kl *KeyLock) Lock(key string) (unlock func()) {
	mu := &kl.shards[kl.index(key)]
	mu.Lock()
	return mu.Unlock
}

func (kl *KeyLock) index(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numKeyShards
}
