// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

// memoryCache is a Cache that is shared among the runs of a single
// process.
type memoryCache struct {
	mu      sync.Mutex
	entries map[bigstep.Fingerprint]Entry
	locks   map[bigstep.Fingerprint]Lock
	now     func() time.Time
}

// NewMemory returns a new, empty in-memory cache.
func NewMemory() Cache {
	return &memoryCache{
		entries: make(map[bigstep.Fingerprint]Entry),
		locks:   make(map[bigstep.Fingerprint]Lock),
		now:     time.Now,
	}
}

func (m *memoryCache) Lookup(ctx context.Context, fp bigstep.Fingerprint) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[fp]
	if !ok {
		return Entry{}, errors.E(errors.NotExist, fmt.Sprintf("no cache entry for %s", fp.Short()))
	}
	return entry, nil
}

func (m *memoryCache) Reserve(ctx context.Context, fp bigstep.Fingerprint, owner string) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[fp]; ok {
		return Token{}, ErrAlreadyReserved
	}
	if entry, ok := m.entries[fp]; ok && entry.Status == Complete {
		return Token{}, ErrAlreadyReserved
	}
	now := m.now()
	m.locks[fp] = Lock{Owner: owner, Created: now, Heartbeat: now}
	return Token{Fingerprint: fp, Owner: owner, Reserved: now}, nil
}

func (m *memoryCache) Commit(ctx context.Context, tok Token, jobID string, art bigstep.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[tok.Fingerprint]; ok && entry.Status == Complete {
		return alreadyComplete("commit", tok.Fingerprint)
	}
	lock, ok := m.locks[tok.Fingerprint]
	if !ok || lock.Owner != tok.Owner {
		return lostReservation("commit", tok, lock.Owner)
	}
	now := m.now()
	m.entries[tok.Fingerprint] = Entry{
		Fingerprint: tok.Fingerprint,
		Status:      Complete,
		Artifact:    art,
		Owner:       tok.Owner,
		JobID:       jobID,
		Created:     lock.Created,
		Updated:     now,
	}
	delete(m.locks, tok.Fingerprint)
	return nil
}

func (m *memoryCache) ReleaseFailed(ctx context.Context, tok Token, jobID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[tok.Fingerprint]; ok && entry.Status == Complete {
		return alreadyComplete("release", tok.Fingerprint)
	}
	lock, ok := m.locks[tok.Fingerprint]
	if !ok || lock.Owner != tok.Owner {
		return lostReservation("release", tok, lock.Owner)
	}
	m.entries[tok.Fingerprint] = Entry{
		Fingerprint: tok.Fingerprint,
		Status:      Failed,
		Owner:       tok.Owner,
		JobID:       jobID,
		Error:       errorString(cause),
		Created:     lock.Created,
		Updated:     m.now(),
	}
	delete(m.locks, tok.Fingerprint)
	return nil
}

func (m *memoryCache) Holder(ctx context.Context, fp bigstep.Fingerprint) (Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[fp]
	if !ok {
		return Lock{}, errors.E(errors.NotExist, fmt.Sprintf("fingerprint %s is not reserved", fp.Short()))
	}
	return lock, nil
}

func (m *memoryCache) Refresh(ctx context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[tok.Fingerprint]
	if !ok || lock.Owner != tok.Owner {
		return lostReservation("refresh", tok, lock.Owner)
	}
	lock.Heartbeat = m.now()
	m.locks[tok.Fingerprint] = lock
	return nil
}

func (m *memoryCache) Reclaim(ctx context.Context, fp bigstep.Fingerprint, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lock, ok := m.locks[fp]; ok && lock.Owner == owner {
		delete(m.locks, fp)
	}
	return nil
}
