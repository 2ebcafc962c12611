// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

type memoryStore struct {
	mu      sync.Mutex
	runs    map[string]Run
	records map[string]map[bigstep.Fingerprint]Record
}

// NewMemory returns a Store that keeps checkpoints in memory. It is
// useful for tests and for runs that need not survive the process.
func NewMemory() Store {
	return &memoryStore{
		runs:    make(map[string]Run),
		records: make(map[string]map[bigstep.Fingerprint]Record),
	}
}

func (m *memoryStore) SaveRun(ctx context.Context, run Run) error {
	if err := run.Validate(); err != nil {
		return errors.E(errors.Invalid, err)
	}
	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) LoadRun(ctx context.Context, id string) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return Run{}, errors.E(errors.NotExist, fmt.Sprintf("run %s", id))
	}
	return run, nil
}

func (m *memoryStore) Save(ctx context.Context, runID string, rec Record) error {
	if err := rec.Validate(); err != nil {
		return errors.E(errors.Invalid, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[runID]
	if recs == nil {
		recs = make(map[bigstep.Fingerprint]Record)
		m.records[runID] = recs
	}
	recs[rec.Fingerprint] = rec
	return nil
}

func (m *memoryStore) Load(ctx context.Context, runID string) (map[bigstep.Fingerprint]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make(map[bigstep.Fingerprint]Record, len(m.records[runID]))
	for fp, rec := range m.records[runID] {
		recs[fp] = rec
	}
	return recs, nil
}
