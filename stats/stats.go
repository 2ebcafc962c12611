// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stats provides named job counters. Counters live in a Map;
// snapshots of maps (Values) can be aggregated across workers and
// runs.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter names used by executors and the orchestrator.
const (
	// Submitted counts job submissions.
	Submitted = "submitted"
	// Running is the number of jobs currently running.
	Running = "running"
	// Succeeded counts jobs that produced an artifact.
	Succeeded = "succeeded"
	// Failed counts jobs whose module failed.
	Failed = "failed"
	// Preempted counts jobs that were lost or failed temporarily.
	Preempted = "preempted"
	// TimedOut counts jobs that exceeded their timeout.
	TimedOut = "timedout"
	// Retried counts resubmissions.
	Retried = "retried"
	// CacheHits counts steps satisfied from the result cache.
	CacheHits = "cachehits"
	// Awaited counts steps that waited on another owner's reservation.
	Awaited = "awaited"
)

// Values is a snapshot of the values in a collection.
type Values map[string]int64

// Add adds the values in w to v.
func (v Values) Add(w Values) {
	for k, n := range w {
		v[k] += n
	}
}

// String returns an abbreviated string with the values in this
// snapshot sorted by key. Zero values are omitted.
func (v Values) String() string {
	var keys []string
	for key, n := range v {
		if n != 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	for i, key := range keys {
		keys[i] = fmt.Sprintf("%s:%d", key, v[key])
	}
	return strings.Join(keys, " ")
}

// A Map is a set of counters keyed by name.
type Map struct {
	mu     sync.Mutex
	values map[string]*Int
}

// NewMap returns a fresh Map.
func NewMap() *Map {
	return &Map{values: make(map[string]*Int)}
}

// Int returns the counter with the provided name. The counter is
// created if it does not already exist. A nil Map returns a nil
// counter, on which all operations are no-ops.
func (m *Map) Int(name string) *Int {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := m.values[name]
	if v == nil {
		v = new(Int)
		m.values[name] = v
	}
	return v
}

// Snapshot returns the current values of all counters in the map.
func (m *Map) Snapshot() Values {
	vals := make(Values)
	if m == nil {
		return vals
	}
	m.mu.Lock()
	for k, v := range m.values {
		vals[k] = v.Get()
	}
	m.mu.Unlock()
	return vals
}

// An Int is an integer counter that can be atomically incremented.
type Int struct {
	val int64
}

// Add increments v by delta.
func (v *Int) Add(delta int64) {
	if v == nil {
		return
	}
	atomic.AddInt64(&v.val, delta)
}

// Get returns the current value of a counter.
func (v *Int) Get() int64 {
	if v == nil {
		return 0
	}
	return atomic.LoadInt64(&v.val)
}
