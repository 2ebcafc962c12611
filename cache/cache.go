// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cache implements bigstep's content-addressed result cache.
// The cache maps step fingerprints to the artifacts they produced and
// guarantees, through reservations, that at most one computation of
// a fingerprint is in progress at any time.
//
// A computation proceeds by reserving a fingerprint, running the
// step, and then either committing its artifact or releasing the
// reservation as failed. Committed entries are immutable. Failed
// entries do not poison the fingerprint: a later reservation may
// recompute it.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

// Status is the status of a cache entry.
type Status int

const (
	// InProgress indicates that a computation of the entry's
	// fingerprint is underway.
	InProgress Status = iota
	// Complete indicates that the entry's artifact is available.
	Complete
	// Failed indicates that the last computation of the entry's
	// fingerprint failed.
	Failed
)

var statuses = [...]string{
	InProgress: "in-progress",
	Complete:   "complete",
	Failed:     "failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statuses) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statuses[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statuses {
		if name == string(text) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("invalid cache status %q", text)
}

// An Entry is the cached state of a fingerprint.
type Entry struct {
	Fingerprint bigstep.Fingerprint `json:"fingerprint"`
	Status      Status              `json:"status"`
	Artifact    bigstep.Artifact    `json:"artifact"`
	// Owner is the reservation owner that produced the entry.
	Owner string `json:"owner"`
	// JobID is the backend identity of the job that produced the
	// entry.
	JobID string `json:"job_id,omitempty"`
	// Error describes the failure of a failed entry.
	Error   string    `json:"error,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// A Token is proof of a reservation. It is returned by Reserve and
// must be presented to Commit or ReleaseFailed.
type Token struct {
	Fingerprint bigstep.Fingerprint
	Owner       string
	Reserved    time.Time
}

// A Lock describes a held reservation.
type Lock struct {
	Owner     string    `json:"owner"`
	Created   time.Time `json:"created"`
	Heartbeat time.Time `json:"heartbeat"`
}

// Stale tells whether the lock's holder has not refreshed it within
// the provided duration.
func (l Lock) Stale(now time.Time, after time.Duration) bool {
	return after > 0 && now.Sub(l.Heartbeat) > after
}

// ErrAlreadyReserved is returned by Reserve when the fingerprint is
// reserved by another owner or has already been computed. Callers
// must then wait for the result instead of recomputing it.
var ErrAlreadyReserved = errors.E(errors.Exists, "fingerprint already reserved")

// A ConsistencyError is returned when a reservation or commit race is
// detected, for example when committing a fingerprint that is already
// complete or whose reservation is no longer held by the committer.
// The losing party should treat the fingerprint as a cache hit and
// wait for the winner's result; it must never commit again.
type ConsistencyError struct {
	Fingerprint bigstep.Fingerprint
	Op          string
	Msg         string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("cache consistency error: %s %s: %s", e.Op, e.Fingerprint.Short(), e.Msg)
}

// IsConsistencyError tells whether err, or any error in its chain, is
// a *ConsistencyError.
func IsConsistencyError(err error) bool {
	var match bool
	errors.Visit(err, func(err error) {
		if _, ok := err.(*ConsistencyError); ok {
			match = true
		}
	})
	return match
}

// Cache is a content-addressed store of step results. Implementations
// must be safe for concurrent use, and must provide per-fingerprint
// mutual exclusion through Reserve.
type Cache interface {
	// Lookup returns the entry for the provided fingerprint. An error
	// of kind errors.NotExist is returned if there is none.
	Lookup(ctx context.Context, fp bigstep.Fingerprint) (Entry, error)

	// Reserve atomically claims the right to compute fp on behalf of
	// the provided owner. ErrAlreadyReserved is returned if the
	// fingerprint is reserved by any owner or is already complete.
	Reserve(ctx context.Context, fp bigstep.Fingerprint, owner string) (Token, error)

	// Commit records the artifact produced under the provided
	// reservation and releases it. The entry is durable when Commit
	// returns. A *ConsistencyError is returned if the entry is
	// already complete or the reservation is no longer held.
	Commit(ctx context.Context, tok Token, jobID string, art bigstep.Artifact) error

	// ReleaseFailed records the failure of the computation under the
	// provided reservation and releases it, so that the fingerprint
	// may be reserved again.
	ReleaseFailed(ctx context.Context, tok Token, jobID string, cause error) error

	// Holder returns the lock of the current reservation of fp. An
	// error of kind errors.NotExist is returned if fp is not
	// reserved.
	Holder(ctx context.Context, fp bigstep.Fingerprint) (Lock, error)

	// Refresh updates the heartbeat of the provided reservation.
	Refresh(ctx context.Context, tok Token) error

	// Reclaim removes the reservation of fp if it is held by the
	// provided owner. Reclaim is used to recover reservations whose
	// owner is known to be dead. Reclaiming a reservation that is not
	// held, or held by another owner, is a no-op.
	Reclaim(ctx context.Context, fp bigstep.Fingerprint, owner string) error
}

func lostReservation(op string, tok Token, holder string) error {
	msg := "reservation not held"
	if holder != "" {
		msg = fmt.Sprintf("reservation held by %s, not %s", holder, tok.Owner)
	}
	return &ConsistencyError{Fingerprint: tok.Fingerprint, Op: op, Msg: msg}
}

func alreadyComplete(op string, fp bigstep.Fingerprint) error {
	return &ConsistencyError{Fingerprint: fp, Op: op, Msg: "entry already complete"}
}

func errorString(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
