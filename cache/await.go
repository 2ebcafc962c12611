// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstep"
)

// ErrReleased is returned by Await when a fingerprint's reservation
// disappeared without the fingerprint being completed: its holder
// failed, or its stale reservation was reclaimed. The caller may then
// try to reserve the fingerprint itself.
var ErrReleased = errors.E(errors.NotExist, "reservation released without a result")

var errPending = errors.E(errors.Unavailable, "reservation pending")

// Probe performs a single, non-blocking check of a fingerprint that
// is reserved by another owner. It returns the complete entry if the
// fingerprint has been computed, ErrReleased if it is no longer
// reserved (reclaiming reservations whose heartbeat is older than
// staleAfter), or an error for which IsPending is true if the
// computation is still underway.
func Probe(ctx context.Context, c Cache, fp bigstep.Fingerprint, staleAfter time.Duration) (Entry, error) {
	entry, err := c.Lookup(ctx, fp)
	if err == nil && entry.Status == Complete {
		return entry, nil
	}
	if err != nil && !errors.Is(errors.NotExist, err) {
		return Entry{}, err
	}
	lock, err := c.Holder(ctx, fp)
	if errors.Is(errors.NotExist, err) {
		// The holder may have committed between the two reads.
		if entry, err := c.Lookup(ctx, fp); err == nil && entry.Status == Complete {
			return entry, nil
		}
		return Entry{}, ErrReleased
	}
	if err != nil {
		return Entry{}, err
	}
	if lock.Stale(time.Now(), staleAfter) {
		log.Printf("cache: reservation of %s by %s is stale (last heartbeat %s)",
			fp.Short(), lock.Owner, lock.Heartbeat.Format(time.RFC3339))
		if err := c.Reclaim(ctx, fp, lock.Owner); err != nil {
			return Entry{}, err
		}
		return Entry{}, ErrReleased
	}
	return Entry{}, errPending
}

// IsPending tells whether err, as returned by Probe, indicates that
// the fingerprint's computation is still underway.
func IsPending(err error) bool {
	return err == errPending
}

// Await waits until the fingerprint fp, reserved by another owner, is
// resolved. It polls the cache with exponential backoff, capped at
// maxInterval. Await returns the complete entry, ErrReleased if the
// reservation disappeared without a result, or the context's error.
func Await(ctx context.Context, c Cache, fp bigstep.Fingerprint, maxInterval, staleAfter time.Duration) (Entry, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = maxInterval / 20
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = time.Millisecond
	}
	policy.MaxInterval = maxInterval
	policy.MaxElapsedTime = 0
	var entry Entry
	err := backoff.Retry(func() error {
		var err error
		entry, err = Probe(ctx, c, fp, staleAfter)
		if IsPending(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}
