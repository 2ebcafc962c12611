// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/retry"
)

func TestMachinePoolStartFailures(t *testing.T) {
	var starts int32
	p := newMachinePool(context.Background(), nil, nil, 1, nil)
	p.backoff = retry.Backoff(5*time.Millisecond, 5*time.Millisecond, 1)
	p.startMachine = func(ctx context.Context) (*machine, error) {
		atomic.AddInt32(&starts, 1)
		return nil, errors.E(errors.Unavailable, "insufficient capacity")
	}
	// Every round of failures fails its waiters, but does not disable
	// the pool: the next job tries again after the backoff.
	for round := 1; round <= 3; round++ {
		_, _, err := p.Acquire(context.Background(), 1)
		if !errors.Is(errors.Unavailable, err) {
			t.Fatalf("round %d: got %v, want Unavailable", round, err)
		}
		if got, want := atomic.LoadInt32(&starts), int32(round*maxStartFailures); got != want {
			t.Errorf("round %d: got %v, want %v", round, got, want)
		}
	}

	// Waiters are released when their context is done.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	p.backoff = retry.Backoff(time.Hour, time.Hour, 1)
	p.mu.Lock()
	p.holdoff = time.Now().Add(time.Hour)
	p.mu.Unlock()
	before := atomic.LoadInt32(&starts)
	if _, _, err := p.Acquire(ctx, 1); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
	if got, want := atomic.LoadInt32(&starts), before; got != want {
		t.Errorf("started %d machines during holdoff", got-want)
	}
}
