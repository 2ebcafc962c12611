// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cache

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func testFingerprint(s string) bigstep.Fingerprint {
	return bigstep.Fingerprint(sha256.Sum256([]byte(s)))
}

func testCache(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	fp := testFingerprint("test")

	if _, err := c.Lookup(ctx, fp); !errors.Is(errors.NotExist, err) {
		t.Fatalf("got %v, want NotExist", err)
	}
	tok, err := c.Reserve(ctx, fp, "owner1")
	assert.NoError(t, err)
	if _, err := c.Reserve(ctx, fp, "owner2"); err != ErrAlreadyReserved {
		t.Errorf("got %v, want ErrAlreadyReserved", err)
	}
	lock, err := c.Holder(ctx, fp)
	assert.NoError(t, err)
	if got, want := lock.Owner, "owner1"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, c.Refresh(ctx, tok))

	// A failure releases the reservation without poisoning the
	// fingerprint.
	assert.NoError(t, c.ReleaseFailed(ctx, tok, "job1", fmt.Errorf("boom")))
	entry, err := c.Lookup(ctx, fp)
	assert.NoError(t, err)
	if got, want := entry.Status, Failed; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.Error, "boom"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := c.Holder(ctx, fp); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}

	tok, err = c.Reserve(ctx, fp, "owner2")
	assert.NoError(t, err)
	art := bigstep.Ref("s3://bucket/result")
	assert.NoError(t, c.Commit(ctx, tok, "job2", art))
	entry, err = c.Lookup(ctx, fp)
	assert.NoError(t, err)
	if got, want := entry.Status, Complete; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.Artifact.Ref, art.Ref; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := entry.JobID, "job2"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	// Complete entries cannot be reserved or committed again.
	if _, err := c.Reserve(ctx, fp, "owner3"); err != ErrAlreadyReserved {
		t.Errorf("got %v, want ErrAlreadyReserved", err)
	}
	if err := c.Commit(ctx, tok, "job3", bigstep.Ref("other")); !IsConsistencyError(err) {
		t.Errorf("got %v, want consistency error", err)
	}
	entry, err = c.Lookup(ctx, fp)
	assert.NoError(t, err)
	if got, want := entry.Artifact.Ref, art.Ref; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func testReclaim(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	fp := testFingerprint("reclaim")
	tok, err := c.Reserve(ctx, fp, "dead")
	assert.NoError(t, err)
	// Reclaiming on behalf of another owner is a no-op.
	assert.NoError(t, c.Reclaim(ctx, fp, "someone-else"))
	lock, err := c.Holder(ctx, fp)
	assert.NoError(t, err)
	if got, want := lock.Owner, "dead"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	assert.NoError(t, c.Reclaim(ctx, fp, "dead"))
	if _, err := c.Holder(ctx, fp); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
	// The dead owner can no longer commit.
	err = c.Commit(ctx, tok, "job", bigstep.Artifact{})
	if !IsConsistencyError(err) {
		t.Errorf("got %v, want consistency error", err)
	}
	if err := errors.E("commit step", err); !IsConsistencyError(err) {
		t.Errorf("got %v, want consistency error", err)
	}
	tok, err = c.Reserve(ctx, fp, "alive")
	assert.NoError(t, err)
	assert.NoError(t, c.Commit(ctx, tok, "job", bigstep.Ref("x")))
}

func testConcurrentReserve(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	fp := testFingerprint("concurrent")
	const N = 20
	var (
		wg      sync.WaitGroup
		granted int32
	)
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Reserve(ctx, fp, fmt.Sprint("owner", i))
			switch {
			case err == nil:
				atomic.AddInt32(&granted, 1)
			case err != ErrAlreadyReserved:
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	if got, want := granted, int32(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestMemory(t *testing.T) {
	testCache(t, NewMemory())
	testReclaim(t, NewMemory())
	testConcurrentReserve(t, NewMemory())
}

func TestFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	c, err := NewFile(dir)
	assert.NoError(t, err)
	testCache(t, c)
	testReclaim(t, c)
	testConcurrentReserve(t, c)

	// A second cache on the same directory shares entries and
	// reservations.
	other, err := NewFile(dir)
	assert.NoError(t, err)
	entry, err := other.Lookup(context.Background(), testFingerprint("test"))
	assert.NoError(t, err)
	if got, want := entry.Status, Complete; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, err := other.Reserve(context.Background(), testFingerprint("concurrent"), "x"); err != ErrAlreadyReserved {
		t.Errorf("got %v, want ErrAlreadyReserved", err)
	}
}

func TestFileRejectsURL(t *testing.T) {
	if _, err := NewFile("s3://bucket/cache"); !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want NotSupported", err)
	}
}

func TestAwait(t *testing.T) {
	ctx := context.Background()
	c := NewMemory()
	fp := testFingerprint("await")
	tok, err := c.Reserve(ctx, fp, "winner")
	assert.NoError(t, err)
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := c.Commit(ctx, tok, "job", bigstep.Ref("done")); err != nil {
			t.Error(err)
		}
	}()
	entry, err := Await(ctx, c, fp, 10*time.Millisecond, time.Minute)
	assert.NoError(t, err)
	if got, want := entry.Artifact.Ref, "done"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	fp = testFingerprint("await-fail")
	tok, err = c.Reserve(ctx, fp, "loser")
	assert.NoError(t, err)
	assert.NoError(t, c.ReleaseFailed(ctx, tok, "job", fmt.Errorf("failed")))
	if _, err := Await(ctx, c, fp, 10*time.Millisecond, time.Minute); err != ErrReleased {
		t.Errorf("got %v, want ErrReleased", err)
	}
}

func TestAwaitStale(t *testing.T) {
	ctx := context.Background()
	m := NewMemory().(*memoryCache)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	fp := testFingerprint("stale")
	_, err := m.Reserve(ctx, fp, "crashed")
	assert.NoError(t, err)
	if _, err := Await(ctx, m, fp, 10*time.Millisecond, time.Minute); err != ErrReleased {
		t.Errorf("got %v, want ErrReleased", err)
	}
	if _, err := m.Holder(ctx, fp); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestAwaitCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := NewMemory()
	fp := testFingerprint("forever")
	_, err := c.Reserve(ctx, fp, "slow")
	assert.NoError(t, err)
	if _, err := Await(ctx, c, fp, 10*time.Millisecond, 0); err != context.DeadlineExceeded {
		t.Errorf("got %v, want %v", err, context.DeadlineExceeded)
	}
}
