// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
	"testing"
)

func TestCondBroadcast(t *testing.T) {
	var (
		mu          sync.Mutex
		cond        = NewCond(&mu)
		start, done sync.WaitGroup
	)
	const N = 50
	start.Add(N)
	done.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer done.Done()
			mu.Lock()
			start.Done()
			if err := cond.Wait(context.Background()); err != nil {
				t.Error(err)
			}
			mu.Unlock()
		}()
	}
	start.Wait()
	mu.Lock()
	cond.Broadcast()
	mu.Unlock()
	done.Wait()
}

func TestCondWaitUntil(t *testing.T) {
	var (
		mu    sync.Mutex
		cond  = NewCond(&mu)
		count int
		done  = make(chan error, 1)
	)
	go func() {
		mu.Lock()
		defer mu.Unlock()
		done <- cond.WaitUntil(context.Background(), func() bool { return count >= 3 })
	}()
	for i := 0; i < 3; i++ {
		mu.Lock()
		count++
		cond.Broadcast()
		mu.Unlock()
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestCondCanceled(t *testing.T) {
	var (
		mu   sync.Mutex
		cond = NewCond(&mu)
	)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mu.Lock()
	defer mu.Unlock()
	if got, want := cond.WaitUntil(ctx, func() bool { return false }), context.Canceled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
