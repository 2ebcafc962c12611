// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine/testsystem"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/stats"
	"github.com/grailbio/testutil/assert"
)

func bigmachineTestSession(t *testing.T) (*Session, *testsystem.System, Executor) {
	t.Helper()
	system := testsystem.New()
	system.Machineprocs = 2
	system.KeepalivePeriod = 100 * time.Millisecond
	system.KeepaliveTimeout = 500 * time.Millisecond
	system.KeepaliveRpcTimeout = 100 * time.Millisecond
	sess := Start(Bigmachine(system), Parallelism(4), PollInterval(5*time.Millisecond))
	x, ok := sess.Executor("bigmachine")
	if !ok {
		t.Fatal("no bigmachine executor")
	}
	return sess, system, x
}

func TestBigmachineExecutor(t *testing.T) {
	sess, _, x := bigmachineTestSession(t)
	defer sess.Shutdown()
	ctx := context.Background()

	for _, c := range []struct {
		typ   string
		state JobState
	}{
		{testConcat.Type, JobSucceeded},
		{testFail.Type, JobFailed},
		{testPanic.Type, JobFailed},
		{testTemporary.Type, JobPreempted},
	} {
		job := testJob(t, c.typ, bigstep.Requirements{})
		assert.NoError(t, x.Submit(ctx, job))
		if !strings.HasPrefix(job.ID, "bigmachine-") {
			t.Errorf("unexpected job ID %s", job.ID)
		}
		status := waitDone(t, x, job)
		if got, want := status.State, c.state; got != want {
			t.Errorf("%s: got %v, want %v (%v)", c.typ, got, want, status.Err)
		}
		if c.state == JobSucceeded {
			var s string
			assert.NoError(t, status.Artifact.Decode(&s))
			if got, want := s, c.typ; got != want {
				t.Errorf("got %v, want %v", got, want)
			}
		}
	}

	vals, err := x.(*bigmachineExecutor).Stats(ctx)
	assert.NoError(t, err)
	if got, want := vals[stats.Succeeded], int64(1); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := vals[stats.Failed], int64(2); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineTimeoutAndCancel(t *testing.T) {
	sess, _, x := bigmachineTestSession(t)
	defer sess.Shutdown()
	ctx := context.Background()

	job := testJob(t, testBlock.Type, bigstep.Requirements{Timeout: 50 * time.Millisecond})
	assert.NoError(t, x.Submit(ctx, job))
	status := waitDone(t, x, job)
	if got, want := status.State, JobTimedOut; got != want {
		t.Errorf("got %v, want %v (%v)", got, want, status.Err)
	}

	job = testJob(t, testBlock.Type, bigstep.Requirements{})
	assert.NoError(t, x.Submit(ctx, job))
	assert.NoError(t, x.Cancel(ctx, job))
	assert.NoError(t, x.Cancel(ctx, job))
	if got, want := waitDone(t, x, job).State, JobCancelled; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestBigmachineMachineLoss(t *testing.T) {
	sess, system, x := bigmachineTestSession(t)
	defer sess.Shutdown()
	ctx := context.Background()

	job := testJob(t, testBlock.Type, bigstep.Requirements{})
	assert.NoError(t, x.Submit(ctx, job))
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := x.Poll(ctx, job)
		assert.NoError(t, err)
		if status.State == JobRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never started")
		}
		time.Sleep(time.Millisecond)
	}
	// Let the call reach the worker before killing its machine.
	time.Sleep(20 * time.Millisecond)
	if !system.Kill(nil) {
		t.Fatal("no machine to kill")
	}
	status := waitDone(t, x, job)
	if got, want := status.State, JobPreempted; got != want {
		t.Errorf("got %v, want %v (%v)", got, want, status.Err)
	}
	if errors.Match(fatalErr, status.Err) {
		t.Errorf("unexpected fatal error %v", status.Err)
	}
}

func TestBigmachineRun(t *testing.T) {
	sess, _, _ := bigmachineTestSession(t)
	defer sess.Shutdown()
	graph := mustGraph(t, concat("a"), concat("b", "a"), concat("c", "a", "b"))
	report, err := sess.Run(context.Background(), graph)
	assert.NoError(t, err)
	if got, want := value(t, report, "c"), "c(a+b(a))"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
