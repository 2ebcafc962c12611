// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/testutil/assert"
)

var (
	testBlock = bigstep.Register(bigstep.Module{
		Type: "exec_test.block",
		Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
			<-ctx.Done()
			return bigstep.Artifact{}, ctx.Err()
		},
	})
	testPanic = bigstep.Register(bigstep.Module{
		Type: "exec_test.panic",
		Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
			panic("boom")
		},
	})
	testTemporary = bigstep.Register(bigstep.Module{
		Type: "exec_test.temporary",
		Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
			return bigstep.Artifact{}, errors.E(errors.Temporary, "scratch disk unavailable")
		},
	})
	testIndex = bigstep.Register(bigstep.Module{
		Type: "exec_test.index",
		Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
			return bigstep.Value(in.Index)
		},
	})
)

func testJob(t *testing.T, typ string, reqs bigstep.Requirements) *Job {
	t.Helper()
	spec, err := bigstep.NewSpec(typ, map[string]interface{}{"name": typ}, nil, bigstep.WithRequirements(reqs))
	if err != nil {
		t.Fatal(err)
	}
	return &Job{Name: typ, Spec: spec, Requirements: spec.Requirements(), Attempt: 1}
}

// waitDone polls the job until it reaches a terminal state.
func waitDone(t *testing.T, x Executor, job *Job) JobStatus {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(10 * time.Second)
	for {
		status, err := x.Poll(ctx, job)
		if err != nil {
			t.Fatal(err)
		}
		if status.State.Terminal() {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s did not complete", job.ID)
		}
		time.Sleep(time.Millisecond)
	}
}

func localExecutorForTest(t *testing.T, p int) (Executor, func()) {
	t.Helper()
	sess := Start(Local, Parallelism(p))
	x, ok := sess.Executor("local")
	if !ok {
		t.Fatal("no local executor")
	}
	return x, sess.Shutdown
}

func TestLocalExecutor(t *testing.T) {
	x, shutdown := localExecutorForTest(t, 2)
	defer shutdown()
	ctx := context.Background()
	job := testJob(t, testConcat.Type, bigstep.Requirements{})
	assert.NoError(t, x.Submit(ctx, job))
	if !strings.HasPrefix(job.ID, "local-") {
		t.Errorf("unexpected job ID %s", job.ID)
	}
	status := waitDone(t, x, job)
	if got, want := status.State, JobSucceeded; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, status.Err)
	}
	var s string
	assert.NoError(t, status.Artifact.Decode(&s))
	if got, want := s, testConcat.Type; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	if _, err := x.Poll(ctx, &Job{ID: "local-unknown"}); !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestLocalTimeout(t *testing.T) {
	x, shutdown := localExecutorForTest(t, 1)
	defer shutdown()
	job := testJob(t, testBlock.Type, bigstep.Requirements{Timeout: 10 * time.Millisecond})
	assert.NoError(t, x.Submit(context.Background(), job))
	status := waitDone(t, x, job)
	if got, want := status.State, JobTimedOut; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !errors.Is(errors.Timeout, status.Err) {
		t.Errorf("got %v, want Timeout", status.Err)
	}
}

func TestLocalCancel(t *testing.T) {
	x, shutdown := localExecutorForTest(t, 1)
	defer shutdown()
	ctx := context.Background()
	job := testJob(t, testBlock.Type, bigstep.Requirements{})
	assert.NoError(t, x.Submit(ctx, job))
	// A second job waits for the first one's processor.
	queued := testJob(t, testBlock.Type, bigstep.Requirements{})
	assert.NoError(t, x.Submit(ctx, queued))
	for _, j := range []*Job{job, queued} {
		assert.NoError(t, x.Cancel(ctx, j))
		// Cancel is idempotent.
		assert.NoError(t, x.Cancel(ctx, j))
		if got, want := waitDone(t, x, j).State, JobCancelled; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	assert.NoError(t, x.Cancel(ctx, &Job{ID: "local-unknown"}))
	if err := x.Cancel(ctx, &Job{Name: "never"}); !errors.Is(errors.Invalid, err) {
		t.Errorf("got %v, want Invalid", err)
	}
}

func TestLocalFailures(t *testing.T) {
	x, shutdown := localExecutorForTest(t, 2)
	defer shutdown()
	for _, c := range []struct {
		typ   string
		state JobState
		msg   string
	}{
		{testPanic.Type, JobFailed, "panic while running module"},
		{testFail.Type, JobFailed, "failed"},
		{testTemporary.Type, JobPreempted, "scratch disk unavailable"},
	} {
		job := testJob(t, c.typ, bigstep.Requirements{})
		assert.NoError(t, x.Submit(context.Background(), job))
		status := waitDone(t, x, job)
		if got, want := status.State, c.state; got != want {
			t.Errorf("%s: got %v, want %v", c.typ, got, want)
		}
		if status.Err == nil || !strings.Contains(status.Err.Error(), c.msg) {
			t.Errorf("%s: got %v, want %q", c.typ, status.Err, c.msg)
		}
	}
}

func TestLocalArrayJob(t *testing.T) {
	x, shutdown := localExecutorForTest(t, 4)
	defer shutdown()
	job := testJob(t, testIndex.Type, bigstep.Requirements{ArraySize: 3})
	assert.NoError(t, x.Submit(context.Background(), job))
	status := waitDone(t, x, job)
	if got, want := status.State, JobSucceeded; got != want {
		t.Fatalf("got %v, want %v: %v", got, want, status.Err)
	}
	var indices []int
	for _, part := range status.Artifact.Parts {
		var i int
		assert.NoError(t, part.Decode(&i))
		indices = append(indices, i)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, indices); diff != "" {
		t.Errorf("parts (-want +got):\n%s", diff)
	}
}

func TestLocalRun(t *testing.T) {
	sess := Start(Local, Parallelism(4), PollInterval(2*time.Millisecond))
	defer sess.Shutdown()
	if diff := cmp.Diff([]string{"local"}, sess.Backends()); diff != "" {
		t.Errorf("backends (-want +got):\n%s", diff)
	}
	graph := mustGraph(t, concat("a"), concat("b"), concat("c", "a", "b"))
	report, err := sess.Run(context.Background(), graph)
	assert.NoError(t, err)
	if got, want := value(t, report, "c"), "c(a+b)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := sess.Stats()["submitted"], int64(3); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !strings.Contains(report.String(), "succeeded") {
		t.Errorf("unexpected report:\n%s", report)
	}
}
