// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

func TestJobTransitions(t *testing.T) {
	for _, c := range []struct {
		path []JobState
		ok   bool
	}{
		{[]JobState{JobPending, JobRunning, JobSucceeded}, true},
		{[]JobState{JobPending, JobFailed}, true},
		{[]JobState{JobPending, JobRunning, JobPreempted}, true},
		{[]JobState{JobPending, JobRunning, JobTimedOut}, true},
		{[]JobState{JobPending, JobCancelled}, true},
		{[]JobState{JobRunning}, false},
		{[]JobState{JobPending, JobRunning, JobPending}, false},
		{[]JobState{JobPending, JobSucceeded, JobFailed}, false},
		{[]JobState{JobPending, JobCancelled, JobRunning}, false},
	} {
		job := new(Job)
		var err error
		for _, state := range c.path {
			if _, err = job.Transition(JobStatus{State: state}); err != nil {
				break
			}
		}
		if got, want := err == nil, c.ok; got != want {
			t.Errorf("%v: got %v, want %v (%v)", c.path, got, want, err)
		}
		if err != nil && !errors.Is(errors.Invalid, err) {
			t.Errorf("%v: got %v, want Invalid", c.path, err)
		}
	}
}

func TestJobTransitionIdempotent(t *testing.T) {
	job := new(Job)
	changed, err := job.Transition(JobStatus{State: JobPending})
	if err != nil || !changed {
		t.Fatalf("got %v, %v, want true, nil", changed, err)
	}
	changed, err = job.Transition(JobStatus{State: JobPending})
	if err != nil || changed {
		t.Fatalf("got %v, %v, want false, nil", changed, err)
	}
}

func TestJobStatusFields(t *testing.T) {
	job := new(Job)
	art := bigstep.Ref("s3://bucket/result")
	for _, state := range []JobState{JobPending, JobRunning} {
		if _, err := job.Transition(JobStatus{State: state}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := job.Transition(JobStatus{State: JobSucceeded, Artifact: art}); err != nil {
		t.Fatal(err)
	}
	if got, want := job.Artifact().Ref, art.Ref; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if err := job.Err(); err != nil {
		t.Errorf("unexpected error %v", err)
	}

	job = new(Job)
	job.Transition(JobStatus{State: JobPending})
	job.Transition(JobStatus{State: JobPreempted})
	if job.Err() == nil {
		t.Error("expected a default error for a preempted job")
	}
}

func TestJobWaitState(t *testing.T) {
	job := new(Job)
	done := make(chan JobState)
	go func() {
		state, err := job.WaitState(context.Background(), JobRunning)
		if err != nil {
			t.Error(err)
		}
		done <- state
	}()
	job.Transition(JobStatus{State: JobPending})
	select {
	case state := <-done:
		t.Fatalf("returned early in state %v", state)
	case <-time.After(5 * time.Millisecond):
	}
	job.Transition(JobStatus{State: JobRunning})
	job.Transition(JobStatus{State: JobSucceeded})
	if got := <-done; got < JobRunning {
		t.Errorf("got %v, want at least %v", got, JobRunning)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := new(Job).WaitState(ctx, JobSucceeded); err != context.Canceled {
		t.Errorf("got %v, want %v", err, context.Canceled)
	}
}

func TestJobStateString(t *testing.T) {
	if got, want := JobTimedOut.String(), "TIMEDOUT"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	for state := JobInit; state < maxJobState; state++ {
		if got, want := state.Terminal(), state >= JobSucceeded; got != want {
			t.Errorf("%v: got %v, want %v", state, got, want)
		}
	}
}
