// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

// JobState represents the state of a submitted job. JobState values
// are defined so that their magnitudes correspond with job
// progression: all states from JobSucceeded onwards are terminal.
type JobState int

const (
	// JobInit is the state of a job that has not yet been submitted.
	JobInit JobState = iota
	// JobPending indicates that the job has been accepted by an
	// executor but has not yet been allocated resources.
	JobPending
	// JobRunning indicates that the job is running.
	JobRunning

	// JobSucceeded indicates that the job completed and produced its
	// artifact.
	JobSucceeded
	// JobFailed indicates that the module's run failed.
	JobFailed
	// JobPreempted indicates that the job was lost, usually because
	// the machine running it went away, or that it failed with a
	// temporary error.
	JobPreempted
	// JobTimedOut indicates that the job exceeded its timeout.
	JobTimedOut
	// JobCancelled indicates that the job was cancelled.
	JobCancelled

	maxJobState
)

var jobStates = [...]string{
	JobInit:      "INIT",
	JobPending:   "PENDING",
	JobRunning:   "RUNNING",
	JobSucceeded: "SUCCEEDED",
	JobFailed:    "FAILED",
	JobPreempted: "PREEMPTED",
	JobTimedOut:  "TIMEDOUT",
	JobCancelled: "CANCELLED",
}

// String returns the job state as an upper-case string.
func (s JobState) String() string {
	if s < 0 || s >= maxJobState {
		return fmt.Sprintf("JobState(%d)", int(s))
	}
	return jobStates[s]
}

// Terminal tells whether the state is final for a job. Whether the
// orchestrator resubmits the job's step is a separate decision.
func (s JobState) Terminal() bool {
	return s >= JobSucceeded
}

// A JobStatus is an executor's report of a job's state.
type JobStatus struct {
	State JobState
	// Artifact is the job's result, set when State is JobSucceeded.
	Artifact bigstep.Artifact
	// Err describes the failure of a job in any terminal state other
	// than JobSucceeded.
	Err error
}

// A Job is the handle of one submitted attempt to compute a step.
// Jobs are owned by the orchestrator, which advances their state
// from the statuses reported by the job's executor.
//
// Jobs embed a mutex and a condition channel so that callers may
// wait for state changes.
type Job struct {
	// ID is the executor-assigned identity of the job. It is set by
	// Executor.Submit.
	ID string
	// Name is the name of the step computed by the job.
	Name string
	// Spec is the spec of the step computed by the job.
	Spec *bigstep.Spec
	// Deps holds the artifacts of the step's dependencies, in
	// declared order.
	Deps []bigstep.Artifact
	// Requirements are the resources requested for this attempt.
	Requirements bigstep.Requirements
	// Backend is the name of the executor the job was submitted to.
	Backend string
	// Attempt numbers the attempts to compute the step, starting at 1.
	Attempt int

	sync.Mutex
	waitc chan struct{}

	state    JobState
	artifact bigstep.Artifact
	err      error
	// updated is the time of the last state change.
	updated time.Time
}

// String returns a short, human-readable description of the job.
func (j *Job) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "job %s (%s attempt %d) %s", j.ID, j.Name, j.Attempt, j.state)
	if j.err != nil {
		fmt.Fprintf(&b, ": %v", j.err)
	}
	return b.String()
}

// validTransition tells whether a job may move from state from to
// state to.
func validTransition(from, to JobState) bool {
	switch from {
	case JobInit:
		return to == JobPending
	case JobPending:
		return to == JobRunning || to.Terminal()
	case JobRunning:
		return to.Terminal()
	default:
		return false
	}
}

// Transition advances the job to the state reported in status.
// Transition returns false if the job is already in the reported
// state, and an error if the transition is not permitted by the job
// state machine: terminal states are final, and states are never
// revisited.
func (j *Job) Transition(status JobStatus) (bool, error) {
	j.Lock()
	defer j.Unlock()
	if j.state == status.State {
		return false, nil
	}
	if !validTransition(j.state, status.State) {
		return false, errors.E(errors.Invalid,
			fmt.Sprintf("job %s: invalid transition %s -> %s", j.ID, j.state, status.State))
	}
	j.state = status.State
	j.updated = time.Now()
	switch status.State {
	case JobSucceeded:
		j.artifact = status.Artifact
	case JobFailed, JobPreempted, JobTimedOut, JobCancelled:
		j.err = status.Err
		if j.err == nil {
			j.err = errors.E(fmt.Sprintf("job %s", status.State))
		}
	}
	j.Broadcast()
	return true, nil
}

// State returns the job's current state.
func (j *Job) State() JobState {
	j.Lock()
	defer j.Unlock()
	return j.state
}

// Err returns the job's error, if any.
func (j *Job) Err() error {
	j.Lock()
	defer j.Unlock()
	return j.err
}

// Artifact returns the job's artifact. It is valid only once the job
// has succeeded.
func (j *Job) Artifact() bigstep.Artifact {
	j.Lock()
	defer j.Unlock()
	return j.artifact
}

// Broadcast notifies waiters of a state change. Broadcast must only
// be called while the job's lock is held.
func (j *Job) Broadcast() {
	if j.waitc != nil {
		close(j.waitc)
		j.waitc = nil
	}
}

// Wait returns after the next call to Broadcast, or if the context
// is complete. The job's lock must be held when calling Wait.
func (j *Job) Wait(ctx context.Context) error {
	if j.waitc == nil {
		j.waitc = make(chan struct{})
	}
	waitc := j.waitc
	j.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	j.Lock()
	return err
}

// WaitState returns when the job is in a state at least as large
// as the provided state, or else if the context is done.
func (j *Job) WaitState(ctx context.Context, state JobState) (JobState, error) {
	j.Lock()
	defer j.Unlock()
	var err error
	for j.state < state && err == nil {
		err = j.Wait(ctx)
	}
	return j.state, err
}
