// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstep"
)

// Executor defines an interface used to provide implementations of
// job runners. An Executor is responsible for running single jobs;
// the orchestrator tracks their progress by polling. Executors must
// be safe for concurrent use.
type Executor interface {
	// Name returns a human-friendly name for this executor. Steps
	// select their backend by this name.
	Name() string

	// Start starts the executor. It is called before evaluation has
	// started and after all steps have been registered. Start need
	// not return: for example, the bigmachine implementation uses
	// Start as an entry point for worker processes.
	Start(*Session) (shutdown func())

	// Submit submits the job for execution and sets job.ID. Submit
	// returns once the job has been accepted; it does not wait for the
	// job to run.
	Submit(ctx context.Context, job *Job) error

	// Poll returns the current status of the job. Poll returns an
	// error of kind errors.NotExist if the executor has no record of
	// the job, for example because it was submitted by a previous
	// process that has since exited.
	Poll(ctx context.Context, job *Job) (JobStatus, error)

	// Cancel requests termination of the job. Cancel is idempotent:
	// cancelling a job that has already reached a terminal state, or
	// that the executor does not know, is not an error.
	Cancel(ctx context.Context, job *Job) error
}

// jobEntry is the executor-side record of a submitted job.
type jobEntry struct {
	job     *Job
	ctx     context.Context
	cancel  func()
	status  JobStatus
	started time.Time
	timeout time.Duration
}

// jobTable tracks the jobs submitted to an executor. It implements
// the Poll and Cancel halves of the Executor interface so that
// executors need only decide how to run jobs.
type jobTable struct {
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	seq  int
	jobs map[string]*jobEntry
}

// newJobTable returns a job table whose job IDs begin with the
// provided name and a per-table nonce, so that IDs from different
// processes never collide.
func newJobTable(name string) *jobTable {
	return &jobTable{
		prefix: name + "-" + uuid.New().String()[:8],
		now:    time.Now,
		jobs:   make(map[string]*jobEntry),
	}
}

// add registers a new job, assigning its ID, and returns the context
// in which the job should run. The context is cancelled when the job
// is cancelled or times out.
func (t *jobTable) add(job *Job) context.Context {
	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	job.ID = fmt.Sprintf("%s-%d", t.prefix, t.seq)
	t.jobs[job.ID] = &jobEntry{
		job:     job,
		ctx:     ctx,
		cancel:  cancel,
		status:  JobStatus{State: JobPending},
		timeout: job.Requirements.Timeout,
	}
	return ctx
}

// running marks the job as running and starts its timeout clock.
// running returns false if the job has already completed, for example
// because it was cancelled while waiting for resources.
func (t *jobTable) running(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil || e.status.State.Terminal() {
		return false
	}
	e.status.State = JobRunning
	e.started = t.now()
	return true
}

// finish records the terminal status of a job. The first terminal
// status recorded for a job wins.
func (t *jobTable) finish(id string, status JobStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil || e.status.State.Terminal() {
		return
	}
	e.status = status
	e.cancel()
}

func (t *jobTable) poll(id string) (JobStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil {
		return JobStatus{}, errors.E(errors.NotExist, fmt.Sprintf("job %s", id))
	}
	if e.status.State == JobRunning && e.timeout > 0 && t.now().Sub(e.started) > e.timeout {
		e.status = JobStatus{
			State: JobTimedOut,
			Err:   errors.E(errors.Timeout, fmt.Sprintf("job %s exceeded timeout %s", id, e.timeout)),
		}
		e.cancel()
	}
	return e.status, nil
}

func (t *jobTable) cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.jobs[id]
	if e == nil {
		log.Debug.Printf("cancel %s: unknown job", id)
		return nil
	}
	if !e.status.State.Terminal() {
		e.status = JobStatus{State: JobCancelled, Err: errors.E(errors.Canceled, fmt.Sprintf("job %s cancelled", id))}
	}
	e.cancel()
	return nil
}

// cancelAll cancels every outstanding job. It is used on executor
// shutdown.
func (t *jobTable) cancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.jobs {
		if !e.status.State.Terminal() {
			e.status = JobStatus{State: JobCancelled, Err: errors.E(errors.Canceled, fmt.Sprintf("job %s cancelled on shutdown", id))}
		}
		e.cancel()
	}
}

// procs returns the number of processors to reserve for a job with
// the provided requirements, capped at max.
func procs(reqs bigstep.Requirements, max int) int {
	n := reqs.Procs()
	if reqs.ArraySize > 1 {
		n *= reqs.ArraySize
	}
	if n > max {
		n = max
	}
	if n < 1 {
		n = 1
	}
	return n
}
