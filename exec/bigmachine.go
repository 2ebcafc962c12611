// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/backgroundcontext"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstep/stats"
)

// FatalErr is used to match fatal errors.
var fatalErr = errors.E(errors.Fatal)

// BigmachineExecutor is an executor that runs individual jobs on
// bigmachine machines. Machines are started on demand, enough to
// provide the session's parallelism, and each job occupies the
// processors it requests on a single machine.
type bigmachineExecutor struct {
	*jobTable
	system bigmachine.System
	params []bigmachine.Param

	sess *Session
	b    *bigmachine.B
	pool *machinePool
	stop func()
}

func newBigmachineExecutor(system bigmachine.System, params ...bigmachine.Param) *bigmachineExecutor {
	return &bigmachineExecutor{
		jobTable: newJobTable("bigmachine"),
		system:   system,
		params:   params,
	}
}

func (*bigmachineExecutor) Name() string { return "bigmachine" }

// Start starts the bigmachine. In worker processes, bigmachine.Start
// does not return.
func (b *bigmachineExecutor) Start(sess *Session) (shutdown func()) {
	b.sess = sess
	b.b = bigmachine.Start(b.system)
	var (
		maxprocs = b.b.System().Maxprocs()
		n        = 1
	)
	if maxprocs > 0 {
		n = (sess.p + maxprocs - 1) / maxprocs
	}
	ctx, cancel := context.WithCancel(backgroundcontext.Get())
	b.stop = cancel
	b.pool = newMachinePool(ctx, b.b, sess.status.Group("bigmachine"), n, b.params)
	return func() {
		b.cancelAll()
		b.stop()
		b.b.Shutdown()
	}
}

func (b *bigmachineExecutor) Submit(ctx context.Context, job *Job) error {
	if b.pool == nil {
		return errors.E(errors.Unavailable, "exec.Bigmachine: executor not started")
	}
	jobCtx := b.add(job)
	log.Debug.Printf("bigmachine: submitted %s (%s) %s", job.ID, job.Name, job.Requirements)
	go b.run(jobCtx, job)
	return nil
}

func (b *bigmachineExecutor) run(ctx context.Context, job *Job) {
	m, n, err := b.pool.Acquire(ctx, procs(job.Requirements, b.sess.p))
	if err != nil {
		if ctx.Err() == nil {
			// The pool could not provide a machine. The job is reported
			// as preempted so that the orchestrator may try again later.
			b.finish(job.ID, JobStatus{State: JobPreempted, Err: err})
		}
		return
	}
	defer b.pool.Release(m, n)
	if !b.running(job.ID) {
		return
	}
	m.status.Printf("running %s (%s)", job.ID, job.Name)
	req := runRequest{
		Job:          job.ID,
		Type:         job.Spec.Type(),
		Config:       job.Spec.Config().Canonical(),
		Deps:         job.Deps,
		Requirements: job.Requirements,
	}
	runCtx := ctx
	if timeout := job.Requirements.Timeout; timeout > 0 {
		var cancel func()
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var reply runReply
	err = m.RetryCall(runCtx, "Worker.Run", req, &reply)
	var status JobStatus
	switch {
	case err == nil:
		status = JobStatus{State: JobSucceeded, Artifact: reply.Artifact}
	case ctx.Err() != nil:
		status = JobStatus{State: JobCancelled, Err: err}
	case runCtx.Err() == context.DeadlineExceeded:
		status = JobStatus{State: JobTimedOut, Err: errors.E(errors.Timeout, err)}
	case errors.Match(fatalErr, err):
		status = JobStatus{State: JobFailed, Err: errors.Recover(err)}
	default:
		// Everything else is retriable: the machine may have been lost,
		// or the module reported a temporary error.
		log.Printf("job %s (%s) on %s: preempted: %v", job.ID, job.Name, m, err)
		status = JobStatus{State: JobPreempted, Err: err}
	}
	m.status.Printf("%s %s", job.ID, status.State)
	b.finish(job.ID, status)
}

func (b *bigmachineExecutor) Poll(ctx context.Context, job *Job) (JobStatus, error) {
	return b.poll(job.ID)
}

func (b *bigmachineExecutor) Cancel(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("cancel %s: job was never submitted", job.Name))
	}
	return b.cancel(job.ID)
}

// Stats returns the aggregated job counters of all live machines.
func (b *bigmachineExecutor) Stats(ctx context.Context) (stats.Values, error) {
	b.pool.mu.Lock()
	machines := append([]*machine(nil), b.pool.machines...)
	b.pool.mu.Unlock()
	total := make(stats.Values)
	for _, m := range machines {
		var vals stats.Values
		if err := m.RetryCall(ctx, "Worker.Stats", struct{}{}, &vals); err != nil {
			return nil, err
		}
		total.Add(vals)
	}
	return total, nil
}
