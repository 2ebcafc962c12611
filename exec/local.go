// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/limiter"
	"github.com/grailbio/base/log"
)

// localExecutor is an executor that runs jobs in-process in separate
// goroutines. Jobs are admitted according to the processors they
// request, up to the session's parallelism.
type localExecutor struct {
	*jobTable
	limiter *limiter.Limiter
	sess    *Session
}

func newLocalExecutor() *localExecutor {
	return &localExecutor{
		jobTable: newJobTable("local"),
		limiter:  limiter.New(),
	}
}

func (*localExecutor) Name() string { return "local" }

func (l *localExecutor) Start(sess *Session) (shutdown func()) {
	l.sess = sess
	l.limiter.Release(sess.p)
	return l.cancelAll
}

func (l *localExecutor) Submit(ctx context.Context, job *Job) error {
	if l.sess == nil {
		return errors.E(errors.Unavailable, "exec.Local: executor not started")
	}
	jobCtx := l.add(job)
	log.Debug.Printf("local: submitted %s (%s) %s", job.ID, job.Name, job.Requirements)
	go l.run(jobCtx, job)
	return nil
}

func (l *localExecutor) run(ctx context.Context, job *Job) {
	n := procs(job.Requirements, l.sess.p)
	if err := l.limiter.Acquire(ctx, n); err != nil {
		// The only errors we should encounter here are context errors,
		// in which case the job was cancelled before it started.
		if err != context.Canceled && err != context.DeadlineExceeded {
			log.Panicf("exec.Local: unexpected error: %v", err)
		}
		return
	}
	defer l.limiter.Release(n)
	if !l.running(job.ID) {
		return
	}
	runCtx := ctx
	if timeout := job.Requirements.Timeout; timeout > 0 {
		var cancel func()
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	parallel := l.sess.p / job.Requirements.Procs()
	art, err := runModule(runCtx, job.Spec.Module(), job.Spec.Config(), job.Deps, job.Requirements, parallel)
	status := classify(ctx, runCtx, art, err)
	if status.Err != nil {
		log.Debug.Printf("local: job %s (%s) %s: %v", job.ID, job.Name, status.State, status.Err)
	}
	l.finish(job.ID, status)
}

func (l *localExecutor) Poll(ctx context.Context, job *Job) (JobStatus, error) {
	return l.poll(job.ID)
}

func (l *localExecutor) Cancel(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return errors.E(errors.Invalid, fmt.Sprintf("cancel %s: job was never submitted", job.Name))
	}
	return l.cancel(job.ID)
}
