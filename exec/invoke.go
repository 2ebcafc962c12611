// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/bigstep"
)

// invoke runs the module once for the provided input, converting
// panics into fatal errors.
func invoke(ctx context.Context, m *bigstep.Module, in bigstep.Input) (art bigstep.Artifact, err error) {
	defer func() {
		if e := recover(); e != nil {
			stack := debug.Stack()
			err = fmt.Errorf("panic while running module %s: %v\n%s", m.Type, e, string(stack))
			err = errors.E(err, errors.Fatal)
		}
	}()
	return m.Run(ctx, in)
}

// runModule runs a job's module with the provided configuration and
// dependency artifacts. Array jobs run one invocation per index, at
// most parallel at a time, and produce an artifact whose parts are the
// per-index artifacts in index order. An array job fails if any of its
// tasks fails.
func runModule(ctx context.Context, m *bigstep.Module, config bigstep.Config, deps []bigstep.Artifact, reqs bigstep.Requirements, parallel int) (bigstep.Artifact, error) {
	if reqs.ArraySize <= 0 {
		return invoke(ctx, m, bigstep.Input{Config: config, Deps: deps})
	}
	if parallel < 1 {
		parallel = 1
	}
	parts := make([]bigstep.Artifact, reqs.ArraySize)
	err := traverse.Limit(parallel).Each(reqs.ArraySize, func(i int) error {
		art, err := invoke(ctx, m, bigstep.Input{
			Config:    config,
			Deps:      deps,
			Index:     i,
			ArraySize: reqs.ArraySize,
		})
		if err != nil {
			return errors.E(fmt.Sprintf("array task %d", i), err)
		}
		parts[i] = art
		return nil
	})
	if err != nil {
		return bigstep.Artifact{}, err
	}
	return bigstep.Artifact{Parts: parts}, nil
}

// classify maps the outcome of a module run to a terminal job status.
// jobCtx is the job's context, which is cancelled when the job is
// cancelled; runCtx additionally carries the job's timeout.
func classify(jobCtx, runCtx context.Context, art bigstep.Artifact, err error) JobStatus {
	switch {
	case err == nil:
		return JobStatus{State: JobSucceeded, Artifact: art}
	case jobCtx.Err() != nil:
		return JobStatus{State: JobCancelled, Err: err}
	case runCtx.Err() == context.DeadlineExceeded:
		return JobStatus{State: JobTimedOut, Err: errors.E(errors.Timeout, err)}
	case errors.IsTemporary(err):
		return JobStatus{State: JobPreempted, Err: err}
	default:
		return JobStatus{State: JobFailed, Err: err}
	}
}
