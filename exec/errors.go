// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import "fmt"

// TransientJobError is the failure of a step whose jobs were
// repeatedly preempted, timed out, or lost, until the retry budget
// was exhausted.
type TransientJobError struct {
	// Step is the name of the failed step.
	Step string
	// State is the state of the step's last job.
	State JobState
	// Attempts is the number of jobs submitted for the step.
	Attempts int
	// Err is the error of the last job.
	Err error
}

func (e *TransientJobError) Error() string {
	return fmt.Sprintf("step %s: %s after %d attempts: %v", e.Step, e.State, e.Attempts, e.Err)
}

func (e *TransientJobError) Unwrap() error { return e.Err }

// ModuleExecutionError is the failure of a step whose module
// reported an error.
type ModuleExecutionError struct {
	Step string
	// Type is the step's module type.
	Type string
	// JobID identifies the failed job.
	JobID    string
	Attempts int
	Err      error
}

func (e *ModuleExecutionError) Error() string {
	return fmt.Sprintf("step %s: module %s failed in job %s: %v", e.Step, e.Type, e.JobID, e.Err)
}

func (e *ModuleExecutionError) Unwrap() error { return e.Err }
