// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint implements durable records of pipeline run
// progress. A run's checkpoint holds, for each fingerprint the run has
// touched, a snapshot of its state: in progress (with the job and
// reservation owner that hold it), complete, or failed. Checkpoints
// are used only to reconstruct orchestration state after a restart;
// they never influence fingerprints.
package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/cache"
)

// A Record is the checkpointed state of a single fingerprint within
// a run.
type Record struct {
	Fingerprint bigstep.Fingerprint `json:"fingerprint"`
	// Name is the name of the step with this fingerprint.
	Name   string       `json:"name"`
	Status cache.Status `json:"status"`
	// Owner is the cache reservation owner of an in-progress record.
	Owner string `json:"owner,omitempty"`
	// Backend and JobID identify the job of an in-progress record.
	Backend string `json:"backend,omitempty"`
	JobID   string `json:"job_id,omitempty"`
	// Attempt is the number of times the step has been submitted.
	Attempt  int              `json:"attempt"`
	Artifact bigstep.Artifact `json:"artifact"`
	Error    string           `json:"error,omitempty"`
	Updated  time.Time        `json:"updated"`
}

// Validate checks the record's internal consistency.
func (r Record) Validate() error {
	var problems []string
	if r.Fingerprint.IsZero() {
		problems = append(problems, "missing fingerprint")
	}
	if r.Name == "" {
		problems = append(problems, "missing name")
	}
	switch r.Status {
	case cache.InProgress:
		if r.Owner == "" {
			problems = append(problems, "in-progress record has no owner")
		}
	case cache.Complete, cache.Failed:
	default:
		problems = append(problems, fmt.Sprintf("invalid status %d", r.Status))
	}
	if r.Attempt < 0 {
		problems = append(problems, "negative attempt")
	}
	if len(problems) > 0 {
		return fmt.Errorf("checkpoint record %s: %s", r.Name, strings.Join(problems, "; "))
	}
	return nil
}

// A Run describes a single pipeline run.
type Run struct {
	ID string `json:"id"`
	// Graph is the hash of the run's pipeline graph. A run may only
	// be resumed with the same graph.
	Graph bigstep.Fingerprint `json:"graph"`
	// Launches counts the number of times the run has been started
	// or resumed.
	Launches int       `json:"launches"`
	Started  time.Time `json:"started"`
	Updated  time.Time `json:"updated"`
	// Finished is set when every step of the run reached a terminal
	// state.
	Finished bool `json:"finished"`
}

// Validate checks the run's internal consistency.
func (r Run) Validate() error {
	var problems []string
	if r.ID == "" {
		problems = append(problems, "missing id")
	} else if strings.ContainsAny(r.ID, "/\\") {
		problems = append(problems, "id contains a path separator")
	}
	if r.Graph.IsZero() {
		problems = append(problems, "missing graph hash")
	}
	if r.Launches < 1 {
		problems = append(problems, "run was never launched")
	}
	if len(problems) > 0 {
		return fmt.Errorf("checkpoint run %q: %s", r.ID, strings.Join(problems, "; "))
	}
	return nil
}

// Store persists run checkpoints. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveRun persists the run description.
	SaveRun(ctx context.Context, run Run) error
	// LoadRun loads a run description. An error of kind
	// errors.NotExist is returned if the run has not been saved.
	LoadRun(ctx context.Context, id string) (Run, error)
	// Save persists a record for the provided run, replacing any
	// earlier record for the same fingerprint. The record is durable
	// when Save returns.
	Save(ctx context.Context, runID string, rec Record) error
	// Load returns all records of the provided run, keyed by
	// fingerprint. Load returns an empty map for unknown runs.
	Load(ctx context.Context, runID string) (map[bigstep.Fingerprint]Record, error)
}
