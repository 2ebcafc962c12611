// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"bytes"
	"fmt"
	"text/tabwriter"

	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/stats"
)

// Outcome is the final disposition of a step in a run.
type Outcome int

const (
	// Incomplete is the outcome of steps that had not finished when
	// the run was interrupted.
	Incomplete Outcome = iota
	// Succeeded steps were computed by a job in this run.
	Succeeded
	// Cached steps were satisfied from the result cache, possibly
	// after waiting for another run to compute them.
	Cached
	// Failed steps exhausted their retries or failed in their module.
	Failed
	// Skipped steps were not attempted because a dependency failed.
	Skipped
)

var outcomes = [...]string{
	Incomplete: "incomplete",
	Succeeded:  "succeeded",
	Cached:     "cached",
	Failed:     "failed",
	Skipped:    "skipped",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomes) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomes[o]
}

// A NodeReport describes the outcome of a single step.
type NodeReport struct {
	Name        string
	Fingerprint bigstep.Fingerprint
	Outcome     Outcome
	// Attempts is the number of jobs submitted for the step in this
	// run, including jobs adopted from an earlier launch.
	Attempts int
	// JobID identifies the step's last job, if any.
	JobID string
	// Artifact is the step's result for succeeded and cached steps.
	Artifact bigstep.Artifact
	// Err is the step's failure, for failed and skipped steps.
	Err error
}

// A Report describes the outcome of a run. Nodes are listed in the
// graph's topological order.
type Report struct {
	RunID string
	Nodes []NodeReport
	// Submissions is the total number of jobs submitted by the run.
	Submissions int
	// Stats holds the run's counters.
	Stats stats.Values
}

// Node returns the report of the named step.
func (r *Report) Node(name string) (NodeReport, bool) {
	for _, n := range r.Nodes {
		if n.Name == name {
			return n, true
		}
	}
	return NodeReport{}, false
}

func (r *Report) names(outcome Outcome) []string {
	var names []string
	for _, n := range r.Nodes {
		if n.Outcome == outcome {
			names = append(names, n.Name)
		}
	}
	return names
}

// Succeeded returns the names of the steps computed in this run.
func (r *Report) Succeeded() []string { return r.names(Succeeded) }

// Cached returns the names of the steps satisfied from the cache.
func (r *Report) Cached() []string { return r.names(Cached) }

// Failed returns the names of the failed steps.
func (r *Report) Failed() []string { return r.names(Failed) }

// Skipped returns the names of the steps skipped because of a failed
// dependency.
func (r *Report) Skipped() []string { return r.names(Skipped) }

// Err returns the error of the first failed step in topological
// order, or nil if no step failed.
func (r *Report) Err() error {
	for _, n := range r.Nodes {
		if n.Outcome == Failed {
			return n.Err
		}
	}
	return nil
}

// String renders the report as a table.
func (r *Report) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "run %s: %d submissions\n", r.RunID, r.Submissions)
	tw := tabwriter.NewWriter(&b, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "step\tfingerprint\toutcome\tattempts\tjob\tresult")
	for _, n := range r.Nodes {
		result := n.Artifact.String()
		if n.Err != nil {
			result = n.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			n.Name, n.Fingerprint.Short(), n.Outcome, n.Attempts, n.JobID, result)
	}
	tw.Flush()
	return b.String()
}
