// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

func TestReport(t *testing.T) {
	failure := errors.E("boom")
	r := &Report{
		RunID: "test",
		Nodes: []NodeReport{
			{Name: "a", Outcome: Cached, Artifact: bigstep.Ref("file://a")},
			{Name: "b", Outcome: Succeeded, Attempts: 2, JobID: "local-1"},
			{Name: "c", Outcome: Failed, Attempts: 1, Err: failure},
			{Name: "d", Outcome: Skipped, Err: errors.E("step d skipped: dependency c failed")},
			{Name: "e", Outcome: Failed, Err: errors.E("later")},
		},
		Submissions: 3,
	}
	for _, c := range []struct {
		got, want []string
	}{
		{r.Succeeded(), []string{"b"}},
		{r.Cached(), []string{"a"}},
		{r.Failed(), []string{"c", "e"}},
		{r.Skipped(), []string{"d"}},
	} {
		if diff := cmp.Diff(c.want, c.got); diff != "" {
			t.Errorf("names (-want +got):\n%s", diff)
		}
	}
	if got, want := r.Err(), failure; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if n, ok := r.Node("b"); !ok || n.JobID != "local-1" {
		t.Errorf("got %v, %v", n, ok)
	}
	if _, ok := r.Node("z"); ok {
		t.Error("unexpected node z")
	}
	s := r.String()
	for _, want := range []string{"run test: 3 submissions", "file://a", "skipped", "local-1"} {
		if !strings.Contains(s, want) {
			t.Errorf("report %q does not contain %q", s, want)
		}
	}
	if got, want := Outcome(42).String(), "Outcome(42)"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
