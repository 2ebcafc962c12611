// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

var testEcho = bigstep.Register(bigstep.Module{
	Type: "pipeline_test.echo",
	Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
		return bigstep.Value(in.Config["value"])
	},
})

func TestLoadFormats(t *testing.T) {
	retriable := true
	want := []bigstep.Step{
		{
			Name:   "greeting",
			Type:   testEcho.Type,
			Config: map[string]interface{}{"value": "hello", "repeat": 2},
		},
		{
			Name:      "shout",
			Type:      testEcho.Type,
			Deps:      []string{"greeting"},
			Backend:   "local",
			Retriable: &retriable,
			Config:    map[string]interface{}{"value": "HELLO", "tags": []interface{}{"a", "b"}},
			Requirements: bigstep.Requirements{
				CPU:       2,
				Memory:    1 << 30,
				Timeout:   30 * time.Minute,
				ArraySize: 3,
			},
		},
	}
	ctx := context.Background()
	var fingerprints []bigstep.Fingerprint
	for _, path := range []string{"testdata/example.yaml", "testdata/example.hcl"} {
		def, err := Load(ctx, path)
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		if got, want := def.Name, "example"; got != want {
			t.Errorf("%s: got %v, want %v", path, got, want)
		}
		if got, want := len(def.Steps), len(want); got != want {
			t.Fatalf("%s: got %v, want %v", path, got, want)
		}
		for i := range want {
			got := def.Steps[i]
			// Configurations are compared after normalization, since
			// the formats decode numbers differently.
			gotConfig, err := bigstep.NormalizeConfig(got.Config)
			assert.NoError(t, err)
			wantConfig, err := bigstep.NormalizeConfig(want[i].Config)
			assert.NoError(t, err)
			if diff := cmp.Diff(wantConfig, gotConfig); diff != "" {
				t.Errorf("%s: config (-want +got):\n%s", path, diff)
			}
			got.Config, want[i].Config = nil, nil
			if diff := cmp.Diff(want[i], got); diff != "" {
				t.Errorf("%s: step (-want +got):\n%s", path, diff)
			}
			want[i].Config = wantConfig
		}
		g, err := def.Graph()
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		fingerprints = append(fingerprints, g.Node("shout").Fingerprint())
	}
	// Both formats describe the same pipeline.
	if got, want := fingerprints[1], fingerprints[0]; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "pipeline")
	defer cleanup()
	for _, c := range []struct {
		name, content, msg string
	}{
		{"empty.yaml", "  \n", "empty"},
		{"nosteps.yaml", "name: x\n", "no steps"},
		{"unknown.yaml", "steps:\n  - name: a\n    type: t\n    colour: red\n", "colour"},
		{"notype.yaml", "steps:\n  - name: a\n", "no type"},
		{"timeout.yaml", "steps:\n  - name: a\n    type: t\n    requirements: {timeout: soon}\n", "timeout"},
		{"negative.yaml", "steps:\n  - name: a\n    type: t\n    requirements: {cpu: -1}\n", "negative"},
		{"syntax.hcl", "step \"t\" {\n", "parse hcl"},
		{"label.hcl", "step \"t\" {}\n", "decode hcl"},
		{"config.hcl", "step \"t\" \"a\" {\n  config = \"scalar\"\n}\n", "must be an object"},
		{"vars.hcl", "step \"t\" \"a\" {\n  config = { x = var.y }\n}\n", "config"},
		{"pipeline.json", "{}", "extension"},
	} {
		path := filepath.Join(dir, c.name)
		assert.NoError(t, ioutil.WriteFile(path, []byte(c.content), 0644))
		_, err := Load(context.Background(), path)
		if err == nil {
			t.Errorf("%s: expected error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.msg) {
			t.Errorf("%s: error %q does not mention %q", c.name, err, c.msg)
		}
	}
	_, err := Load(context.Background(), filepath.Join(dir, "missing.yaml"))
	if !errors.Is(errors.NotExist, err) {
		t.Errorf("got %v, want NotExist", err)
	}
}

func TestCtyNumbers(t *testing.T) {
	def, err := ParseHCL("numbers.hcl", []byte(`
step "t" "a" {
  config = {
    int   = 3
    float = 1.5
    big   = 1e3
    list  = [1, 2.5]
    empty = null
  }
}
`))
	assert.NoError(t, err)
	want := map[string]interface{}{
		"int":   int64(3),
		"float": 1.5,
		"big":   int64(1000),
		"list":  []interface{}{int64(1), 2.5},
		"empty": nil,
	}
	if diff := cmp.Diff(want, def.Steps[0].Config); diff != "" {
		t.Errorf("config (-want +got):\n%s", diff)
	}
}
