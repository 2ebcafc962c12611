// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pipeline loads pipeline definitions from YAML and HCL files.
// A definition names a pipeline and lists its steps; each step names a
// registered module type, its configuration, the steps it depends on,
// and optionally its resource requirements, backend and retry policy.
//
// A YAML definition looks like this:
//
//	name: example
//	steps:
//	  - name: greeting
//	    type: value
//	    config:
//	      value: hello
//	  - name: shout
//	    type: shell
//	    deps: [greeting]
//	    config:
//	      command: tr a-z A-Z < $DEP0
//	    requirements:
//	      cpu: 2
//	      timeout: 30m
//
// The same definition in HCL:
//
//	name = "example"
//
//	step "value" "greeting" {
//	  config = { value = "hello" }
//	}
//
//	step "shell" "shout" {
//	  deps   = ["greeting"]
//	  config = { command = "tr a-z A-Z < $DEP0" }
//	  requirements {
//	    cpu     = 2
//	    timeout = "30m"
//	  }
//	}
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/bigstep"
)

// A Definition is a parsed pipeline definition.
type Definition struct {
	// Name is the pipeline's name. It is informational.
	Name string
	// Path is the location from which the definition was loaded, if
	// any.
	Path string
	// Steps are the pipeline's steps in declaration order.
	Steps []bigstep.Step
}

// Graph builds the pipeline graph of the definition.
func (d *Definition) Graph() (*bigstep.Graph, error) {
	return bigstep.NewGraph(d.Steps)
}

// Load reads and parses the definition at path, which may be a local
// path or any URL supported by grailbio/base/file. The format is
// chosen by the file's extension: .yaml and .yml for YAML, .hcl for
// HCL.
func Load(ctx context.Context, path string) (*Definition, error) {
	var parse func(string, []byte) (*Definition, error)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parse = func(_ string, b []byte) (*Definition, error) { return ParseYAML(b) }
	case ".hcl":
		parse = ParseHCL
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("pipeline %s: unrecognized file extension", path))
	}
	b, err := readFile(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("pipeline %s", path), err)
	}
	def, err := parse(path, b)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("pipeline %s", path), err)
	}
	def.Path = path
	return def, nil
}

func readFile(ctx context.Context, path string) (b []byte, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.NotExist, err)
		}
		return nil, err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	b, err = ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errors.E(errors.Invalid, "definition is empty")
	}
	return b, nil
}

// requirements is the file representation of bigstep.Requirements.
// Durations are written as Go duration strings.
type requirements struct {
	CPU       int    `yaml:"cpu" hcl:"cpu,optional"`
	GPU       int    `yaml:"gpu" hcl:"gpu,optional"`
	Memory    int64  `yaml:"memory" hcl:"memory,optional"`
	Timeout   string `yaml:"timeout" hcl:"timeout,optional"`
	ArraySize int    `yaml:"array_size" hcl:"array_size,optional"`
	Nodes     int    `yaml:"nodes" hcl:"nodes,optional"`
}

func (r *requirements) requirements(step string) (bigstep.Requirements, error) {
	if r == nil {
		return bigstep.Requirements{}, nil
	}
	reqs := bigstep.Requirements{
		CPU:       r.CPU,
		GPU:       r.GPU,
		Memory:    r.Memory,
		ArraySize: r.ArraySize,
		Nodes:     r.Nodes,
	}
	if r.CPU < 0 || r.GPU < 0 || r.Memory < 0 || r.ArraySize < 0 || r.Nodes < 0 {
		return reqs, errors.E(errors.Invalid, fmt.Sprintf("step %s: negative requirement", step))
	}
	if r.Timeout != "" {
		d, err := time.ParseDuration(r.Timeout)
		if err != nil {
			return reqs, errors.E(errors.Invalid, fmt.Sprintf("step %s: timeout", step), err)
		}
		if d < 0 {
			return reqs, errors.E(errors.Invalid, fmt.Sprintf("step %s: negative timeout %s", step, d))
		}
		reqs.Timeout = d
	}
	return reqs, nil
}

// checkSteps performs the checks common to all formats. Graph
// construction validates the rest.
func checkSteps(steps []bigstep.Step) error {
	if len(steps) == 0 {
		return errors.E(errors.Invalid, "pipeline has no steps")
	}
	for i, step := range steps {
		if step.Name == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("step %d has no name", i))
		}
		if step.Type == "" {
			return errors.E(errors.Invalid, fmt.Sprintf("step %s has no type", step.Name))
		}
	}
	return nil
}
