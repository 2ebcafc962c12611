// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grailbio/base/data"
	"github.com/grailbio/base/log"
)

// Requirements describes the resources requested by a job. Requirements
// are passed to the executor at submission time and are not part of a
// module's fingerprint: the same step run with more memory produces the
// same result. ArraySize is the exception, as it changes the module's
// inputs and the shape of its artifact.
type Requirements struct {
	// CPU and GPU are the number of processors requested per task.
	CPU, GPU int
	// Memory is the amount of memory requested per task, in bytes.
	Memory int64
	// Timeout bounds the runtime of a single attempt. A zero Timeout
	// means no limit.
	Timeout time.Duration
	// ArraySize, if positive, makes the job an array job: the module
	// is run once for each index in [0, ArraySize).
	ArraySize int
	// Nodes is the number of cluster nodes requested. Executors that
	// cannot place multi-node jobs treat it as advisory.
	Nodes int
}

// String returns a compact description of r.
func (r Requirements) String() string {
	parts := []string{fmt.Sprintf("cpu=%d", r.CPU)}
	if r.GPU > 0 {
		parts = append(parts, fmt.Sprintf("gpu=%d", r.GPU))
	}
	if r.Memory > 0 {
		parts = append(parts, "mem="+data.Size(r.Memory).String())
	}
	if r.Timeout > 0 {
		parts = append(parts, "timeout="+r.Timeout.String())
	}
	if r.ArraySize > 0 {
		parts = append(parts, fmt.Sprintf("array=%d", r.ArraySize))
	}
	if r.Nodes > 1 {
		parts = append(parts, fmt.Sprintf("nodes=%d", r.Nodes))
	}
	return strings.Join(parts, " ")
}

// Procs returns the number of processors a single task of r occupies.
func (r Requirements) Procs() int {
	if r.CPU < 1 {
		return 1
	}
	return r.CPU
}

// Input is the input to a single module invocation.
type Input struct {
	// Config is the module's normalized configuration.
	Config Config
	// Deps holds the artifacts produced by the module's dependencies,
	// in declared order.
	Deps []Artifact
	// Index is the task index for array jobs; ArraySize is the total
	// number of tasks. Both are zero for plain jobs.
	Index, ArraySize int
}

// A RunFunc performs a module's work. It must be deterministic in its
// input: the same Input must produce an equivalent Artifact.
type RunFunc func(ctx context.Context, in Input) (Artifact, error)

// A Module is a registered unit of work.
type Module struct {
	// Type is the module's type identity. It is part of the
	// fingerprint of every step using the module.
	Type string
	// Version is mixed into fingerprints; bumping it invalidates
	// cached results produced by earlier implementations.
	Version int
	// Run performs the module's work.
	Run RunFunc
	// Requirements are the default resource requirements of the
	// module's jobs. Steps may override them.
	Requirements Requirements
	// Retriable declares that the module is idempotent and may be
	// rerun after a failure of its own logic.
	Retriable bool
	// Validate, if non-nil, checks a normalized configuration.
	// Validation errors are reported as ConfigErrors at graph
	// construction.
	Validate func(Config) error
}

var (
	modulesMu sync.Mutex
	modules   = make(map[string]*Module)
)

// Register registers the provided module under its type name.
// Register should be called from package initialization so that every
// process running the binary, including cluster workers, sees the same
// set of modules. Register panics if the module is malformed or if a
// module with the same type is already registered.
func Register(m Module) *Module {
	if m.Type == "" {
		log.Panicf("bigstep.Register: module has no type")
	}
	if m.Run == nil {
		log.Panicf("bigstep.Register: module %s has no run function", m.Type)
	}
	modulesMu.Lock()
	defer modulesMu.Unlock()
	if _, ok := modules[m.Type]; ok {
		log.Panicf("bigstep.Register: module %s registered twice", m.Type)
	}
	mp := new(Module)
	*mp = m
	modules[m.Type] = mp
	return mp
}

// Lookup returns the module registered under the provided type.
func Lookup(typ string) (*Module, bool) {
	modulesMu.Lock()
	m, ok := modules[typ]
	modulesMu.Unlock()
	return m, ok
}

// ModuleTypes returns the sorted type names of all registered modules.
func ModuleTypes() []string {
	modulesMu.Lock()
	types := make([]string, 0, len(modules))
	for typ := range modules {
		types = append(types, typ)
	}
	modulesMu.Unlock()
	sort.Strings(types)
	return types
}
