// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"fmt"
)

// A Spec is an immutable description of a single step: a registered
// module, its normalized configuration, and the specs it depends on.
// A Spec's fingerprint is computed when it is constructed.
type Spec struct {
	module    *Module
	config    Config
	deps      []*Spec
	reqs      Requirements
	backend   string
	retriable bool
	fp        Fingerprint
}

// A SpecOption customizes a Spec's execution parameters. None of
// them affect the spec's fingerprint, except for the array size.
type SpecOption func(*Spec)

// WithRequirements overrides the module's default requirements.
// Nonzero fields of r replace the corresponding defaults.
func WithRequirements(r Requirements) SpecOption {
	return func(s *Spec) {
		s.reqs = s.reqs.Merge(r)
	}
}

// WithBackend selects the executor that runs the spec's jobs. Specs
// without a backend run on the session's default backend.
func WithBackend(name string) SpecOption {
	return func(s *Spec) {
		s.backend = name
	}
}

// WithRetriable overrides the module's retriable flag.
func WithRetriable(retriable bool) SpecOption {
	return func(s *Spec) {
		s.retriable = retriable
	}
}

// NewSpec returns a new spec for the module registered under typ,
// with the provided configuration and dependencies. The configuration
// is normalized and validated; failures are returned as *ConfigError.
func NewSpec(typ string, config interface{}, deps []*Spec, opts ...SpecOption) (*Spec, error) {
	m, ok := Lookup(typ)
	if !ok {
		return nil, &ConfigError{Type: typ, Err: fmt.Errorf("module type %q is not registered", typ)}
	}
	norm, err := NormalizeConfig(config)
	if err != nil {
		if e, ok := err.(*ConfigError); ok {
			e.Type = typ
		}
		return nil, err
	}
	if m.Validate != nil {
		if err := m.Validate(norm); err != nil {
			if e, ok := err.(*ConfigError); ok {
				e.Type = typ
				return nil, e
			}
			return nil, &ConfigError{Type: typ, Err: err}
		}
	}
	s := &Spec{
		module:    m,
		config:    norm,
		deps:      append([]*Spec(nil), deps...),
		reqs:      m.Requirements,
		retriable: m.Retriable,
	}
	for _, opt := range opts {
		opt(s)
	}
	depfps := make([]Fingerprint, len(s.deps))
	for i, dep := range s.deps {
		if dep == nil {
			return nil, &GraphError{Kind: ErrInvalid, Msg: fmt.Sprintf("module %s: dependency %d is nil", typ, i)}
		}
		depfps[i] = dep.fp
	}
	s.fp = fingerprint(m.Type, m.Version, s.config, s.reqs.ArraySize, depfps)
	return s, nil
}

// Module returns the spec's module.
func (s *Spec) Module() *Module { return s.module }

// Type returns the spec's module type.
func (s *Spec) Type() string { return s.module.Type }

// Config returns the spec's normalized configuration. It must not be
// modified.
func (s *Spec) Config() Config { return s.config }

// Deps returns the spec's dependencies in declared order.
func (s *Spec) Deps() []*Spec { return s.deps }

// Requirements returns the spec's resource requirements.
func (s *Spec) Requirements() Requirements { return s.reqs }

// Backend returns the name of the spec's backend, or "" for the
// session default.
func (s *Spec) Backend() string { return s.backend }

// Retriable tells whether the spec's jobs may be rerun after a
// module failure.
func (s *Spec) Retriable() bool { return s.retriable }

// Fingerprint returns the spec's fingerprint.
func (s *Spec) Fingerprint() Fingerprint { return s.fp }

// String returns a short description of the spec.
func (s *Spec) String() string {
	return fmt.Sprintf("%s(%s)", s.module.Type, s.fp.Short())
}

// Merge returns r with the nonzero fields of o applied.
func (r Requirements) Merge(o Requirements) Requirements {
	if o.CPU != 0 {
		r.CPU = o.CPU
	}
	if o.GPU != 0 {
		r.GPU = o.GPU
	}
	if o.Memory != 0 {
		r.Memory = o.Memory
	}
	if o.Timeout != 0 {
		r.Timeout = o.Timeout
	}
	if o.ArraySize != 0 {
		r.ArraySize = o.ArraySize
	}
	if o.Nodes != 0 {
		r.Nodes = o.Nodes
	}
	return r
}
