// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
)

// A ConfigError is returned when a module's configuration cannot be
// normalized or fails the module's validation. ConfigErrors are
// always reported before any work is submitted.
type ConfigError struct {
	// Step names the pipeline step whose configuration is invalid,
	// if known.
	Step string
	// Type is the module type whose configuration is invalid.
	Type string
	// Path locates the offending value inside the configuration,
	// for example "inputs[2].path". It is empty when the error
	// concerns the configuration as a whole.
	Path string
	// Err is the underlying cause.
	Err error
}

func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("config error")
	if e.Step != "" {
		fmt.Fprintf(&b, " in step %s", e.Step)
	}
	if e.Type != "" {
		fmt.Fprintf(&b, " in module %s", e.Type)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " at %s", e.Path)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigError) Unwrap() error { return e.Err }

// GraphErrorKind classifies graph construction failures.
type GraphErrorKind string

const (
	// ErrInvalid indicates a malformed node declaration, such as an
	// empty name.
	ErrInvalid GraphErrorKind = "invalid_graph"
	// ErrDuplicate indicates that two nodes share a name.
	ErrDuplicate GraphErrorKind = "duplicate_node"
	// ErrMissingDep indicates a dependency on an undeclared node.
	ErrMissingDep GraphErrorKind = "missing_dependency"
	// ErrCycle indicates a dependency cycle.
	ErrCycle GraphErrorKind = "cycle"
)

// A GraphError is returned when a pipeline graph cannot be
// constructed. GraphErrors are always reported before any work is
// submitted.
type GraphError struct {
	Kind GraphErrorKind
	Msg  string
	// Cycle holds the node names along a detected cycle, starting
	// and ending with the same node. It is set only for ErrCycle.
	Cycle []string
}

func (e *GraphError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// IsGraphError tells whether err, or any error in its chain, is a
// GraphError of the given kind. An empty kind matches any GraphError.
func IsGraphError(err error, kind GraphErrorKind) bool {
	var match bool
	errors.Visit(err, func(err error) {
		if e, ok := err.(*GraphError); ok && (kind == "" || e.Kind == kind) {
			match = true
		}
	})
	return match
}

func cycleError(path []string) *GraphError {
	return &GraphError{
		Kind:  ErrCycle,
		Msg:   strings.Join(path, " -> "),
		Cycle: path,
	}
}
