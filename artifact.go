// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigstep

import (
	"encoding/json"
	"fmt"
	"strings"
)

// An Artifact is the output of a single module run. Small results are
// carried inline in Value; large results are persisted by the module
// and named by Ref, typically a file or S3 URL. Array jobs produce one
// artifact per task, in Parts.
type Artifact struct {
	Ref   string          `json:"ref,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Parts []Artifact      `json:"parts,omitempty"`
}

// Ref returns an artifact referring to persisted data at the provided
// location.
func Ref(location string) Artifact {
	return Artifact{Ref: location}
}

// Value returns an artifact carrying the JSON encoding of v.
func Value(v interface{}) (Artifact, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Value: b}, nil
}

// Decode decodes the artifact's inline value into v.
func (a Artifact) Decode(v interface{}) error {
	if len(a.Value) == 0 {
		return fmt.Errorf("artifact has no inline value")
	}
	return json.Unmarshal(a.Value, v)
}

// IsZero tells whether the artifact is empty.
func (a Artifact) IsZero() bool {
	return a.Ref == "" && len(a.Value) == 0 && len(a.Parts) == 0
}

// String returns a short description of the artifact.
func (a Artifact) String() string {
	switch {
	case len(a.Parts) > 0:
		return fmt.Sprintf("array[%d]", len(a.Parts))
	case a.Ref != "":
		return a.Ref
	case len(a.Value) > 0:
		s := strings.TrimSpace(string(a.Value))
		if len(s) > 40 {
			s = s[:37] + "..."
		}
		return s
	default:
		return "<empty>"
	}
}
