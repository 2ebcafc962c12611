// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"bytes"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
	"gopkg.in/yaml.v3"
)

type yamlDefinition struct {
	Name  string     `yaml:"name"`
	Steps []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name         string                 `yaml:"name"`
	Type         string                 `yaml:"type"`
	Config       map[string]interface{} `yaml:"config"`
	Deps         []string               `yaml:"deps"`
	Backend      string                 `yaml:"backend"`
	Retriable    *bool                  `yaml:"retriable"`
	Requirements *requirements          `yaml:"requirements"`
}

// ParseYAML parses a YAML pipeline definition. Unknown fields are
// rejected.
func ParseYAML(data []byte) (*Definition, error) {
	var y yamlDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&y); err != nil {
		if err == io.EOF {
			return nil, errors.E(errors.Invalid, "definition is empty")
		}
		return nil, errors.E(errors.Invalid, "decode yaml", err)
	}
	def := &Definition{Name: y.Name, Steps: make([]bigstep.Step, len(y.Steps))}
	for i, s := range y.Steps {
		reqs, err := s.Requirements.requirements(s.Name)
		if err != nil {
			return nil, err
		}
		def.Steps[i] = bigstep.Step{
			Name:         s.Name,
			Type:         s.Type,
			Config:       s.Config,
			Deps:         s.Deps,
			Requirements: reqs,
			Backend:      s.Backend,
			Retriable:    s.Retriable,
		}
	}
	if err := checkSteps(def.Steps); err != nil {
		return nil, err
	}
	return def, nil
}
