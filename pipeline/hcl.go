// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pipeline

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

type hclDefinition struct {
	Name  string     `hcl:"name,optional"`
	Steps []*hclStep `hcl:"step,block"`
}

type hclStep struct {
	Type         string         `hcl:"type,label"`
	Name         string         `hcl:"name,label"`
	Config       hcl.Expression `hcl:"config,optional"`
	Deps         []string       `hcl:"deps,optional"`
	Backend      string         `hcl:"backend,optional"`
	Retriable    *bool          `hcl:"retriable,optional"`
	Requirements *requirements  `hcl:"requirements,block"`
}

// ParseHCL parses an HCL pipeline definition. The filename is used in
// diagnostics only.
func ParseHCL(filename string, data []byte) (*Definition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("parse hcl: %s", diags.Error()))
	}
	var h hclDefinition
	if diags := gohcl.DecodeBody(f.Body, nil, &h); diags.HasErrors() {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("decode hcl: %s", diags.Error()))
	}
	def := &Definition{Name: h.Name, Steps: make([]bigstep.Step, len(h.Steps))}
	for i, s := range h.Steps {
		reqs, err := s.Requirements.requirements(s.Name)
		if err != nil {
			return nil, err
		}
		// Config expressions are evaluated without variables or
		// functions: they must be literals.
		val, diags := s.Config.Value(nil)
		if diags.HasErrors() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("step %s: config: %s", s.Name, diags.Error()))
		}
		config, err := ctyToNative(val)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("step %s: config", s.Name), err)
		}
		if _, ok := config.(map[string]interface{}); !ok && config != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("step %s: config must be an object", s.Name))
		}
		def.Steps[i] = bigstep.Step{
			Name:         s.Name,
			Type:         s.Type,
			Config:       config,
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

// ctyToNative converts v to the plain Go values accepted as step
// configuration. Integral numbers become int64.
func ctyToNative(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known")
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty == cty.Number:
		bf := v.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == 0 {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		list := make([]interface{}, 0, v.LengthInt())
		for it := v.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			x, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			list = append(list, x)
		}
		return list, nil
	case ty.IsMapType() || ty.IsObjectType():
		m := make(map[string]interface{})
		for it := v.ElementIterator(); it.Next(); {
			key, elem := it.Element()
			x, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %v", key.AsString(), err)
			}
			m[key.AsString()] = x
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
	}
}
