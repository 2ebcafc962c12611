// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package modules provides the generic modules built into bigstep:
// "value", which produces a constant artifact, and "shell", which runs
// a shell command. Importing the package registers both modules.
package modules

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigstep"
)

// ValueConfig configures the value module. Exactly one of Value and
// Ref must be set.
type ValueConfig struct {
	// Value is carried inline in the artifact.
	Value interface{} `json:"value,omitempty"`
	// Ref names persisted data.
	Ref string `json:"ref,omitempty"`
}

// Value produces the artifact described by its configuration. It is
// useful for seeding pipelines with parameters and for tests.
var Value = bigstep.Register(bigstep.Module{
	Type:      "value",
	Retriable: true,
	Validate: func(c bigstep.Config) error {
		_, err := valueConfig(c)
		return err
	},
	Run: func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
		config, err := valueConfig(in.Config)
		if err != nil {
			return bigstep.Artifact{}, err
		}
		if config.Ref != "" {
			return bigstep.Ref(config.Ref), nil
		}
		return bigstep.Value(config.Value)
	},
})

func valueConfig(c bigstep.Config) (ValueConfig, error) {
	var config ValueConfig
	if err := c.Decode(&config); err != nil {
		return config, err
	}
	if (config.Value == nil) == (config.Ref == "") {
		return config, errors.E(errors.Invalid, fmt.Sprintf("value: exactly one of value and ref must be set in %s", c))
	}
	return config, nil
}
