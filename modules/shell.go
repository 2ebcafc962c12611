// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package modules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigstep"
)

// ExitTemporary is the exit status with which shell commands report a
// temporary failure (EX_TEMPFAIL). Such failures are retried like
// preemptions.
const ExitTemporary = 75

// maxStderr is the number of trailing bytes of standard error
// included in failure messages.
const maxStderr = 1 << 10

// ShellConfig configures the shell module.
type ShellConfig struct {
	// Command is run with "sh -c".
	Command string `json:"command"`
	// Output, if set, is the location of the command's result. The
	// artifact refers to Output after environment expansion, so that
	// array tasks may write to "$OUTPUT_DIR/part-$INDEX". Otherwise the
	// artifact carries the command's trimmed standard output.
	Output string `json:"output,omitempty"`
	// Env holds additional environment variables.
	Env map[string]string `json:"env,omitempty"`
	// Dir is the command's working directory.
	Dir string `json:"dir,omitempty"`
}

// Shell runs a shell command. Dependency artifacts are passed in the
// environment as DEP0, DEP1, ...: references are passed as is, string
// values unquoted, and other values in their JSON encoding. Array
// dependencies are passed as space-separated lists. Array tasks also
// see INDEX and ARRAY_SIZE.
var Shell = bigstep.Register(bigstep.Module{
	Type: "shell",
	Validate: func(c bigstep.Config) error {
		_, err := shellConfig(c)
		return err
	},
	Run: runShell,
})

func shellConfig(c bigstep.Config) (ShellConfig, error) {
	var config ShellConfig
	if err := c.Decode(&config); err != nil {
		return config, err
	}
	if strings.TrimSpace(config.Command) == "" {
		return config, errors.E(errors.Invalid, "shell: command is empty")
	}
	return config, nil
}

func runShell(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) {
	config, err := shellConfig(in.Config)
	if err != nil {
		return bigstep.Artifact{}, err
	}
	env := map[string]string{
		"INDEX":      strconv.Itoa(in.Index),
		"ARRAY_SIZE": strconv.Itoa(in.ArraySize),
	}
	for i, dep := range in.Deps {
		env[fmt.Sprintf("DEP%d", i)] = depString(dep)
	}
	for k, v := range config.Env {
		env[k] = v
	}
	var (
		stdout, stderr bytes.Buffer
		cmd            = exec.CommandContext(ctx, "sh", "-c", config.Command)
	)
	cmd.Dir = config.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cmd.Env = append(cmd.Env, k+"="+env[k])
	}
	log.Debug.Printf("shell: running %q (index %d)", config.Command, in.Index)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return bigstep.Artifact{}, ctx.Err()
		}
		msg := fmt.Sprintf("shell: %q: %v: %s", config.Command, err, tail(stderr.Bytes(), maxStderr))
		if exit, ok := err.(*exec.ExitError); ok && exit.ExitCode() == ExitTemporary {
			return bigstep.Artifact{}, errors.E(errors.Temporary, msg)
		}
		return bigstep.Artifact{}, errors.E(msg)
	}
	if config.Output != "" {
		return bigstep.Ref(os.Expand(config.Output, func(key string) string {
			if v, ok := env[key]; ok {
				return v
			}
			return os.Getenv(key)
		})), nil
	}
	return bigstep.Value(strings.TrimSpace(stdout.String()))
}

// depString renders a dependency artifact for the environment.
func depString(a bigstep.Artifact) string {
	switch {
	case len(a.Parts) > 0:
		parts := make([]string, len(a.Parts))
		for i, part := range a.Parts {
			parts[i] = depString(part)
		}
		return strings.Join(parts, " ")
	case a.Ref != "":
		return a.Ref
	case len(a.Value) > 0:
		var s string
		if err := json.Unmarshal(a.Value, &s); err == nil {
			return s
		}
		return string(a.Value)
	default:
		return ""
	}
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return strings.TrimSpace(string(b))
}
