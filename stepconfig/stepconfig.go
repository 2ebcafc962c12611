// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package stepconfig creates a bigstep session from a shared
// configuration. Stepconfig uses the configuration mechanism in
// package github.com/grailbio/base/config and reads a default profile
// from $HOME/.bigstep/config. A profile that runs pipelines on EC2
// with a shared S3 cache might look like this:
//
//	param bigstep (
//		system = bigmachine/ec2system
//		parallelism = 256
//		cache-dir = /mnt/shared/bigstep/cache
//		checkpoints = s3://bucket/bigstep/runs
//	)
package stepconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"

	// Used to provide ec2system.System bigmachines.
	_ "github.com/grailbio/bigmachine/ec2system"
	"github.com/grailbio/bigstep/exec"
)

// Path determines the location of the bigstep profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigstep/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// bigstep configuration from Path, and returns the session configured
// by the profile and any flags provided. Parse panics if session
// creation fails.
func Parse() (sess *exec.Session, shutdown func()) {
	RegisterFlags()
	flag.Parse()
	return Session()
}

// RegisterFlags registers the configuration flags with the default
// flag set. Programs that parse flags themselves call RegisterFlags
// before flag.Parse and Session after.
func RegisterFlags() {
	config.RegisterFlags("", Path)
}

// Session processes the parsed configuration flags and returns the
// configured session. The session is created once per process.
func Session() (sess *exec.Session, shutdown func()) {
	must.Nil(config.ProcessFlags())
	config.Must("bigstep", &sess)
	return sess, sess.Shutdown
}
