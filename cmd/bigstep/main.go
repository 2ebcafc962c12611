// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Command bigstep runs pipelines defined in YAML or HCL files.
//
// Bigstep is configured by the profile at $HOME/.bigstep/config and
// by -set flags; see package stepconfig.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	_ "github.com/grailbio/bigstep/modules"
	"github.com/grailbio/bigstep/stepconfig"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Bigstep is a tool for running pipelines of cached, resumable steps.

Usage:

	bigstep [flags] <command> [arguments]

The commands are:

	run         run a pipeline
	plan        show a pipeline's steps, fingerprints and cache state
	modules     list the registered module types

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("bigstep: ")
	must.Func = log.Fatal
	stepconfig.RegisterFlags()
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "run":
		runCmd(args)
	case "plan":
		planCmd(args)
	case "modules":
		modulesCmd(args)
	}
}
