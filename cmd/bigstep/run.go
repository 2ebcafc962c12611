// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/exec"
	"github.com/grailbio/bigstep/pipeline"
	"github.com/grailbio/bigstep/stepconfig"
)

func runCmd(args []string) {
	var (
		flags         = flag.NewFlagSet("bigstep run", flag.ExitOnError)
		runID         = flags.String("id", "", "run ID; relaunching a run ID resumes it (default: derived from the pipeline)")
		consoleStatus = flags.Bool("status", false, "print status to stdout")
		httpAddr      = flags.String("http", "", "address of the status and debug HTTP server")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigstep run [flags] pipeline.{yaml,hcl}\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigc
		log.Printf("received %s: cancelling run", sig)
		cancel()
	}()

	graph := loadGraph(ctx, flags.Arg(0))
	sess, shutdown := stepconfig.Session()
	defer shutdown()
	if *consoleStatus {
		var console status.Reporter
		go console.Go(os.Stdout, sess.Status())
	}
	if *httpAddr != "" {
		http.Handle("/debug/status", status.Handler(sess.Status()))
		go func() {
			log.Printf("HTTP status at: %s", *httpAddr)
			if err := http.ListenAndServe(*httpAddr, nil); err != nil {
				log.Error.Printf("failed to start HTTP server at %s: %v", *httpAddr, err)
			}
		}()
	}
	var opts []exec.RunOption
	if *runID != "" {
		opts = append(opts, exec.RunID(*runID))
	}
	report, err := sess.Run(ctx, graph, opts...)
	if report != nil {
		fmt.Print(report)
	}
	if err != nil {
		shutdown()
		log.Fatal(err)
	}
}

func planCmd(args []string) {
	flags := flag.NewFlagSet("bigstep plan", flag.ExitOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: bigstep plan pipeline.{yaml,hcl}\n")
		os.Exit(2)
	}
	must.Nil(flags.Parse(args))
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	graph := loadGraph(ctx, flags.Arg(0))
	sess, shutdown := stepconfig.Session()
	defer shutdown()
	c := sess.Cache()
	tw := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "step\ttype\tfingerprint\tbackend\trequirements\tcache")
	for _, n := range graph.Nodes() {
		state := "missing"
		if entry, err := c.Lookup(ctx, n.Fingerprint()); err == nil {
			state = entry.Status.String()
		} else if !errors.Is(errors.NotExist, err) {
			log.Fatal(err)
		}
		if lock, err := c.Holder(ctx, n.Fingerprint()); err == nil {
			state = "reserved by " + lock.Owner
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			n.Name, n.Spec.Type(), n.Fingerprint().Short(), backendName(n.Spec), n.Spec.Requirements(), state)
	}
	must.Nil(tw.Flush())
	fmt.Printf("run ID: g%s\n", graph.Hash().Short())
}

func modulesCmd(args []string) {
	if len(args) != 0 {
		fmt.Fprintf(os.Stderr, "usage: bigstep modules\n")
		os.Exit(2)
	}
	for _, typ := range bigstep.ModuleTypes() {
		fmt.Println(typ)
	}
}

func loadGraph(ctx context.Context, path string) *bigstep.Graph {
	def, err := pipeline.Load(ctx, path)
	if err != nil {
		log.Fatal(err)
	}
	graph, err := def.Graph()
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("pipeline %s: %d steps", def.Name, graph.Len())
	return graph
}

func backendName(spec *bigstep.Spec) string {
	if b := spec.Backend(); b != "" {
		return b
	}
	return "default"
}
