// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

/*
	Package bigstep implements a pipeline execution engine for large,
	long-running, multi-step data processing jobs. Users describe a
	directed acyclic graph of steps; each step runs a registered module
	with a configuration and the artifacts of the steps it depends on.

	Every step is identified by a fingerprint: a content hash of its
	module type and version, its normalized configuration, its array
	size, and the fingerprints of its dependencies. Fingerprints key a
	shared result cache (package github.com/grailbio/bigstep/cache), so
	that a step that has been computed once, by any run, is never
	recomputed.

	Steps are executed by package github.com/grailbio/bigstep/exec,
	which drives a graph to completion on local or bigmachine-backed
	executors, retrying preempted and timed-out jobs, isolating
	failures to the affected part of the graph, and checkpointing its
	progress (package github.com/grailbio/bigstep/checkpoint) so that
	an interrupted run can be resumed.

	Because modules are resolved by name on remote workers, modules must
	be registered (bigstep.Register) during package initialization,
	before the session is started. This rule is easy to follow: if
	modules are registered from init functions or global variable
	initializers, and exec.Start is called from a program's main, then
	the program is compliant.
*/
package bigstep
