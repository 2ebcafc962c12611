// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/ctxsync"
	"github.com/grailbio/bigstep/stats"
)

func init() {
	gob.Register(&worker{})
}

// RunRequest contains all data required to run a single job on a
// worker.
type runRequest struct {
	// Job is the driver's job ID, used for logging.
	Job string
	// Type is the module type to run.
	Type string
	// Config is the module's canonical JSON configuration.
	Config []byte
	// Deps are the artifacts of the step's dependencies.
	Deps []bigstep.Artifact
	// Requirements are the job's requirements. Array jobs are fanned
	// out on the worker.
	Requirements bigstep.Requirements
}

type runReply struct {
	Artifact bigstep.Artifact
}

// Worker is the bigmachine service used to run jobs on remote
// machines.
type worker struct {
	procs int
	stats *stats.Map
}

func (w *worker) Init(b *bigmachine.B) error {
	w.procs = b.System().Maxprocs()
	if w.procs == 0 {
		w.procs = runtime.GOMAXPROCS(0)
	}
	w.stats = stats.NewMap()
	return nil
}

// Modules returns the sorted module types registered in the worker
// binary. The driver uses it to verify that the worker runs the same
// binary.
func (w *worker) Modules(ctx context.Context, _ struct{}, types *[]string) error {
	*types = bigstep.ModuleTypes()
	return nil
}

// Stats returns a snapshot of the worker's job counters.
func (w *worker) Stats(ctx context.Context, _ struct{}, values *stats.Values) error {
	*values = w.stats.Snapshot()
	return nil
}

// Run runs a single job as described in the request. Errors produced
// by the module are marked fatal unless the module reported them as
// temporary, so that the driver can tell module failures apart from
// machine and network failures.
func (w *worker) Run(ctx context.Context, req runRequest, reply *runReply) (err error) {
	w.stats.Int(stats.Running).Add(1)
	defer w.stats.Int(stats.Running).Add(-1)
	m, ok := bigstep.Lookup(req.Type)
	if !ok {
		return errors.E(errors.Fatal, fmt.Errorf("module %s not registered on worker", req.Type))
	}
	var config bigstep.Config
	if err := json.Unmarshal(req.Config, &config); err != nil {
		return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf("job %s: decode config", req.Job), err)
	}
	parallel := w.procs / req.Requirements.Procs()
	reply.Artifact, err = runModule(ctx, m, config, req.Deps, req.Requirements, parallel)
	switch {
	case err == nil:
		w.stats.Int(stats.Succeeded).Add(1)
	case ctx.Err() != nil:
		// The driver cancelled the call or the job timed out; the driver
		// classifies these itself.
	case errors.IsTemporary(err):
		log.Printf("job %s (%s): temporary error: %v", req.Job, req.Type, err)
		w.stats.Int(stats.Preempted).Add(1)
	default:
		log.Printf("job %s (%s) error: %v", req.Job, req.Type, err)
		w.stats.Int(stats.Failed).Add(1)
		err = errors.E(errors.Fatal, err)
	}
	return err
}

// A machine is a bigmachine machine that runs jobs. Machines admit
// jobs up to their processor count.
type machine struct {
	*bigmachine.Machine
	procs  int
	status *status.Task

	// load and lost are guarded by the pool's mutex.
	load int
	lost bool
}

func (m *machine) String() string {
	return m.Addr
}

// A machinePool manages the set of machines available to the
// bigmachine executor. Machines are started on demand, up to a
// maximum, and are dropped from the pool once they stop.
type machinePool struct {
	ctx    context.Context
	b      *bigmachine.B
	params []bigmachine.Param
	group  *status.Group
	max    int

	// startMachine starts and verifies a single machine.
	startMachine func(ctx context.Context) (*machine, error)
	// backoff spaces out start attempts after a round of failures.
	backoff retry.Policy

	mu       sync.Mutex
	cond     *ctxsync.Cond
	machines []*machine
	starting int
	// failures counts consecutive machine start failures in the
	// current round.
	failures int
	// rounds counts consecutive rounds that ended in
	// maxStartFailures failures; exhausted counts all such rounds.
	rounds, exhausted int
	// holdoff is the time before which no machine is started.
	holdoff time.Time
}

// maxStartFailures is the number of consecutive machine start
// failures after which jobs waiting for a machine give up. Later jobs
// try again after a backoff.
const maxStartFailures = 3

var defaultStartBackoff = retry.Backoff(5*time.Second, 2*time.Minute, 2)

func newMachinePool(ctx context.Context, b *bigmachine.B, group *status.Group, max int, params []bigmachine.Param) *machinePool {
	p := &machinePool{
		ctx:     ctx,
		b:       b,
		params:  params,
		group:   group,
		max:     max,
		backoff: defaultStartBackoff,
	}
	p.startMachine = p.startBigmachine
	p.cond = ctxsync.NewCond(&p.mu)
	return p
}

// Acquire returns a machine with at least need free processors,
// starting new machines as required. Need is capped at the
// machine's processor count. The returned machine must be released
// with Release.
func (p *machinePool) Acquire(ctx context.Context, need int) (m *machine, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	exhausted := p.exhausted
	werr := p.cond.WaitUntil(ctx, func() bool {
		if m, n = p.tryAcquire(need); m != nil {
			return true
		}
		if p.exhausted != exhausted {
			err = errors.E(errors.Unavailable, fmt.Sprintf("failed to start machines %d times", maxStartFailures))
			return true
		}
		if len(p.machines)+p.starting < p.max && !time.Now().Before(p.holdoff) {
			p.starting++
			go p.start()
		}
		return false
	})
	if werr != nil {
		return nil, 0, werr
	}
	return m, n, err
}

// tryAcquire allocates processors on the first live machine that can
// fit them. It must be called with the pool's lock held.
func (p *machinePool) tryAcquire(need int) (*machine, int) {
	for _, m := range p.machines {
		if m.lost {
			continue
		}
		n := need
		if n > m.procs {
			n = m.procs
		}
		if m.procs-m.load >= n {
			m.load += n
			return m, n
		}
	}
	return nil, 0
}

// Release returns n processors to the machine.
func (p *machinePool) Release(m *machine, n int) {
	p.mu.Lock()
	m.load -= n
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *machinePool) start() {
	m, err := p.startMachine(p.ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starting--
	if err != nil {
		if p.ctx.Err() == nil {
			p.failures++
			log.Error.Printf("bigmachine: failed to start machine: %v", err)
		}
		if p.failures >= maxStartFailures {
			// Fail the current waiters, and hold off before the next
			// round of attempts.
			p.failures = 0
			p.exhausted++
			_, wait := p.backoff.Retry(p.rounds)
			p.rounds++
			p.holdoff = time.Now().Add(wait)
			log.Error.Printf("bigmachine: failed to start machines %d times; retrying in %s", maxStartFailures, wait)
			time.AfterFunc(wait, func() {
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			})
		}
		p.cond.Broadcast()
		return
	}
	p.failures = 0
	p.rounds = 0
	p.machines = append(p.machines, m)
	p.cond.Broadcast()
	go p.monitor(m)
}

func (p *machinePool) startBigmachine(ctx context.Context) (*machine, error) {
	params := append([]bigmachine.Param{bigmachine.Services{"Worker": &worker{}}}, p.params...)
	machines, err := p.b.Start(ctx, 1, params...)
	if err != nil {
		return nil, err
	}
	m := machines[0]
	task := p.group.Start()
	task.Print("waiting for machine to boot")
	<-m.Wait(bigmachine.Running)
	if err := m.Err(); err != nil {
		task.Printf("failed to start: %v", err)
		task.Done()
		return nil, err
	}
	var types []string
	if err := m.RetryCall(ctx, "Worker.Modules", struct{}{}, &types); err != nil {
		task.Print("failed to verify modules")
		task.Done()
		m.Cancel()
		return nil, err
	}
	if diff := diffStrings(bigstep.ModuleTypes(), types); len(diff) > 0 {
		for _, edit := range diff {
			log.Printf("[modulesdiff] %s", edit)
		}
		log.Panicf("machine %s has different modules; check that workers run the driver's binary", m.Addr)
	}
	procs := p.b.System().Maxprocs()
	if procs == 0 {
		procs = 1
	}
	task.Title(m.Addr)
	task.Print("running")
	log.Printf("machine %v is ready", m.Addr)
	return &machine{Machine: m, procs: procs, status: task}, nil
}

// monitor marks the machine lost once it stops. Jobs running on a
// lost machine fail their calls and are reported as preempted.
func (p *machinePool) monitor(m *machine) {
	<-m.Wait(bigmachine.Stopped)
	log.Error.Printf("machine %s stopped: %v", m, m.Err())
	m.status.Printf("stopped: %v", m.Err())
	m.status.Done()
	p.mu.Lock()
	m.lost = true
	for i := range p.machines {
		if p.machines[i] == m {
			p.machines = append(p.machines[:i], p.machines[i+1:]...)
			break
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}

// diffStrings returns a description of the differences between two
// sorted string slices.
func diffStrings(want, got []string) []string {
	var (
		diff []string
		i, j int
	)
	for i < len(want) || j < len(got) {
		switch {
		case j == len(got) || (i < len(want) && want[i] < got[j]):
			diff = append(diff, "- "+want[i])
			i++
		case i == len(want) || got[j] < want[i]:
			diff = append(diff, "+ "+got[j])
			j++
		default:
			i++
			j++
		}
	}
	return diff
}
