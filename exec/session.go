// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"time"

	"github.com/grailbio/base/diagnostic/dump"
	"github.com/grailbio/base/eventlog"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/cache"
	"github.com/grailbio/bigstep/checkpoint"
	"github.com/grailbio/bigstep/stats"
)

const (
	defaultPollInterval  = time.Second
	defaultMaxRetries    = 3
	defaultStaleAfter    = 5 * time.Minute
	defaultTimeoutGrowth = 1.5
)

// Session represents a bigstep execution session. A session owns a
// set of executors (backends), a result cache and a checkpoint store,
// and is valid for the run of the binary. A session can run multiple
// pipelines, concurrently or in sequence.
//
// A session is started by the Start method. Some executors may launch
// multiple copies of the binary: these additional binaries are called
// workers, and in these, Start does not return. Modules must
// therefore be registered during package initialization, so that
// workers see the same set of modules as the driver:
//
//	var align = bigstep.Register(bigstep.Module{
//		Type: "align",
//		Run:  func(ctx context.Context, in bigstep.Input) (bigstep.Artifact, error) { ... },
//	})
//
//	func main() {
//		sess := exec.Start(exec.Local)
//		defer sess.Shutdown()
//		graph, err := bigstep.NewGraph(steps)
//		...
//		report, err := sess.Run(ctx, graph)
//	}
type Session struct {
	index int32

	p              int
	executors      map[string]Executor
	defaultBackend string
	status         *status.Status
	eventer        eventlog.Eventer

	cache       cache.Cache
	checkpoints checkpoint.Store

	pollInterval  time.Duration
	maxRetries    int
	backoff       retry.Policy
	staleAfter    time.Duration
	timeoutGrowth float64

	stats *stats.Map

	shutdown []func()
}

func newSession() *Session {
	return &Session{
		index:         atomic.AddInt32(&nextSessionIndex, 1) - 1,
		executors:     make(map[string]Executor),
		eventer:       eventlog.Nop{},
		pollInterval:  defaultPollInterval,
		maxRetries:    defaultMaxRetries,
		backoff:       retry.Backoff(time.Second, time.Minute, 2),
		staleAfter:    defaultStaleAfter,
		timeoutGrowth: defaultTimeoutGrowth,
		stats:         stats.NewMap(),
	}
}

// nextSessionIndex is the index of the next session that will be
// started by Start.
var nextSessionIndex int32

// An Option represents a session configuration parameter value.
type Option func(s *Session)

// Local configures a session with the local in-binary executor and
// makes it the default backend.
var Local Option = func(s *Session) {
	e := newLocalExecutor()
	s.executors[e.Name()] = e
	s.defaultBackend = e.Name()
}

// Bigmachine configures a session with the bigmachine executor using
// the provided system, and makes it the default backend. If any params
// are provided, they are applied to each machine allocated by the
// executor.
func Bigmachine(system bigmachine.System, params ...bigmachine.Param) Option {
	return func(s *Session) {
		e := newBigmachineExecutor(system, params...)
		s.executors[e.Name()] = e
		s.defaultBackend = e.Name()
	}
}

// Backend adds a custom executor to the session under its name. It
// does not change the default backend.
func Backend(e Executor) Option {
	return func(s *Session) {
		s.executors[e.Name()] = e
	}
}

// DefaultBackend names the executor used by steps that do not select
// one.
func DefaultBackend(name string) Option {
	return func(s *Session) {
		s.defaultBackend = name
	}
}

// Parallelism configures the session with the provided target
// parallelism, in processors.
func Parallelism(p int) Option {
	if p <= 0 {
		panic("exec.Parallelism: p <= 0")
	}
	return func(s *Session) {
		s.p = p
	}
}

// Status configures the session with a status object to which
// run statuses are reported.
func Status(status *status.Status) Option {
	return func(s *Session) {
		s.status = status
	}
}

// Eventer configures the session with an Eventer that will be used to
// log session events (for analytics).
func Eventer(e eventlog.Eventer) Option {
	return func(s *Session) {
		s.eventer = e
	}
}

// ResultCache configures the session's default result cache.
func ResultCache(c cache.Cache) Option {
	return func(s *Session) {
		s.cache = c
	}
}

// Checkpoints configures the session's default checkpoint store.
func Checkpoints(store checkpoint.Store) Option {
	return func(s *Session) {
		s.checkpoints = store
	}
}

// PollInterval configures the interval at which outstanding jobs are
// polled.
func PollInterval(d time.Duration) Option {
	if d <= 0 {
		panic("exec.PollInterval: d <= 0")
	}
	return func(s *Session) {
		s.pollInterval = d
	}
}

// MaxRetries configures the number of times a step is resubmitted
// after transient failures before it is failed.
func MaxRetries(n int) Option {
	if n < 0 {
		panic("exec.MaxRetries: n < 0")
	}
	return func(s *Session) {
		s.maxRetries = n
	}
}

// RetryBackoff configures the policy that spaces out resubmissions.
func RetryBackoff(policy retry.Policy) Option {
	return func(s *Session) {
		s.backoff = policy
	}
}

// StaleAfter configures the age after which a reservation whose
// heartbeat has not been refreshed is considered abandoned.
func StaleAfter(d time.Duration) Option {
	if d <= 0 {
		panic("exec.StaleAfter: d <= 0")
	}
	return func(s *Session) {
		s.staleAfter = d
	}
}

// TimeoutGrowth configures the factor by which a step's timeout is
// multiplied when it is resubmitted after timing out.
func TimeoutGrowth(f float64) Option {
	if f < 1 {
		panic("exec.TimeoutGrowth: f < 1")
	}
	return func(s *Session) {
		s.timeoutGrowth = f
	}
}

// Start creates and starts a new bigstep session, configuring it
// according to the provided options. If no executor is configured,
// the session uses the local executor.
func Start(options ...Option) *Session {
	s := newSession()
	for _, opt := range options {
		opt(s)
	}
	s.start()
	return s
}

func (s *Session) start() {
	if s.p == 0 {
		s.p = 1
	}
	if len(s.executors) == 0 {
		Local(s)
	}
	if s.defaultBackend == "" {
		// A session configured only with custom backends uses the
		// first of them by name.
		s.defaultBackend = s.Backends()[0]
	}
	if s.status == nil {
		s.status = new(status.Status)
	}
	if s.cache == nil {
		s.cache = cache.NewMemory()
	}
	if s.checkpoints == nil {
		s.checkpoints = checkpoint.NewMemory()
	}
	for _, name := range s.Backends() {
		if shutdown := s.executors[name].Start(s); shutdown != nil {
			s.shutdown = append(s.shutdown, shutdown)
		}
	}
	s.eventer.Event("bigstep:sessionStart",
		"backends", s.Backends(),
		"defaultBackend", s.defaultBackend,
		"parallelism", s.p)
	name := fmt.Sprintf("bigstep-%02d-status", s.index)
	dump.Register(name, func(ctx context.Context, w io.Writer) error {
		return s.status.Marshal(w)
	})
	log.Debug.Printf("bigstep: session started with backends %v (default %s), parallelism %d",
		s.Backends(), s.defaultBackend, s.p)
}

// Shutdown tears down resources associated with this session.
// It should be called when the session is discarded.
func (s *Session) Shutdown() {
	for _, shutdown := range s.shutdown {
		shutdown()
	}
	s.shutdown = nil
}

// Parallelism returns the desired amount of evaluation parallelism.
func (s *Session) Parallelism() int {
	return s.p
}

// Status returns the session's status aggregator.
func (s *Session) Status() *status.Status {
	return s.status
}

// Stats returns a snapshot of the session's counters, aggregated
// over all runs.
func (s *Session) Stats() stats.Values {
	return s.stats.Snapshot()
}

// Cache returns the session's result cache.
func (s *Session) Cache() cache.Cache {
	return s.cache
}

// Backends returns the sorted names of the session's executors.
func (s *Session) Backends() []string {
	names := make([]string, 0, len(s.executors))
	for name := range s.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Executor returns the executor registered under the provided name.
func (s *Session) Executor(name string) (Executor, bool) {
	e, ok := s.executors[name]
	return e, ok
}

// backendFor returns the executor that runs the node's jobs.
func (s *Session) backendFor(n *bigstep.Node) (Executor, error) {
	name := n.Spec.Backend()
	if name == "" {
		name = s.defaultBackend
	}
	e, ok := s.executors[name]
	if !ok {
		return nil, &bigstep.ConfigError{
			Step: n.Name,
			Type: n.Spec.Type(),
			Err:  fmt.Errorf("backend %q is not configured; available backends: %v", name, s.Backends()),
		}
	}
	return e, nil
}

// A RunOption customizes a single run.
type RunOption func(*runConfig)

type runConfig struct {
	id          string
	cache       cache.Cache
	checkpoints checkpoint.Store
}

// RunID sets the run's identity. Checkpoints are kept per run ID:
// running a graph under the ID of an earlier, interrupted run resumes
// it. By default the run ID is derived from the graph's hash, so that
// rerunning the same graph resumes it.
func RunID(id string) RunOption {
	return func(c *runConfig) {
		c.id = id
	}
}

// WithCache overrides the session's result cache for a single run.
func WithCache(c cache.Cache) RunOption {
	return func(rc *runConfig) {
		rc.cache = c
	}
}

// WithCheckpoints overrides the session's checkpoint store for a
// single run.
func WithCheckpoints(store checkpoint.Store) RunOption {
	return func(rc *runConfig) {
		rc.checkpoints = store
	}
}

// Run evaluates the provided graph, running each step whose result is
// not cached on the step's backend. Run returns when every step has
// succeeded, been satisfied from the cache, failed, or been skipped
// because a dependency failed. The returned report describes the
// outcome of every step; the returned error is the first step
// failure, if any. If ctx is cancelled, outstanding jobs are
// cancelled and Run returns the partial report with the context's
// error. It is safe to make concurrent calls to Run.
func (s *Session) Run(ctx context.Context, graph *bigstep.Graph, opts ...RunOption) (*Report, error) {
	rc := runConfig{
		id:          "g" + graph.Hash().Short(),
		cache:       s.cache,
		checkpoints: s.checkpoints,
	}
	for _, opt := range opts {
		opt(&rc)
	}
	return s.run(ctx, graph, rc)
}
