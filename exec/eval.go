// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/bigstep"
	"github.com/grailbio/bigstep/cache"
	"github.com/grailbio/bigstep/checkpoint"
	"github.com/grailbio/bigstep/stats"
	"golang.org/x/sync/errgroup"
)

// nodeState is the orchestrator's view of a step. States from
// nodeSucceeded onwards are terminal.
type nodeState int

const (
	// nodeBlocked steps wait for their dependencies.
	nodeBlocked nodeState = iota
	// nodeWaiting steps wait for another owner's reservation of
	// their fingerprint to resolve.
	nodeWaiting
	// nodeSubmitted steps have an outstanding job.
	nodeSubmitted
	// nodeRetrying steps wait to be resubmitted.
	nodeRetrying
	// nodeCommitting steps have a successful job whose result has
	// not yet been committed to the cache.
	nodeCommitting

	nodeSucceeded
	nodeCached
	nodeFailed
	nodeSkipped
)

func (s nodeState) done() bool { return s >= nodeSucceeded }

// A runNode is the per-run state of a graph node. It is owned by the
// evaluation's goroutine.
type runNode struct {
	*bigstep.Node
	state    nodeState
	executor Executor
	reqs     bigstep.Requirements

	job      *Job
	token    cache.Token
	reserved bool
	attempts int
	retryAt  time.Time

	artifact bigstep.Artifact
	err      error

	task *status.Task
}

// An awaitResult is the resolution of another owner's reservation.
type awaitResult struct {
	node  *runNode
	entry cache.Entry
	err   error
}

// An evaluation is a single run of a graph.
type evaluation struct {
	sess  *Session
	graph *bigstep.Graph
	id    string
	nonce string
	cache cache.Cache
	store checkpoint.Store
	run   checkpoint.Run

	nodes  []*runNode
	awaitc chan awaitResult
	stats  *stats.Map
	group  *status.Group

	submissions int
	refreshed   time.Time
}

func (s *Session) run(ctx context.Context, graph *bigstep.Graph, rc runConfig) (*Report, error) {
	e := &evaluation{
		sess:   s,
		graph:  graph,
		id:     rc.id,
		nonce:  uuid.New().String(),
		cache:  rc.cache,
		store:  rc.checkpoints,
		nodes:  make([]*runNode, graph.Len()),
		awaitc: make(chan awaitResult, graph.Len()),
		stats:  stats.NewMap(),
	}
	// Every backend must be resolved before anything is submitted.
	for _, n := range graph.Nodes() {
		executor, err := s.backendFor(n)
		if err != nil {
			return nil, err
		}
		e.nodes[n.Index()] = &runNode{
			Node:     n,
			executor: executor,
			reqs:     n.Spec.Requirements(),
		}
	}
	e.group = s.status.Groupf("run %s", e.id)
	for _, n := range e.nodes {
		n.task = e.group.Start(n.Name)
		n.task.Print("blocked")
	}
	defer func() {
		for _, n := range e.nodes {
			n.task.Done()
		}
	}()
	if err := e.restore(ctx); err != nil {
		return nil, err
	}
	s.eventer.Event("bigstep:runStart",
		"runID", e.id,
		"graph", graph.Hash().String(),
		"nodes", graph.Len(),
		"launch", e.run.Launches)
	log.Printf("run %s: launch %d of %d steps", e.id, e.run.Launches, graph.Len())

	err := e.loop(ctx)
	report := e.report()
	for k, v := range report.Stats {
		s.stats.Int(k).Add(v)
	}
	if err != nil {
		log.Error.Printf("run %s: %v", e.id, err)
		return report, err
	}
	e.run.Finished = true
	e.run.Updated = time.Now()
	if err := e.store.SaveRun(ctx, e.run); err != nil {
		return report, err
	}
	s.eventer.Event("bigstep:runComplete",
		"runID", e.id,
		"succeeded", len(report.Succeeded()),
		"cached", len(report.Cached()),
		"failed", len(report.Failed()),
		"skipped", len(report.Skipped()),
		"submissions", report.Submissions)
	log.Printf("run %s: %d succeeded, %d cached, %d failed, %d skipped, %d submissions",
		e.id, len(report.Succeeded()), len(report.Cached()), len(report.Failed()),
		len(report.Skipped()), report.Submissions)
	return report, report.Err()
}

// restore loads the run's checkpoint, if any. Steps whose jobs are
// still known to their backend are adopted. Reservations of steps
// whose jobs are gone are reclaimed only once their heartbeat is
// stale: a live reservation may belong to another driver running the
// same pipeline, and its steps then wait for that driver's results.
func (e *evaluation) restore(ctx context.Context) error {
	now := time.Now()
	run, err := e.store.LoadRun(ctx, e.id)
	switch {
	case err == nil:
		if run.Graph != e.graph.Hash() {
			return errors.E(errors.Invalid,
				fmt.Sprintf("run %s was started with a different pipeline (graph %s, not %s)",
					e.id, run.Graph.Short(), e.graph.Hash().Short()))
		}
		run.Launches++
	case errors.Is(errors.NotExist, err):
		run = checkpoint.Run{ID: e.id, Graph: e.graph.Hash(), Launches: 1, Started: now}
	default:
		return err
	}
	run.Updated = now
	run.Finished = false
	if err := e.store.SaveRun(ctx, run); err != nil {
		return err
	}
	e.run = run
	if run.Launches == 1 {
		return nil
	}
	recs, err := e.store.Load(ctx, e.id)
	if err != nil {
		return err
	}
	for _, n := range e.nodes {
		rec, ok := recs[n.Fingerprint()]
		if !ok || rec.Status != cache.InProgress || rec.Name != n.Name {
			continue
		}
		n.attempts = rec.Attempt
		if job, ok := e.adopt(ctx, n, rec); ok {
			log.Printf("run %s: resuming %s with job %s", e.id, n.Name, job.ID)
			n.job = job
			n.token = cache.Token{Fingerprint: n.Fingerprint(), Owner: rec.Owner, Reserved: rec.Updated}
			n.reserved = true
			n.state = nodeSubmitted
			n.task.Printf("resumed job %s", job.ID)
			continue
		}
		lock, err := e.cache.Holder(ctx, n.Fingerprint())
		switch {
		case errors.Is(errors.NotExist, err):
			continue
		case err != nil:
			return err
		case lock.Owner != rec.Owner:
			continue
		case !lock.Stale(now, e.sess.staleAfter):
			log.Printf("run %s: %s is reserved by live owner %s (heartbeat %s); waiting for it",
				e.id, n.Name, lock.Owner, lock.Heartbeat.Format(time.RFC3339))
			continue
		}
		log.Printf("run %s: job %q of %s is gone; reclaiming its reservation", e.id, rec.JobID, n.Name)
		if err := e.cache.Reclaim(ctx, n.Fingerprint(), rec.Owner); err != nil {
			return err
		}
	}
	return nil
}

// adopt returns a handle to the job recorded in rec if its backend
// still knows it.
func (e *evaluation) adopt(ctx context.Context, n *runNode, rec checkpoint.Record) (*Job, bool) {
	if rec.JobID == "" {
		return nil, false
	}
	executor, ok := e.sess.executors[rec.Backend]
	if !ok {
		return nil, false
	}
	job := &Job{
		ID:           rec.JobID,
		Name:         n.Name,
		Spec:         n.Spec,
		Requirements: n.reqs,
		Backend:      rec.Backend,
		Attempt:      rec.Attempt,
	}
	if _, err := executor.Poll(ctx, job); err != nil {
		if !errors.Is(errors.NotExist, err) {
			log.Error.Printf("run %s: poll %s: %v", e.id, job.ID, err)
		}
		return nil, false
	}
	if _, err := job.Transition(JobStatus{State: JobPending}); err != nil {
		return nil, false
	}
	n.executor = executor
	return job, true
}

func (e *evaluation) loop(ctx context.Context) error {
	ticker := time.NewTicker(e.sess.pollInterval)
	defer ticker.Stop()
	awaitCtx, cancelAwait := context.WithCancel(ctx)
	defer cancelAwait()
	for {
		if err := e.schedule(ctx, awaitCtx); err != nil {
			e.cancelOutstanding()
			return err
		}
		if e.done() {
			return nil
		}
		select {
		case <-ctx.Done():
			e.cancelOutstanding()
			return ctx.Err()
		case res := <-e.awaitc:
			if err := e.awaited(ctx, res); err != nil {
				e.cancelOutstanding()
				return err
			}
		case <-ticker.C:
			if err := e.poll(ctx, awaitCtx); err != nil {
				e.cancelOutstanding()
				return err
			}
		}
	}
}

func (e *evaluation) done() bool {
	for _, n := range e.nodes {
		if !n.state.done() {
			return false
		}
	}
	return true
}

// ready tells whether all of the node's dependencies have produced
// their artifacts.
func (e *evaluation) ready(n *runNode) bool {
	for _, dep := range n.Deps() {
		switch e.nodes[dep.Index()].state {
		case nodeSucceeded, nodeCached:
		default:
			return false
		}
	}
	return true
}

// schedule starts ready steps and resubmits steps whose backoff has
// elapsed. Nodes are visited in topological order, so that steps
// satisfied from the cache unblock their dependents in the same pass.
func (e *evaluation) schedule(ctx, awaitCtx context.Context) error {
	now := time.Now()
	for _, n := range e.nodes {
		var err error
		switch n.state {
		case nodeBlocked:
			if e.ready(n) {
				err = e.start(ctx, awaitCtx, n)
			}
		case nodeRetrying:
			if !now.Before(n.retryAt) {
				err = e.submit(ctx, n)
			}
		case nodeCommitting:
			err = e.commit(ctx, awaitCtx, n)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// start looks the step up in the cache, and otherwise reserves and
// submits it. Steps reserved by another owner wait for its result.
func (e *evaluation) start(ctx, awaitCtx context.Context, n *runNode) error {
	fp := n.Fingerprint()
	entry, err := e.cache.Lookup(ctx, fp)
	if err == nil && entry.Status == cache.Complete {
		return e.cached(ctx, n, entry)
	}
	if err != nil && !errors.Is(errors.NotExist, err) {
		return err
	}
	tok, err := e.cache.Reserve(ctx, fp, e.owner(n))
	if err == cache.ErrAlreadyReserved {
		e.await(awaitCtx, n)
		return nil
	}
	if err != nil {
		return err
	}
	n.token = tok
	n.reserved = true
	// The reservation is checkpointed before submission so that a
	// restarted run can reclaim it.
	if err := e.save(ctx, n, cache.InProgress); err != nil {
		return err
	}
	return e.submit(ctx, n)
}

func (e *evaluation) owner(n *runNode) string {
	return fmt.Sprintf("%s/%s/%s", e.id, e.nonce, n.Name)
}

func (e *evaluation) submit(ctx context.Context, n *runNode) error {
	deps := make([]bigstep.Artifact, len(n.Deps()))
	for i, dep := range n.Deps() {
		deps[i] = e.nodes[dep.Index()].artifact
	}
	n.attempts++
	job := &Job{
		Name:         n.Name,
		Spec:         n.Spec,
		Deps:         deps,
		Requirements: n.reqs,
		Backend:      n.executor.Name(),
		Attempt:      n.attempts,
	}
	n.job = job
	if err := n.executor.Submit(ctx, job); err != nil {
		log.Error.Printf("run %s: submit %s to %s: %v", e.id, n.Name, n.executor.Name(), err)
		return e.transient(ctx, n, JobPreempted, err)
	}
	if _, err := job.Transition(JobStatus{State: JobPending}); err != nil {
		return err
	}
	e.submissions++
	e.stats.Int(stats.Submitted).Add(1)
	n.state = nodeSubmitted
	n.task.Printf("submitted job %s (attempt %d) %s", job.ID, job.Attempt, job.Requirements)
	log.Debug.Printf("run %s: submitted %s as %s", e.id, n.Name, job.ID)
	return e.save(ctx, n, cache.InProgress)
}

// poll polls all outstanding jobs concurrently and then applies the
// resulting state transitions in topological order.
func (e *evaluation) poll(ctx, awaitCtx context.Context) error {
	var outstanding []*runNode
	for _, n := range e.nodes {
		if n.state == nodeSubmitted {
			outstanding = append(outstanding, n)
		}
	}
	var (
		statuses = make([]JobStatus, len(outstanding))
		errs     = make([]error, len(outstanding))
		g        errgroup.Group
	)
	for i := range outstanding {
		i := i
		g.Go(func() error {
			n := outstanding[i]
			statuses[i], errs[i] = n.executor.Poll(ctx, n.job)
			return nil
		})
	}
	_ = g.Wait()
	for i, n := range outstanding {
		status := statuses[i]
		if err := errs[i]; err != nil {
			if !errors.Is(errors.NotExist, err) {
				log.Error.Printf("run %s: poll %s: %v", e.id, n.job.ID, err)
				continue
			}
			// The backend lost track of the job.
			status = JobStatus{State: JobPreempted, Err: err}
		}
		changed, err := n.job.Transition(status)
		if err != nil {
			log.Error.Printf("run %s: %s: %v", e.id, n.Name, err)
			continue
		}
		if !changed {
			continue
		}
		if err := e.jobUpdated(ctx, awaitCtx, n); err != nil {
			return err
		}
	}
	if time.Since(e.refreshed) >= e.sess.staleAfter/4 {
		e.refresh(ctx)
	}
	return nil
}

// refresh updates the heartbeats of the run's reservations.
func (e *evaluation) refresh(ctx context.Context) {
	e.refreshed = time.Now()
	for _, n := range e.nodes {
		if !n.reserved {
			continue
		}
		if err := e.cache.Refresh(ctx, n.token); err != nil {
			log.Error.Printf("run %s: refresh reservation of %s: %v", e.id, n.Name, err)
		}
	}
}

// jobUpdated handles a change in the state of the node's job. Waits
// for other owners' results are bound to awaitCtx.
func (e *evaluation) jobUpdated(ctx, awaitCtx context.Context, n *runNode) error {
	job := n.job
	state := job.State()
	switch state {
	case JobRunning:
		n.task.Printf("running job %s (attempt %d)", job.ID, job.Attempt)
		return e.save(ctx, n, cache.InProgress)
	case JobSucceeded:
		e.stats.Int(stats.Succeeded).Add(1)
		return e.commit(ctx, awaitCtx, n)
	case JobFailed:
		e.stats.Int(stats.Failed).Add(1)
		if n.Spec.Retriable() {
			return e.transient(ctx, n, state, job.Err())
		}
		return e.fail(ctx, n, &ModuleExecutionError{
			Step:     n.Name,
			Type:     n.Spec.Type(),
			JobID:    job.ID,
			Attempts: n.attempts,
			Err:      job.Err(),
		})
	case JobTimedOut:
		e.stats.Int(stats.TimedOut).Add(1)
		return e.transient(ctx, n, state, job.Err())
	case JobPreempted, JobCancelled:
		// The orchestrator cancels jobs only when it stops, so a
		// cancellation observed here came from elsewhere.
		e.stats.Int(stats.Preempted).Add(1)
		return e.transient(ctx, n, state, job.Err())
	}
	return nil
}

// commit records the successful job's artifact in the cache. Losing a
// commit race makes the node wait for the winner's result instead.
func (e *evaluation) commit(ctx, awaitCtx context.Context, n *runNode) error {
	art := n.job.Artifact()
	err := e.cache.Commit(ctx, n.token, n.job.ID, art)
	switch {
	case err == nil:
		n.reserved = false
		n.artifact = art
		n.state = nodeSucceeded
		n.task.Printf("succeeded: %s", art)
		return e.save(ctx, n, cache.Complete)
	case cache.IsConsistencyError(err):
		log.Printf("run %s: %s: %v; waiting for the committed result", e.id, n.Name, err)
		n.reserved = false
		e.await(awaitCtx, n)
		return nil
	default:
		log.Error.Printf("run %s: commit %s: %v", e.id, n.Name, err)
		n.state = nodeCommitting
		return nil
	}
}

// transient handles a job that was lost, preempted, or timed out, or
// that failed in a retriable module: the step is resubmitted after a
// backoff unless its retry budget is exhausted.
func (e *evaluation) transient(ctx context.Context, n *runNode, state JobState, cause error) error {
	retries := n.attempts - 1
	ok, wait := e.sess.backoff.Retry(retries)
	if !ok || retries >= e.sess.maxRetries {
		return e.fail(ctx, n, &TransientJobError{
			Step:     n.Name,
			State:    state,
			Attempts: n.attempts,
			Err:      cause,
		})
	}
	if state == JobTimedOut && n.reqs.Timeout > 0 {
		n.reqs.Timeout = time.Duration(float64(n.reqs.Timeout) * e.sess.timeoutGrowth)
	}
	e.stats.Int(stats.Retried).Add(1)
	n.state = nodeRetrying
	n.retryAt = time.Now().Add(wait)
	n.task.Printf("%s: retrying in %s: %v", state, wait, cause)
	log.Printf("run %s: %s %s (attempt %d): retrying in %s: %v",
		e.id, n.Name, state, n.attempts, wait, cause)
	return e.save(ctx, n, cache.InProgress)
}

// fail marks the node failed, releases its reservation, and skips
// every step downstream of it. Other steps are unaffected.
func (e *evaluation) fail(ctx context.Context, n *runNode, err error) error {
	n.state = nodeFailed
	n.err = err
	n.task.Printf("failed: %v", err)
	log.Error.Printf("run %s: %v", e.id, err)
	if n.reserved {
		var jobID string
		if n.job != nil {
			jobID = n.job.ID
		}
		if rerr := e.cache.ReleaseFailed(ctx, n.token, jobID, err); rerr != nil {
			log.Error.Printf("run %s: release %s: %v", e.id, n.Name, rerr)
		}
		n.reserved = false
	}
	for _, d := range e.graph.Downstream(n.Node) {
		dn := e.nodes[d.Index()]
		if dn.state.done() {
			continue
		}
		dn.state = nodeSkipped
		dn.err = errors.E(fmt.Sprintf("step %s skipped: dependency %s failed", dn.Name, n.Name))
		dn.task.Printf("skipped: %s failed", n.Name)
	}
	return e.save(ctx, n, cache.Failed)
}

func (e *evaluation) cached(ctx context.Context, n *runNode, entry cache.Entry) error {
	e.stats.Int(stats.CacheHits).Add(1)
	n.artifact = entry.Artifact
	n.state = nodeCached
	n.task.Printf("cached: %s", entry.Artifact)
	log.Debug.Printf("run %s: %s satisfied from cache (%s)", e.id, n.Name, n.Fingerprint().Short())
	return e.save(ctx, n, cache.Complete)
}

// await waits, in the background, for another owner's reservation of
// the node's fingerprint to resolve.
func (e *evaluation) await(ctx context.Context, n *runNode) {
	e.stats.Int(stats.Awaited).Add(1)
	n.state = nodeWaiting
	n.task.Print("waiting for another run to compute the result")
	fp := n.Fingerprint()
	maxInterval := 4 * e.sess.pollInterval
	go func() {
		entry, err := cache.Await(ctx, e.cache, fp, maxInterval, e.sess.staleAfter)
		e.awaitc <- awaitResult{node: n, entry: entry, err: err}
	}()
}

func (e *evaluation) awaited(ctx context.Context, res awaitResult) error {
	n := res.node
	switch {
	case res.err == nil:
		return e.cached(ctx, n, res.entry)
	case ctx.Err() != nil:
		return ctx.Err()
	case res.err != cache.ErrReleased:
		log.Error.Printf("run %s: waiting for %s: %v", e.id, n.Name, res.err)
	}
	// The other owner released the reservation without a result;
	// compute the step here instead.
	n.state = nodeBlocked
	n.task.Print("blocked")
	return nil
}

// save checkpoints the node's state.
func (e *evaluation) save(ctx context.Context, n *runNode, status cache.Status) error {
	rec := checkpoint.Record{
		Fingerprint: n.Fingerprint(),
		Name:        n.Name,
		Status:      status,
		Attempt:     n.attempts,
		Artifact:    n.artifact,
		Updated:     time.Now(),
	}
	if status == cache.InProgress {
		rec.Owner = n.token.Owner
		rec.Backend = n.executor.Name()
	}
	if n.job != nil {
		rec.JobID = n.job.ID
	}
	if n.err != nil {
		rec.Error = n.err.Error()
	}
	return e.store.Save(ctx, e.id, rec)
}

// cancelOutstanding cancels all outstanding jobs. It is called when
// the run stops before completion; reservations and checkpoints are
// left as they are so that the run may be resumed.
func (e *evaluation) cancelOutstanding() {
	ctx := context.Background()
	for _, n := range e.nodes {
		if n.state != nodeSubmitted {
			continue
		}
		if err := n.executor.Cancel(ctx, n.job); err != nil {
			log.Error.Printf("run %s: cancel %s: %v", e.id, n.job.ID, err)
		}
	}
}

func (e *evaluation) report() *Report {
	r := &Report{
		RunID:       e.id,
		Nodes:       make([]NodeReport, len(e.nodes)),
		Submissions: e.submissions,
		Stats:       e.stats.Snapshot(),
	}
	for i, n := range e.nodes {
		nr := NodeReport{
			Name:        n.Name,
			Fingerprint: n.Fingerprint(),
			Attempts:    n.attempts,
			Artifact:    n.artifact,
			Err:         n.err,
		}
		if n.job != nil {
			nr.JobID = n.job.ID
		}
		switch n.state {
		case nodeSucceeded:
			nr.Outcome = Succeeded
		case nodeCached:
			nr.Outcome = Cached
		case nodeFailed:
			nr.Outcome = Failed
		case nodeSkipped:
			nr.Outcome = Skipped
		default:
			nr.Outcome = Incomplete
		}
		r.Nodes[i] = nr
	}
	return r
}
