package castle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fortressi/castle/ctxlog"
	"github.com/fortressi/castle/dag"
)

// ErrSchedulerClosed is the cancellation cause of units a closed scheduler
// never dispatched.
var ErrSchedulerClosed = errors.New("scheduler closed")

// ExecutionRecord tracks the execution of a single unit.
type ExecutionRecord struct {
	Unit      UnitID
	StartTime time.Time
	EndTime   time.Time
	Status    UnitState
	Error     error
}

// Scheduler runs the units selected by a set of targets in dependency order,
// with at most maxConcurrent units running at once and never two units on
// the same node at once.
type Scheduler struct {
	cluster       *Cluster
	plan          *plan
	targets       []string
	maxConcurrent int
	runID         RunID

	unitLog   *UnitLog
	global    *semaphore.Weighted
	nodeLocks map[string]*semaphore.Weighted

	mu        sync.Mutex
	started   bool
	remaining []int
	results   []UnitResult
	pending   int
	trace     []ExecutionRecord
	timedOut  bool
	startedAt time.Time

	done      chan struct{}
	doneOnce  sync.Once
	stop      context.CancelCauseFunc
	dispatch  context.Context
	abandon   context.CancelFunc
	runCtx    context.Context
	logger    *slog.Logger
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type schedulerOptions struct {
	hierarchy TargetHierarchy
}

// SchedulerOption configures NewScheduler.
type SchedulerOption func(*schedulerOptions)

// WithTargetHierarchy replaces DefaultTargets.
func WithTargetHierarchy(h TargetHierarchy) SchedulerOption {
	return func(o *schedulerOptions) { o.hierarchy = h }
}

// NewScheduler expands targets, materializes the units they select plus
// their transitive dependencies, and validates the resulting graph. Nothing
// runs until Start.
func NewScheduler(cluster *Cluster, targets []string, registry *ActionRegistry, maxConcurrent int, opts ...SchedulerOption) (*Scheduler, error) {
	o := schedulerOptions{hierarchy: DefaultTargets}
	for _, opt := range opts {
		opt(&o)
	}
	if maxConcurrent <= 0 {
		return nil, validationErrorf("maximum concurrent actions must be positive, got %d", maxConcurrent)
	}
	p, err := buildPlan(cluster, targets, registry, o.hierarchy)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cluster:       cluster,
		plan:          p,
		targets:       append([]string(nil), targets...),
		maxConcurrent: maxConcurrent,
		runID:         NewRunID(),
		unitLog:       NewUnitLog(p.ids()),
		global:        semaphore.NewWeighted(int64(maxConcurrent)),
		nodeLocks:     make(map[string]*semaphore.Weighted),
		remaining:     make([]int, len(p.units)),
		results:       make([]UnitResult, len(p.units)),
		pending:       len(p.units),
		done:          make(chan struct{}),
	}
	for _, node := range cluster.Nodes() {
		s.nodeLocks[node.Name()] = semaphore.NewWeighted(1)
	}
	for i, u := range p.units {
		s.remaining[i] = len(u.deps)
		s.results[i] = UnitResult{Unit: u.id, State: UnitPending}
	}
	return s, nil
}

// RunID identifies this run.
func (s *Scheduler) RunID() RunID {
	return s.runID
}

// Units returns the ids of every unit of the run, in plan order.
func (s *Scheduler) Units() []UnitID {
	return s.plan.ids()
}

// Graph exposes the unit dependency graph.
func (s *Scheduler) Graph() *dag.Graph {
	return s.plan.graph
}

// DOT renders the unit graph in Graphviz format.
func (s *Scheduler) DOT() (string, error) {
	return s.plan.graph.ExportToDot()
}

// Log returns the unit state transitions recorded so far.
func (s *Scheduler) Log() *UnitLog {
	return s.unitLog
}

// Start begins dispatching. When ctx is canceled no further unit is
// dispatched; units already running keep running until they finish or the
// scheduler is closed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true
	s.startedAt = time.Now()
	s.logger = ctxlog.FromContext(ctx).With("run", s.runID.String())
	s.dispatch, s.stop = context.WithCancelCause(ctx)
	s.runCtx, s.abandon = context.WithCancel(context.WithoutCancel(ctx))

	s.logger.Info("starting run", "targets", s.targets, "units", len(s.plan.units),
		"max_concurrent", s.maxConcurrent)

	if s.pending == 0 {
		s.finishRun()
		return nil
	}

	s.wg.Add(1)
	go s.watch()

	for i := range s.plan.units {
		if s.remaining[i] == 0 {
			s.makeEligible(i)
		}
	}
	return nil
}

// watch cancels every pending unit once dispatch stops.
func (s *Scheduler) watch() {
	defer s.wg.Done()
	select {
	case <-s.done:
	case <-s.dispatch.Done():
		cause := context.Cause(s.dispatch)
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, u := range s.plan.units {
			if s.results[i].State == UnitPending {
				s.terminate(i, UnitCanceled, &CanceledError{Unit: u.id, Cause: cause})
			}
		}
	}
}

// makeEligible must be called with s.mu held.
func (s *Scheduler) makeEligible(i int) {
	s.transition(i, UnitEligible)
	s.wg.Add(1)
	go s.execute(i)
}

// transition must be called with s.mu held.
func (s *Scheduler) transition(i int, to UnitState) {
	u := s.plan.units[i]
	if err := s.unitLog.Record(u.id, to); err != nil {
		panic(err)
	}
	s.results[i].State = to
}

func (s *Scheduler) execute(i int) {
	defer s.wg.Done()
	u := s.plan.units[i]
	nodeLock := s.nodeLocks[u.node.Name()]

	if err := nodeLock.Acquire(s.dispatch, 1); err != nil {
		s.cancelEligible(i)
		return
	}
	if err := s.global.Acquire(s.dispatch, 1); err != nil {
		nodeLock.Release(1)
		s.cancelEligible(i)
		return
	}
	release := func() {
		s.global.Release(1)
		nodeLock.Release(1)
	}

	s.mu.Lock()
	// Acquire can succeed on a context that is already done.
	if s.dispatch.Err() != nil {
		s.mu.Unlock()
		release()
		s.cancelEligible(i)
		return
	}
	s.transition(i, UnitRunning)
	start := time.Now()
	s.results[i].Start = start
	s.mu.Unlock()

	s.logger.Debug("unit started", "unit", u.id.String())
	err := s.runUnit(u)
	end := time.Now()
	release()

	state := UnitSucceeded
	if err != nil {
		state = UnitFailed
		s.logger.Error("unit failed", "unit", u.id.String(), "error", err)
	} else {
		s.logger.Debug("unit succeeded", "unit", u.id.String(), "duration", end.Sub(start))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[i].End = end
	s.trace = append(s.trace, ExecutionRecord{
		Unit:      u.id,
		StartTime: start,
		EndTime:   end,
		Status:    state,
		Error:     err,
	})
	s.terminate(i, state, err)
}

func (s *Scheduler) runUnit(u *unit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", u.id, r)
		}
	}()
	ctx := ctxlog.WithLogger(s.runCtx, s.logger.With("unit", u.id.String()))
	return u.action.Run(ctx, s.cluster, u.node)
}

func (s *Scheduler) cancelEligible(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.plan.units[i]
	s.terminate(i, UnitCanceled, &CanceledError{Unit: u.id, Cause: context.Cause(s.dispatch)})
}

// terminate moves unit i to a terminal state and updates its dependents.
// It must be called with s.mu held.
func (s *Scheduler) terminate(i int, state UnitState, err error) {
	s.transition(i, state)
	s.results[i].Err = err
	s.pending--

	u := s.plan.units[i]
	for _, d := range u.dependents {
		if s.results[d].State != UnitPending {
			continue
		}
		switch state {
		case UnitSucceeded:
			s.remaining[d]--
			if s.remaining[d] == 0 {
				if s.dispatch.Err() != nil {
					s.terminate(d, UnitCanceled, &CanceledError{Unit: s.plan.units[d].id, Cause: context.Cause(s.dispatch)})
				} else {
					s.makeEligible(d)
				}
			}
		case UnitFailed:
			s.terminate(d, UnitFailed, &DependencyFailedError{Unit: s.plan.units[d].id, Dependency: u.id})
		}
	}

	if s.pending == 0 {
		s.finishRun()
	}
}

func (s *Scheduler) finishRun() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Await blocks until every unit is terminal or timeout elapses. A timeout
// of zero or less waits indefinitely.
//
// It returns the report and nil when every unit succeeded, the report and a
// *RunFailedError listing every failure otherwise. On timeout, dispatch
// stops at once and a *TimeoutError is returned along with the report as it
// stands.
func (s *Scheduler) Await(timeout time.Duration) (*Report, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil, errors.New("scheduler not started")
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-s.done:
	case <-expired:
		s.mu.Lock()
		terr := &TimeoutError{Timeout: timeout, Pending: s.pending}
		if s.pending > 0 {
			s.timedOut = true
			s.stop(terr)
		}
		s.mu.Unlock()
		if terr.Pending > 0 {
			s.logger.Error("run timed out", "timeout", timeout, "unfinished", terr.Pending)
			return s.report(), terr
		}
	}

	report := s.report()
	if failures := report.Failures(); len(failures) > 0 {
		s.logger.Error("run failed", "failed", len(failures), "units", report.Len())
		return report, &RunFailedError{Total: report.Len(), Failures: failures}
	}
	s.logger.Info("run succeeded", "units", report.Len())
	return report, nil
}

func (s *Scheduler) report() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := newReport(s.runID, s.targets)
	r.StartedAt = s.startedAt
	r.FinishedAt = time.Now()
	r.TimedOut = s.timedOut
	for _, res := range s.results {
		r.add(res)
	}
	return r
}

// Trace returns the start and end of every unit that ran, in completion
// order.
func (s *Scheduler) Trace() []ExecutionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	trace := make([]ExecutionRecord, len(s.trace))
	copy(trace, s.trace)
	return trace
}

// Close stops dispatch, cancels the context of running units and waits for
// every worker to return. It is safe to call more than once.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			return
		}
		s.stop(ErrSchedulerClosed)
		s.abandon()
		s.wg.Wait()
	})
	return nil
}
