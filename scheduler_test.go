package castle

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unitIDs(s *Scheduler) map[string]bool {
	out := map[string]bool{}
	for _, u := range s.Units() {
		out[u.String()] = true
	}
	return out
}

func TestSchedulerUpSelectsItsPhasesAndDependencies(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": {"r"}, "n2": {"r"}})

	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("alloc", ""), nil, noop, WithPhases(PhaseInit)),
		// prep belongs to no phase; it is only pulled in as a dependency.
		NewActionFunc(NewActionID("prep", ""), nil, noop),
		NewActionFunc(NewActionID("install", "r"), OnRole("r"), noop,
			WithPhases(PhaseSetup),
			WithDependencies(AfterOnNode(AllOf("alloc")), AfterOnNode(AllOf("prep")))),
		NewActionFunc(NewActionID("launch", "r"), OnRole("r"), noop,
			WithPhases(PhaseStart),
			WithDependencies(After(AllOf("install")))),
		NewActionFunc(NewActionID("collect", "r"), OnRole("r"), noop, WithPhases(PhaseSaveLogs)),
		NewActionFunc(NewActionID("halt", "r"), OnRole("r"), noop,
			WithPhases(PhaseStop),
			WithDependencies(AfterOnNode(NewTargetID("collect", "r")))),
		NewActionFunc(NewActionID("free", ""), nil, noop, WithPhases(PhaseDestroy)),
	)

	s, err := NewScheduler(cluster, []string{"up"}, registry, 4)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, map[string]bool{
		"alloc@n1": true, "alloc@n2": true,
		"prep@n1": true, "prep@n2": true,
		"install:r@n1": true, "install:r@n2": true,
		"launch:r@n1": true, "launch:r@n2": true,
	}, unitIDs(s))

	require.NoError(t, s.Start(context.Background()))
	report, err := s.Await(5 * time.Second)
	require.NoError(t, err)
	assert.True(t, report.Succeeded())
	assert.Equal(t, 8, report.Len())

	// launch waits for install on every node, not just its own.
	ends := map[string]time.Time{}
	starts := map[string]time.Time{}
	for _, rec := range s.Trace() {
		ends[rec.Unit.String()] = rec.EndTime
		starts[rec.Unit.String()] = rec.StartTime
	}
	for _, launch := range []string{"launch:r@n1", "launch:r@n2"} {
		for _, install := range []string{"install:r@n1", "install:r@n2"} {
			assert.False(t, starts[launch].Before(ends[install]), "%s started before %s ended", launch, install)
		}
	}
}

func TestSchedulerDownDoesNotIncludeUp(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": {"r"}})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("alloc", ""), nil, noop, WithPhases(PhaseInit)),
		NewActionFunc(NewActionID("collect", "r"), OnRole("r"), noop, WithPhases(PhaseSaveLogs)),
		NewActionFunc(NewActionID("halt", "r"), OnRole("r"), noop, WithPhases(PhaseStop)),
	)
	s, err := NewScheduler(cluster, []string{"down"}, registry, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"collect:r@n1": true, "halt:r@n1": true}, unitIDs(s))
}

func TestSchedulerTargetByTypeAndScope(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": {"a", "b"}})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("start", "a"), OnRole("a"), noop),
		NewActionFunc(NewActionID("start", "b"), OnRole("b"), noop),
	)

	s, err := NewScheduler(cluster, []string{"start:b"}, registry, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"start:b@n1": true}, unitIDs(s))

	s, err = NewScheduler(cluster, []string{"start"}, registry, 1)
	require.NoError(t, err)
	assert.Len(t, s.Units(), 2)
}

func TestSchedulerRejectsCycles(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil, "n2": nil})
	var runs atomic.Int32
	count := func(context.Context, *Cluster, *Node) error {
		runs.Add(1)
		return nil
	}

	t.Run("across nodes", func(t *testing.T) {
		registry := newTestRegistry(t,
			NewActionFunc(NewActionID("a", ""), nil, count, WithDependencies(AfterOnNode(AllOf("b")))),
			NewActionFunc(NewActionID("b", ""), nil, count, WithDependencies(After(AllOf("c")))),
			NewActionFunc(NewActionID("c", ""), nil, count, WithDependencies(AfterOnNode(AllOf("a")))),
		)
		_, err := NewScheduler(cluster, []string{"a"}, registry, 2)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Contains(t, err.Error(), "cycle")
		assert.Contains(t, err.Error(), "a@n1")
	})

	t.Run("self dependency", func(t *testing.T) {
		registry := newTestRegistry(t,
			NewActionFunc(NewActionID("a", ""), nil, count, WithDependencies(AfterOnNode(AllOf("a")))),
		)
		_, err := NewScheduler(cluster, []string{"a"}, registry, 2)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	assert.Zero(t, runs.Load())
}

func TestSchedulerValidation(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})

	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("a", ""), nil, noop, WithDependencies(After(AllOf("missing")))),
		NewActionFunc(NewActionID("b", ""), nil, noop),
	)
	// A registered type without instances is a satisfied dependency.
	require.NoError(t, registry.RegisterType("empty"))
	require.NoError(t, registry.RegisterType("c"))
	require.NoError(t, registry.Register(
		NewActionFunc(NewActionID("c", ""), nil, noop, WithDependencies(After(AllOf("empty"))))))

	tests := []struct {
		name          string
		targets       []string
		maxConcurrent int
		wantErr       bool
	}{
		{"unregistered dependency type", []string{"a"}, 1, true},
		{"unknown target", []string{"nope"}, 1, true},
		{"malformed target", []string{"b:x:y"}, 1, true},
		{"no targets", nil, 1, true},
		{"zero concurrency", []string{"b"}, 0, true},
		{"negative concurrency", []string{"b"}, -3, true},
		{"dependency on empty type", []string{"c"}, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScheduler(cluster, tt.targets, registry, tt.maxConcurrent)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestSchedulerDependencyFailure(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil, "n2": nil})
	scripted(t, cluster, "n1").Codes = []int{1}

	var laterRuns atomic.Int32
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("boom", ""), OnNodes("n1"),
			func(ctx context.Context, _ *Cluster, node *Node) error {
				return NoRetry().Run(ctx, node, []string{"false"})
			}),
		NewActionFunc(NewActionID("after", ""), OnNodes("n2"), noop,
			WithDependencies(After(AllOf("boom")))),
		NewActionFunc(NewActionID("later", ""), OnNodes("n2"),
			func(context.Context, *Cluster, *Node) error {
				laterRuns.Add(1)
				return nil
			},
			WithDependencies(AfterOnNode(AllOf("after")))),
		NewActionFunc(NewActionID("sibling", ""), nil, noop),
	)

	s, err := NewScheduler(cluster, []string{"later", "sibling"}, registry, 3)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))

	report, err := s.Await(5 * time.Second)
	var runErr *RunFailedError
	require.ErrorAs(t, err, &runErr)
	require.NotNil(t, report)
	assert.Equal(t, 5, runErr.Total)
	assert.Len(t, runErr.Failures, 3)

	var cmdErr *CommandResultError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, []string{"false"}, cmdErr.Args)
	assert.Equal(t, 1, cmdErr.Code)

	boom := UnitID{Action: NewActionID("boom", ""), Node: "n1"}
	after := UnitID{Action: NewActionID("after", ""), Node: "n2"}
	later := UnitID{Action: NewActionID("later", ""), Node: "n2"}

	res, ok := report.Result(after)
	require.True(t, ok)
	assert.Equal(t, UnitFailed, res.State)
	var depErr *DependencyFailedError
	require.ErrorAs(t, res.Err, &depErr)
	assert.Equal(t, boom, depErr.Dependency)

	res, _ = report.Result(later)
	require.ErrorAs(t, res.Err, &depErr)
	assert.Equal(t, after, depErr.Dependency)
	assert.Zero(t, laterRuns.Load())

	for _, node := range []string{"n1", "n2"} {
		res, _ = report.Result(UnitID{Action: NewActionID("sibling", ""), Node: node})
		assert.Equal(t, UnitSucceeded, res.State)
	}
	assert.Len(t, s.Trace(), 3)
}

func TestSchedulerTimeoutStopsDispatch(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	release := make(chan struct{})
	var followerRuns atomic.Int32

	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("slow", ""), nil, func(context.Context, *Cluster, *Node) error {
			<-release
			return nil
		}),
		NewActionFunc(NewActionID("follower", ""), nil, func(context.Context, *Cluster, *Node) error {
			followerRuns.Add(1)
			return nil
		}, WithDependencies(After(AllOf("slow")))),
	)

	s, err := NewScheduler(cluster, []string{"follower"}, registry, 2)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	_, err = s.Await(50 * time.Millisecond)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, 2, terr.Pending)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// slow finishes after the deadline; follower must not be dispatched.
	close(release)
	require.NoError(t, s.Close())

	assert.Zero(t, followerRuns.Load())
	follower := UnitID{Action: NewActionID("follower", ""), Node: "n1"}
	assert.Equal(t, UnitCanceled, s.Log().State(follower))
	assert.Len(t, s.Trace(), 1)

	report, err := s.Await(time.Second)
	require.ErrorAs(t, err, new(*RunFailedError))
	res, _ := report.Result(follower)
	var cerr *CanceledError
	require.ErrorAs(t, res.Err, &cerr)
	assert.ErrorAs(t, cerr.Cause, &terr)
}

func TestSchedulerCancellation(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	started := make(chan struct{})
	release := make(chan struct{})

	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("slow", ""), nil, func(ctx context.Context, _ *Cluster, _ *Node) error {
			close(started)
			<-release
			// Cancellation of the run does not reach running units.
			return ctx.Err()
		}),
		NewActionFunc(NewActionID("follower", ""), nil, noop, WithDependencies(After(AllOf("slow")))),
	)
	s, err := NewScheduler(cluster, []string{"follower"}, registry, 1)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	<-started
	cancel()
	close(release)

	report, err := s.Await(5 * time.Second)
	var runErr *RunFailedError
	require.ErrorAs(t, err, &runErr)
	require.Len(t, runErr.Failures, 1)
	assert.ErrorIs(t, runErr.Failures[0].Err, context.Canceled)

	res, _ := report.Result(UnitID{Action: NewActionID("slow", ""), Node: "n1"})
	assert.Equal(t, UnitSucceeded, res.State)
	res, _ = report.Result(UnitID{Action: NewActionID("follower", ""), Node: "n1"})
	assert.Equal(t, UnitCanceled, res.State)
}

func TestSchedulerCloseAbandonsRunningUnits(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	started := make(chan struct{})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("forever", ""), nil, func(ctx context.Context, _ *Cluster, _ *Node) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}),
	)
	s, err := NewScheduler(cluster, []string{"forever"}, registry, 1)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	<-started

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	trace := s.Trace()
	require.Len(t, trace, 1)
	assert.Equal(t, UnitFailed, trace[0].Status)
	assert.ErrorIs(t, trace[0].Error, context.Canceled)
}

func TestSchedulerRecoversPanics(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("panics", ""), nil, func(context.Context, *Cluster, *Node) error {
			panic("kaboom")
		}),
	)
	s, err := NewScheduler(cluster, []string{"panics"}, registry, 1)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Start(context.Background()))
	_, err = s.Await(5 * time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSchedulerStartTwice(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	registry := newTestRegistry(t, NewActionFunc(NewActionID("a", ""), nil, noop))
	s, err := NewScheduler(cluster, []string{"a"}, registry, 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Await(time.Second)
	assert.Error(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
}

func TestSchedulerDOT(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("a", ""), nil, noop),
		NewActionFunc(NewActionID("b", ""), nil, noop, WithDependencies(AfterOnNode(AllOf("a")))),
	)
	s, err := NewScheduler(cluster, []string{"b"}, registry, 1)
	require.NoError(t, err)

	dot, err := s.DOT()
	require.NoError(t, err)
	assert.Contains(t, dot, "digraph")
	assert.Contains(t, dot, "a@n1")
	assert.Contains(t, dot, "b@n1")
	assert.Contains(t, dot, "->")
}

// randomWorkload registers types a0..aN over the cluster's nodes. Every
// type depends only on lower-numbered types, so the graph is acyclic.
type randomWorkload struct {
	running    atomic.Int32
	maxRunning atomic.Int32
	perNode    map[string]*atomic.Int32
	overlaps   atomic.Int32

	mu   sync.Mutex
	runs map[UnitID]int
}

func (w *randomWorkload) run(rng *rand.Rand) RunFunc {
	delay := time.Duration(rng.IntN(1500)) * time.Microsecond
	return func(_ context.Context, _ *Cluster, node *Node) error {
		n := w.running.Add(1)
		for {
			m := w.maxRunning.Load()
			if n <= m || w.maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		if w.perNode[node.Name()].Add(1) > 1 {
			w.overlaps.Add(1)
		}
		time.Sleep(delay)
		w.perNode[node.Name()].Add(-1)
		w.running.Add(-1)
		return nil
	}
}

func TestSchedulerRandomDAGs(t *testing.T) {
	nodes := []string{"n0", "n1", "n2", "n3"}
	spec := map[string][]string{}
	for _, n := range nodes {
		spec[n] = nil
	}
	cluster := newTestCluster(t, spec)

	for seed := uint64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewPCG(seed, seed*7919))
			w := &randomWorkload{perNode: map[string]*atomic.Int32{}, runs: map[UnitID]int{}}
			for _, n := range nodes {
				w.perNode[n] = &atomic.Int32{}
			}

			numTypes := 3 + rng.IntN(10)
			var actions []Action
			for i := 0; i < numTypes; i++ {
				var applies []string
				for _, n := range nodes {
					if rng.IntN(3) > 0 {
						applies = append(applies, n)
					}
				}
				var deps []Dependency
				for j := 0; j < i; j++ {
					if rng.IntN(4) == 0 {
						deps = append(deps, Dependency{
							Target:   AllOf(fmt.Sprintf("a%d", j)),
							SameNode: rng.IntN(2) == 0,
						})
					}
				}
				id := NewActionID(fmt.Sprintf("a%d", i), "")
				inner := w.run(rng)
				actions = append(actions, NewActionFunc(id, OnNodes(applies...),
					func(ctx context.Context, c *Cluster, n *Node) error {
						w.mu.Lock()
						w.runs[UnitID{Action: id, Node: n.Name()}]++
						w.mu.Unlock()
						return inner(ctx, c, n)
					}, WithDependencies(deps...)))
			}
			registry := newTestRegistry(t, actions...)

			var targets []string
			for i := 0; i < numTypes; i++ {
				targets = append(targets, fmt.Sprintf("a%d", i))
			}
			maxConcurrent := 1 + rng.IntN(4)
			s, err := NewScheduler(cluster, targets, registry, maxConcurrent)
			require.NoError(t, err)
			defer s.Close()
			require.NoError(t, s.Start(context.Background()))
			_, err = s.Await(30 * time.Second)
			require.NoError(t, err)

			assert.LessOrEqual(t, int(w.maxRunning.Load()), maxConcurrent)
			assert.Zero(t, w.overlaps.Load())

			// Every unit ran exactly once.
			assert.Len(t, w.runs, len(s.Units()))
			for id, n := range w.runs {
				assert.Equal(t, 1, n, id.String())
			}

			// No unit started before all of its dependencies ended.
			records := map[string]ExecutionRecord{}
			for _, rec := range s.Trace() {
				records[rec.Unit.String()] = rec
			}
			g := s.Graph()
			nodesIt := g.Nodes()
			for nodesIt.Next() {
				id := nodesIt.Node().ID()
				rec := records[g.Label(id)]
				for _, pred := range g.Predecessors(id) {
					dep := records[g.Label(pred)]
					assert.False(t, rec.StartTime.Before(dep.EndTime),
						"%s started before %s ended", g.Label(id), g.Label(pred))
				}
			}
		})
	}
}

func TestRunFailedErrorListsEveryFailure(t *testing.T) {
	a := UnitID{Action: NewActionID("a", ""), Node: "n1"}
	b := UnitID{Action: NewActionID("b", "x"), Node: "n2"}
	err := &RunFailedError{Total: 4, Failures: []UnitFailure{
		{Unit: a, Err: CommandFailed([]string{"false"}, 1)},
		{Unit: b, Err: &DependencyFailedError{Unit: b, Dependency: a}},
	}}
	assert.Contains(t, err.Error(), "2 of 4 unit(s) failed")
	assert.Contains(t, err.Error(), "a@n1")
	assert.Contains(t, err.Error(), "b:x@n2")

	var depErr *DependencyFailedError
	assert.True(t, errors.As(err, &depErr))
}

func TestSchedulerCustomTargetHierarchy(t *testing.T) {
	cluster := newTestCluster(t, map[string][]string{"n1": nil})
	registry := newTestRegistry(t,
		NewActionFunc(NewActionID("backup", ""), nil, noop, WithPhases("snapshot")),
		NewActionFunc(NewActionID("alloc", ""), nil, noop, WithPhases(PhaseInit)),
	)
	h := TargetHierarchy{"nightly": {"snapshot"}}

	s, err := NewScheduler(cluster, []string{"nightly"}, registry, 1, WithTargetHierarchy(h))
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"backup@n1": true}, unitIDs(s))

	// Phases declared only by actions are targets too.
	s, err = NewScheduler(cluster, []string{"snapshot"}, registry, 1)
	require.NoError(t, err)
	assert.Len(t, s.Units(), 1)
}
