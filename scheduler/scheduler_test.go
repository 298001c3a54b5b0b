package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/plan"
	"github.com/nimbusforge/swarm/review"
	"github.com/nimbusforge/swarm/role"
)

// fakeRunner runs steps via a caller-supplied function, tracking the
// concurrent invocation high-water mark so tests can assert the
// max_concurrent_agents bound.
type fakeRunner struct {
	mu         sync.Mutex
	inFlight   int64
	maxInFlight int64
	run        func(step flow.Step) (any, error)
}

func (r *fakeRunner) RunStep(ctx context.Context, step flow.Step) (any, error) {
	cur := atomic.AddInt64(&r.inFlight, 1)
	defer atomic.AddInt64(&r.inFlight, -1)

	r.mu.Lock()
	if cur > r.maxInFlight {
		r.maxInFlight = cur
	}
	r.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	if r.run != nil {
		return r.run(step)
	}
	return "ok:" + step.ID, nil
}

func newFlowDiamond() *flow.ExecutionFlow {
	f := flow.New("t1")
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(f.AddStep(&flow.Step{ID: "a", Ordinal: 0, Role: role.Researcher, Status: flow.StatusWaiting}))
	must(f.AddStep(&flow.Step{ID: "b", Ordinal: 1, Role: role.Writer, Status: flow.StatusWaiting, DependsOn: flow.DependsOnSet([]string{"a"})}))
	must(f.AddStep(&flow.Step{ID: "c", Ordinal: 2, Role: role.Analyst, Status: flow.StatusWaiting, DependsOn: flow.DependsOnSet([]string{"a"})}))
	must(f.AddStep(&flow.Step{ID: "d", Ordinal: 3, Role: role.Summarizer, Status: flow.StatusWaiting, DependsOn: flow.DependsOnSet([]string{"b", "c"})}))
	return f
}

// TestRunDiamondProducesThreeWaves mirrors the A -> {B,C} -> D scenario: wave
// widths must be 1, 2, 1 and every step must complete.
func TestRunDiamondProducesThreeWaves(t *testing.T) {
	f := newFlowDiamond()
	runner := &fakeRunner{}
	s := New(Config{Runner: runner, MaxConcurrentAgents: 8})

	err := s.Run(context.Background(), "t1", f, nil)
	require.NoError(t, err)

	snap := f.Snapshot()
	require.Len(t, snap.Waves, 3)
	assert.Equal(t, 1, snap.Waves[0].TaskCount)
	assert.Equal(t, 2, snap.Waves[1].TaskCount)
	assert.Equal(t, 1, snap.Waves[2].TaskCount)

	for _, id := range []string{"a", "b", "c", "d"} {
		step, ok := f.Get(id)
		require.True(t, ok)
		assert.Equal(t, flow.StatusCompleted, step.Status, "step %s", id)
	}
}

// TestRunRespectsMaxConcurrentAgents dispatches a single wide wave and checks
// the observed concurrency never exceeded the configured cap.
func TestRunRespectsMaxConcurrentAgents(t *testing.T) {
	f := flow.New("t2")
	for i := 0; i < 6; i++ {
		require.NoError(t, f.AddStep(&flow.Step{ID: string(rune('a' + i)), Ordinal: i, Role: role.Researcher, Status: flow.StatusWaiting}))
	}
	runner := &fakeRunner{}
	s := New(Config{Runner: runner, MaxConcurrentAgents: 2})

	err := s.Run(context.Background(), "t2", f, nil)
	require.NoError(t, err)

	assert.LessOrEqual(t, runner.maxInFlight, int64(2))
	assert.GreaterOrEqual(t, runner.maxInFlight, int64(1))
}

// retryThenSucceedJudge fails the first score for a given step and accepts
// the second, exercising the Reviewer's retry-then-continue path.
type retryThenSucceedJudge struct {
	mu    sync.Mutex
	seen  map[string]int
}

func (j *retryThenSucceedJudge) Score(ctx context.Context, step flow.Step, output string, stepErr error) (review.QualityReport, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.seen == nil {
		j.seen = make(map[string]int)
	}
	j.seen[step.ID]++
	if j.seen[step.ID] == 1 {
		return review.QualityReport{Score: 0.1, Decision: review.DecisionContinue, Rationale: "too short"}, nil
	}
	return review.QualityReport{Score: 0.95, Decision: review.DecisionContinue}, nil
}

// TestRunRetriesOnLowQualityThenCompletes mirrors scenario S4: a step whose
// first attempt scores below threshold is retried once (bounded by
// max_retry_on_failure) and then accepted.
func TestRunRetriesOnLowQualityThenCompletes(t *testing.T) {
	f := flow.New("t3")
	require.NoError(t, f.AddStep(&flow.Step{ID: "x", Ordinal: 0, Role: role.Writer, Status: flow.StatusWaiting}))

	runner := &fakeRunner{}
	judge := &retryThenSucceedJudge{}
	reviewer := review.New(judge, review.Policy{EnableQualityGates: true, QualityThreshold: 0.7, MaxRetryOnFailure: 2, Timeout: time.Second})

	s := New(Config{Runner: runner, Reviewer: reviewer, Catalog: role.DefaultCatalog(), MaxConcurrentAgents: 4, MaxRetryOnFailure: 2})

	err := s.Run(context.Background(), "t3", f, nil)
	require.NoError(t, err)

	step, ok := f.Get("x")
	require.True(t, ok)
	assert.Equal(t, flow.StatusCompleted, step.Status)
	assert.Equal(t, 1, step.RetryCount)
}

// addStepJudge proposes a new step Y depending on the first step it reviews,
// exercising the Reviewer's add_step decision and the Scheduler's
// applyAddStep wiring.
type addStepJudge struct {
	fired bool
}

func (j *addStepJudge) Score(ctx context.Context, step flow.Step, output string, stepErr error) (review.QualityReport, error) {
	if j.fired || step.ID != "x" {
		return review.QualityReport{Score: 0.95, Decision: review.DecisionContinue}, nil
	}
	j.fired = true
	return review.QualityReport{
		Score:    0.95,
		Decision: review.DecisionAddStep,
		NewSteps: []plan.StepDef{
			{ID: "y", Ordinal: 1, Name: "follow-up", Role: role.Writer, DependsOn: []string{"x"}},
		},
	}, nil
}

func TestRunDynamicAddStepInsertsAndRunsNewStep(t *testing.T) {
	f := flow.New("t4")
	require.NoError(t, f.AddStep(&flow.Step{ID: "x", Ordinal: 0, Role: role.Writer, Status: flow.StatusWaiting}))

	runner := &fakeRunner{}
	reviewer := review.New(&addStepJudge{}, review.DefaultPolicy())
	s := New(Config{Runner: runner, Reviewer: reviewer, Catalog: role.DefaultCatalog(), MaxConcurrentAgents: 4})

	err := s.Run(context.Background(), "t4", f, nil)
	require.NoError(t, err)

	y, ok := f.Get("y")
	require.True(t, ok, "inserted step y should exist")
	assert.Equal(t, flow.StatusCompleted, y.Status)
}

// TestRunSkipNextMarksDescendantsSkipped exercises a critical-role retry
// exhaustion coercing into skip_next over the step's descendants.
func TestRunSkipNextMarksDescendantsSkipped(t *testing.T) {
	f := flow.New("t5")
	require.NoError(t, f.AddStep(&flow.Step{ID: "code", Ordinal: 0, Role: role.Coder, Status: flow.StatusWaiting}))
	require.NoError(t, f.AddStep(&flow.Step{ID: "after", Ordinal: 1, Role: role.Writer, Status: flow.StatusWaiting, DependsOn: flow.DependsOnSet([]string{"code"})}))

	runner := &fakeRunner{}
	judge := fixedScoreJudge{report: review.QualityReport{Score: 0.1, Decision: review.DecisionContinue}}
	policy := review.DefaultPolicy()
	policy.MaxRetryOnFailure = 0
	reviewer := review.New(judge, policy)

	s := New(Config{Runner: runner, Reviewer: reviewer, Catalog: role.DefaultCatalog(), MaxConcurrentAgents: 4, MaxRetryOnFailure: 0})

	err := s.Run(context.Background(), "t5", f, nil)
	require.NoError(t, err)

	after, ok := f.Get("after")
	require.True(t, ok)
	assert.Equal(t, flow.StatusSkipped, after.Status)
}

type fixedScoreJudge struct {
	report review.QualityReport
}

func (j fixedScoreJudge) Score(ctx context.Context, step flow.Step, output string, stepErr error) (review.QualityReport, error) {
	return j.report, nil
}

// TestRunFixedLevelsIgnoresReviewerMutation confirms ModeFixedLevels runs the
// wave plan as given and does not consult the reviewer for mutation.
func TestRunFixedLevelsIgnoresReviewerMutation(t *testing.T) {
	f := newFlowDiamond()
	runner := &fakeRunner{}
	reviewer := review.New(&addStepJudge{}, review.DefaultPolicy())
	s := New(Config{Runner: runner, Reviewer: reviewer, Mode: ModeFixedLevels, MaxConcurrentAgents: 4})

	levels := [][]string{{"a"}, {"b", "c"}, {"d"}}
	err := s.Run(context.Background(), "t1", f, levels)
	require.NoError(t, err)

	_, ok := f.Get("y")
	assert.False(t, ok, "fixed_levels mode must not apply add_step mutations")

	snap := f.Snapshot()
	require.Len(t, snap.Waves, 3)
}

// TestRunEmitsFlowUpdatedPerWave exercises the Events wiring end to end.
func TestRunEmitsFlowUpdatedPerWave(t *testing.T) {
	f := newFlowDiamond()
	bus := eventbus.New(0)
	var count int64
	sub := eventbus.SubscriberFunc(func(ctx context.Context, evt eventbus.Event) error {
		if evt.Type == eventbus.ExecutionFlowUpdated {
			atomic.AddInt64(&count, 1)
		}
		return nil
	})
	_, err := bus.Register(context.Background(), sub)
	require.NoError(t, err)

	runner := &fakeRunner{}
	s := New(Config{Runner: runner, Events: bus, MaxConcurrentAgents: 4})

	require.NoError(t, s.Run(context.Background(), "t1", f, nil))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) == 3
	}, time.Second, 5*time.Millisecond)
}

// fakeMirror records every snapshot it is asked to mirror, for asserting the
// per-wave cadence of the optional observability sync.
type fakeMirror struct {
	mu    sync.Mutex
	calls []flow.Snapshot
}

func (m *fakeMirror) UpsertSnapshot(ctx context.Context, snap flow.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, snap)
	return nil
}

func (m *fakeMirror) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// TestRunMirrorsSnapshotAfterEveryWave exercises the optional
// store/mongosnapshot-shaped SnapshotMirror hook: it must be called exactly
// once per wave, after that wave's steps have completed.
func TestRunMirrorsSnapshotAfterEveryWave(t *testing.T) {
	f := newFlowDiamond()
	mirror := &fakeMirror{}
	runner := &fakeRunner{}
	s := New(Config{Runner: runner, Mirror: mirror, MaxConcurrentAgents: 4})

	require.NoError(t, s.Run(context.Background(), "t1", f, nil))

	require.Equal(t, 3, mirror.count())
}

// TestRunToleratesMirrorFailure ensures a failing mirror never fails the task.
func TestRunToleratesMirrorFailure(t *testing.T) {
	f := newFlowDiamond()
	runner := &fakeRunner{}
	s := New(Config{Runner: runner, Mirror: failingMirror{}, MaxConcurrentAgents: 4})

	err := s.Run(context.Background(), "t1", f, nil)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c", "d"} {
		step, ok := f.Get(id)
		require.True(t, ok)
		assert.Equal(t, flow.StatusCompleted, step.Status, "step %s", id)
	}
}

type failingMirror struct{}

func (failingMirror) UpsertSnapshot(ctx context.Context, snap flow.Snapshot) error {
	return assert.AnError
}
