package flow

import (
	"testing"

	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitingStep(id string, ordinal int, deps ...string) *Step {
	return &Step{ID: id, Ordinal: ordinal, Role: role.Researcher, Status: StatusWaiting, DependsOn: DependsOnSet(deps)}
}

func TestAddStepRejectsUnknownDependency(t *testing.T) {
	f := New("t1")
	err := f.AddStep(waitingStep("b", 1, "a"))
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindDependencyUnsatisfied, swarmerr.KindOf(err))
}

func TestReadyStepsOnlyWaitingWithCompletedDeps(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))

	assert.Equal(t, []string{"a"}, f.ReadyStepIDs())

	require.NoError(t, f.MarkRunning("a", "inst-1"))
	assert.Empty(t, f.ReadyStepIDs(), "a running, b not ready yet")

	require.NoError(t, f.MarkCompleted("a", "done"))
	assert.Equal(t, []string{"b"}, f.ReadyStepIDs())
}

func TestMarkRunningAssertsDependenciesCompleted(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))

	err := f.MarkRunning("b", "inst-1")
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindDependencyUnsatisfied, swarmerr.KindOf(err))
}

func TestInsertStepChainPreservesAcyclicity(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))
	require.NoError(t, f.InsertStep(waitingStep("c", 2), "b"))

	order := f.TopologicalOrder()
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

// TestWouldCycleDetectsForcedCycle exercises the cycle guard directly: since
// AddStep/InsertStep only ever add dependencies on steps that already exist,
// a cycle cannot arise through the public API. This white-box test forces
// one into the internal map to verify the Kahn's-algorithm-based detector
// itself is correct.
func TestWouldCycleDetectsForcedCycle(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))

	f.mu.Lock()
	f.steps["a"].DependsOn["b"] = true
	f.orderDirty = true
	cyclic := f.wouldCycle()
	f.mu.Unlock()

	assert.True(t, cyclic)
}

func TestTopologicalOrderBreaksTiesByOrdinal(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("z", 2)))
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("m", 1)))

	assert.Equal(t, []string{"a", "m", "z"}, f.TopologicalOrder())
}

func TestMarkSkippedAndDescendants(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))
	require.NoError(t, f.AddStep(waitingStep("c", 2, "b")))

	desc := f.Descendants("a")
	assert.ElementsMatch(t, []string{"b", "c"}, desc)
}

func TestRetryResetsToWaitingAndIncrementsCounter(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.MarkRunning("a", "inst-1"))
	require.NoError(t, f.MarkFailed("a", swarmerr.New(swarmerr.KindTimeout, "timed out")))

	n, err := f.Retry("a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	s, ok := f.Get("a")
	require.True(t, ok)
	assert.Equal(t, StatusWaiting, s.Status)
}

func TestProgressTallies(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1)))
	require.NoError(t, f.MarkRunning("a", "inst-1"))
	require.NoError(t, f.MarkCompleted("a", "x"))

	p := f.Progress()
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Waiting)
	assert.InDelta(t, 50.0, p.Percentage(), 0.001)
}

func TestLevelsGroupsDiamondIntoThreeLevels(t *testing.T) {
	f := New("t1")
	require.NoError(t, f.AddStep(waitingStep("a", 0)))
	require.NoError(t, f.AddStep(waitingStep("b", 1, "a")))
	require.NoError(t, f.AddStep(waitingStep("c", 2, "a")))
	require.NoError(t, f.AddStep(waitingStep("d", 3, "b", "c")))

	levels := f.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"a"}, levels[0])
	assert.Equal(t, []string{"b", "c"}, levels[1])
	assert.Equal(t, []string{"d"}, levels[2])
}

func TestLevelsOnEmptyFlowIsEmpty(t *testing.T) {
	f := New("t1")
	assert.Empty(t, f.Levels())
}
