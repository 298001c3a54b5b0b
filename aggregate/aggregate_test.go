package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/task"
)

func completedStep(id string, r role.Role, output any, completedAt time.Time, deps ...string) *flow.Step {
	return &flow.Step{
		ID:          id,
		Name:        id,
		Role:        r,
		Status:      flow.StatusCompleted,
		Output:      output,
		CompletedAt: &completedAt,
		DependsOn:   flow.DependsOnSet(deps),
	}
}

func newFlowWithSteps(steps ...*flow.Step) *flow.ExecutionFlow {
	f := flow.New("t1")
	for _, s := range steps {
		waiting := *s
		waiting.Status = flow.StatusWaiting
		waiting.Output = nil
		waiting.CompletedAt = nil
		if err := f.AddStep(&waiting); err != nil {
			panic(err)
		}
	}
	for _, s := range steps {
		if err := f.MarkCompleted(s.ID, s.Output); err != nil {
			panic(err)
		}
	}
	return f
}

func TestAggregateConcatenatesTextTerminalSteps(t *testing.T) {
	now := time.Now()
	f := newFlowWithSteps(
		completedStep("s1", role.Researcher, "the research says X", now),
		completedStep("s2", role.Writer, "the final report body", now.Add(time.Second)),
	)
	a := New(nil)
	art := a.Aggregate("t1", f, task.OutputReport)

	assert.Equal(t, task.OutputReport, art.Type)
	assert.Contains(t, art.Content, "the research says X")
	assert.Contains(t, art.Content, "the final report body")
}

func TestAggregateInfersCodeTypeFromMajorityCoderRole(t *testing.T) {
	now := time.Now()
	f := newFlowWithSteps(
		completedStep("s1", role.Coder, map[string]any{"path": "main.go", "content": "package main"}, now),
		completedStep("s2", role.Coder, map[string]any{"path": "util.go", "content": "package main"}, now.Add(time.Second)),
	)
	a := New(nil)
	art := a.Aggregate("t1", f, task.OutputAuto)

	assert.Equal(t, task.OutputCode, art.Type)
	require.Len(t, art.Files, 2)
	assert.Equal(t, "package main", art.Files["main.go"])
}

func TestAggregateCompositeBundlesSubtypes(t *testing.T) {
	now := time.Now()
	f := newFlowWithSteps(
		completedStep("s1", role.Coder, map[string]any{"path": "main.go", "content": "package main"}, now),
		completedStep("s2", role.Writer, "usage instructions", now.Add(time.Second)),
	)
	a := New(nil)
	art := a.Aggregate("t1", f, task.OutputComposite)

	require.Equal(t, task.OutputComposite, art.Type)
	require.Contains(t, art.Subtypes, task.OutputCode)
	require.Contains(t, art.Subtypes, task.OutputReport)
	assert.Equal(t, "package main", art.Subtypes[task.OutputCode].Files["main.go"])
	assert.Contains(t, art.Subtypes[task.OutputReport].Content, "usage instructions")
}

func TestAggregateOnlyIncludesTerminalSteps(t *testing.T) {
	f := flow.New("t1")
	require.NoError(t, f.AddStep(&flow.Step{ID: "s1", Role: role.Researcher, Status: flow.StatusWaiting}))
	require.NoError(t, f.AddStep(&flow.Step{ID: "s2", Role: role.Writer, Status: flow.StatusWaiting, DependsOn: flow.DependsOnSet([]string{"s1"})}))
	require.NoError(t, f.MarkCompleted("s1", "intermediate research"))
	require.NoError(t, f.MarkCompleted("s2", "final report"))

	a := New(nil)
	art := a.Aggregate("t1", f, task.OutputReport)

	assert.NotContains(t, art.Content, "intermediate research")
	assert.Contains(t, art.Content, "final report")
}

func TestAggregateDropsDuplicateKeepingLaterStep(t *testing.T) {
	now := time.Now()
	same := "the quick brown fox jumps over the lazy dog in the park today"
	f := newFlowWithSteps(
		completedStep("s1", role.Writer, same, now),
		completedStep("s2", role.Writer, same, now.Add(time.Second)),
	)
	bus := eventbus.New(10)
	var warnings []eventbus.Event
	_, err := bus.Register(context.Background(), eventbus.SubscriberFunc(func(ctx context.Context, evt eventbus.Event) error {
		if evt.Type == eventbus.TaskLog {
			warnings = append(warnings, evt)
		}
		return nil
	}))
	require.NoError(t, err)

	a := New(bus)
	art := a.Aggregate("t1", f, task.OutputReport)

	assert.Equal(t, 1, countOccurrences(art.Content, same))
	require.Eventually(t, func() bool { return len(warnings) == 1 }, time.Second, 5*time.Millisecond)
}

func countOccurrences(haystack, needle string) int {
	count := 0
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			count++
			i += len(needle) - 1
		}
	}
	return count
}
