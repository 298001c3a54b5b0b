package flow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genChainFlow builds a linear chain of n waiting steps, each depending on
// the previous one, exercising the "dependencies must pre-exist" by
// construction discipline spec.md relies on for acyclicity.
func genChainFlow(n int) *ExecutionFlow {
	f := New("prop-task")
	var prev string
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%d", i)
		var deps []string
		if prev != "" {
			deps = []string{prev}
		}
		_ = f.AddStep(waitingStep(id, i, deps...))
		prev = id
	}
	return f
}

// TestTopologicalOrderIsAcyclicAndComplete verifies that for any chain
// length, the computed topological order visits every step exactly once and
// respects dependency precedence.
func TestTopologicalOrderIsAcyclicAndComplete(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("order length equals step count", prop.ForAll(
		func(n int) bool {
			f := genChainFlow(n)
			return len(f.TopologicalOrder()) == n
		},
		gen.IntRange(0, 30),
	))

	properties.Property("order respects dependency precedence", prop.ForAll(
		func(n int) bool {
			f := genChainFlow(n)
			order := f.TopologicalOrder()
			pos := make(map[string]int, len(order))
			for i, id := range order {
				pos[id] = i
			}
			for id, s := range f.steps {
				for dep := range s.DependsOn {
					if pos[dep] >= pos[id] {
						return false
					}
				}
			}
			return true
		},
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

// TestReadyStepsMonotoneProgress verifies that repeatedly marking the first
// ready step completed strictly shrinks the waiting set until none remain —
// a proxy for the scheduler's monotone-termination property over a single
// linear chain.
func TestReadyStepsMonotoneProgress(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("chain drains to zero ready steps in n iterations", prop.ForAll(
		func(n int) bool {
			f := genChainFlow(n)
			iterations := 0
			for {
				ready := f.ReadyStepIDs()
				if len(ready) == 0 {
					break
				}
				if len(ready) != 1 {
					return false // linear chain: at most one ready step at a time
				}
				if err := f.MarkRunning(ready[0], "inst"); err != nil {
					return false
				}
				if err := f.MarkCompleted(ready[0], "ok"); err != nil {
					return false
				}
				iterations++
				if iterations > n+1 {
					return false // would indicate non-termination
				}
			}
			return iterations == n
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
