package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/role"
)

// This file collects the Wave Scheduler's portion of the named integration
// scenarios (S3 DAG diamond, S4 retry-on-bad-output, S6 dynamic add_step are
// covered by scheduler_test.go's TestRunDiamondProducesThreeWaves,
// TestRunRetriesOnLowQualityThenCompletes, and
// TestRunDynamicAddStepInsertsAndRunsNewStep respectively). S1/S2 require the
// Supervisor and Aggregator and are covered at the swarm facade level. S5 is
// native to the Scheduler's own cancellation handling and is covered here.

// slowRunner completes each step after a 10ms delay (steps of one wave run
// concurrently), calling onComplete whenever a step finishes, so a test can
// cancel partway through a wide wave.
type slowRunner struct {
	mu        sync.Mutex
	completed int64
	onComplete func(stepID string)
}

func (r *slowRunner) RunStep(ctx context.Context, step flow.Step) (any, error) {
	select {
	case <-time.After(10 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	n := atomic.AddInt64(&r.completed, 1)
	_ = n
	if r.onComplete != nil {
		r.onComplete(step.ID)
	}
	return "ok:" + step.ID, nil
}

// TestRunS5CancellationLeavesNoStepStuck mirrors scenario S5: a 10-step flat
// flow is cancelled after 3 steps complete. Every step must end in a
// terminal status (failed or skipped), never left in waiting/running, and
// the 3 already-completed outputs must still be present in the flow.
func TestRunS5CancellationLeavesNoStepStuck(t *testing.T) {
	f := flow.New("t-cancel")
	for i := 0; i < 10; i++ {
		require.NoError(t, f.AddStep(&flow.Step{
			ID:      string(rune('a' + i)),
			Ordinal: i,
			Role:    role.Researcher,
			Status:  flow.StatusWaiting,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	runner := &slowRunner{}
	runner.onComplete = func(stepID string) {
		if atomic.LoadInt64(&runner.completed) == 3 {
			cancel()
		}
	}

	s := New(Config{Runner: runner, MaxConcurrentAgents: 10})
	err := s.Run(ctx, "t-cancel", f, nil)
	require.Error(t, err)

	snap := f.Snapshot()
	var completedCount, terminalCount int
	for _, step := range snap.Steps {
		assert.True(t, step.Status.Terminal(), "step %s left non-terminal: %s", step.ID, step.Status)
		if step.Status.Terminal() {
			terminalCount++
		}
		if step.Status == flow.StatusCompleted {
			completedCount++
		}
	}
	assert.Equal(t, 10, terminalCount)
	assert.GreaterOrEqual(t, completedCount, 3)
}
