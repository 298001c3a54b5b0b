// Package scheduler implements the Wave-based DAG Scheduler: it topologically
// partitions an ExecutionFlow into waves, dispatches each wave's Sub-Agents
// with bounded concurrency and a shared tool-call budget, consults the
// Quality-Gate Reviewer after each step, and applies the reviewer's dynamic
// flow mutations before selecting the next wave.
//
// Grounded on the ticket/semaphore concurrency style of
// runtime/agent/engine/inmem (bounded in-process execution) and the
// snapshot-then-mutate discipline of runtime/agent/hooks.Bus, generalized
// here from a single-workflow activity dispatcher to wave-barrier DAG
// scheduling since this module has no durable workflow engine to lean on.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/review"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/nimbusforge/swarm/telemetry"
)

// Mode selects between the canonical Wave Scheduler and the fixed-level
// legacy variant (spec.md's "team" vs "scheduler" execution modes).
type Mode string

const (
	// ModeWave is the canonical mode: waves are recomputed every iteration
	// from ready_steps(), so dynamic mutation (add_step/retry/skip_next)
	// can change later waves.
	ModeWave Mode = "wave"
	// ModeFixedLevels computes wave membership once from the initial
	// topological levels and disallows mid-flow mutation; the reviewer is
	// not consulted, so no add_step/retry/skip_next decision is applied.
	ModeFixedLevels Mode = "fixed_levels"
)

// Defaults mirror spec.md §6's configuration table.
const (
	DefaultParallelismCap     = 100
	DefaultMaxConcurrentAgents = 8
	DefaultMaxToolCalls       = 500
	DefaultAgentTimeout       = 300 * time.Second
	DefaultExecutionTimeout   = 3600 * time.Second
)

// StepRunner executes one step and reports its output or error. Implemented
// by an adapter over subagent.Runner; kept as a narrow interface here so the
// scheduler does not need to depend on model/tool wiring concerns directly.
type StepRunner interface {
	RunStep(ctx context.Context, step flow.Step) (output any, err error)
}

// Catalog resolves a step's role to its static Template, for Critical-role
// lookups during retry-exhaustion coercion.
type Catalog interface {
	Lookup(r role.Role) (role.Template, bool)
}

// ToolBudget is the read-only view of the shared per-task ceiling on tool
// invocations that Sub-Agents spend. Config carries no budget; the budget
// travels with the StepRunner, and nothing in this package reads it.
type ToolBudget interface {
	Remaining() int64
}

// SnapshotMirror mirrors a flow snapshot to an external observability store
// after every wave. Optional: a nil Config.Mirror skips mirroring entirely.
// Implemented by store/mongosnapshot; this is read-only observability, not
// the durable resumption the engine's Non-goals exclude.
type SnapshotMirror interface {
	UpsertSnapshot(ctx context.Context, snap flow.Snapshot) error
}

// Config wires a Scheduler to its collaborators and resource limits.
type Config struct {
	Runner   StepRunner
	Reviewer *review.Reviewer
	Catalog  Catalog
	Events   *eventbus.Bus
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
	Mirror   SnapshotMirror

	Mode                Mode
	ParallelismCap      int
	MaxConcurrentAgents int
	AgentTimeout        time.Duration
	ExecutionTimeout    time.Duration
	MaxRetryOnFailure   int
}

func (c *Config) fillDefaults() {
	if c.Mode == "" {
		c.Mode = ModeWave
	}
	if c.ParallelismCap <= 0 {
		c.ParallelismCap = DefaultParallelismCap
	}
	if c.MaxConcurrentAgents <= 0 {
		c.MaxConcurrentAgents = DefaultMaxConcurrentAgents
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = DefaultAgentTimeout
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.MaxRetryOnFailure <= 0 {
		c.MaxRetryOnFailure = 2
	}
	if c.Logger == nil {
		c.Logger = telemetry.Noop().Logger
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.Noop().Metrics
	}
}

// Scheduler drives one task's ExecutionFlow to completion.
type Scheduler struct {
	cfg Config
	sem chan struct{} // max_concurrent_agents ticket pool
}

// New constructs a Scheduler, filling unset Config fields with spec.md
// defaults.
func New(cfg Config) *Scheduler {
	cfg.fillDefaults()
	return &Scheduler{cfg: cfg, sem: make(chan struct{}, cfg.MaxConcurrentAgents)}
}

// Run executes f to completion: repeatedly selecting a wave of ready steps,
// dispatching them with bounded concurrency, awaiting the wave barrier, and
// consulting the reviewer before the next iteration. Returns once no step is
// ready or running (the flow is exhausted) or ctx is cancelled/times out.
func (s *Scheduler) Run(ctx context.Context, taskID string, f *flow.ExecutionFlow, fixedLevels [][]string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ExecutionTimeout)
	defer cancel()

	waveNumber := 0
	levelIdx := 0

	for {
		if err := ctx.Err(); err != nil {
			kind := swarmerr.KindTimeout
			if errors.Is(err, context.Canceled) {
				kind = swarmerr.KindCancelled
			}
			wrapped := swarmerr.Wrap(kind, "task execution stopped before completion", err)
			s.cancelRemaining(f, wrapped)
			return wrapped
		}

		var waveIDs []string
		if s.cfg.Mode == ModeFixedLevels {
			if levelIdx >= len(fixedLevels) {
				break
			}
			waveIDs = fixedLevels[levelIdx]
			levelIdx++
		} else {
			ready := f.ReadyStepIDs()
			if len(ready) == 0 {
				// No step is ready and dispatchWave only returns after its
				// barrier, so nothing can still be running either: the
				// flow is exhausted.
				break
			}
			if len(ready) > s.cfg.ParallelismCap {
				ready = ready[:s.cfg.ParallelismCap]
			}
			waveIDs = ready
		}
		if len(waveIDs) == 0 {
			break
		}

		waveNumber++
		stats := flow.WaveStats{WaveNumber: waveNumber, TaskCount: len(waveIDs), Parallelism: min(len(waveIDs), s.cfg.MaxConcurrentAgents), StartedAt: time.Now()}
		s.dispatchWave(ctx, taskID, f, waveIDs, &stats)
		stats.EndedAt = time.Now()
		f.RecordWave(stats)
		s.emitFlowUpdated(taskID, f)
		s.mirrorSnapshot(ctx, taskID, f)
	}

	return nil
}

// cancelRemaining marks every step not already in a terminal status as
// failed with cause, so a cancelled or timed-out task never leaves a step
// stuck in waiting/blocked/running (spec.md's S5: "remaining statuses are
// failed(cancelled) or skipped").
func (s *Scheduler) cancelRemaining(f *flow.ExecutionFlow, cause error) {
	snap := f.Snapshot()
	for id, step := range snap.Steps {
		if step.Status.Terminal() {
			continue
		}
		_ = f.MarkFailed(id, cause)
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// dispatchWave runs every step in waveIDs concurrently (bounded by the
// max_concurrent_agents semaphore), blocking until all have reached a
// terminal status and been reviewed (the wave barrier).
func (s *Scheduler) dispatchWave(ctx context.Context, taskID string, f *flow.ExecutionFlow, waveIDs []string, stats *flow.WaveStats) {
	var wg sync.WaitGroup
	var completed, failed int64

	for _, id := range waveIDs {
		step, ok := f.Get(id)
		if !ok {
			continue
		}
		if err := f.MarkRunning(id, ""); err != nil {
			continue
		}

		wg.Add(1)
		go func(step flow.Step) {
			defer wg.Done()

			select {
			case s.sem <- struct{}{}:
			case <-ctx.Done():
				_ = f.MarkFailed(step.ID, swarmerr.Wrap(swarmerr.KindCancelled, "task cancelled before step started", ctx.Err()))
				atomic.AddInt64(&failed, 1)
				s.emitStepStatus(taskID, step.ID)
				return
			}
			defer func() { <-s.sem }()

			stepCtx, cancel := context.WithTimeout(ctx, s.cfg.AgentTimeout)
			defer cancel()

			output, runErr := s.cfg.Runner.RunStep(stepCtx, step)
			if runErr != nil {
				_ = f.MarkFailed(step.ID, runErr)
				atomic.AddInt64(&failed, 1)
			} else {
				_ = f.MarkCompleted(step.ID, output)
				atomic.AddInt64(&completed, 1)
			}
			s.emitStepStatus(taskID, step.ID)

			s.review(ctx, taskID, f, step.ID)
		}(step)
	}

	wg.Wait()
	stats.Completed = int(atomic.LoadInt64(&completed))
	stats.Failed = int(atomic.LoadInt64(&failed))
}

// review consults the Quality-Gate Reviewer for the now-terminal step id and
// applies its coerced decision to f.
func (s *Scheduler) review(ctx context.Context, taskID string, f *flow.ExecutionFlow, id string) {
	if s.cfg.Reviewer == nil || s.cfg.Mode == ModeFixedLevels {
		return
	}
	step, ok := f.Get(id)
	if !ok {
		return
	}

	critical := false
	if s.cfg.Catalog != nil {
		if tmpl, ok := s.cfg.Catalog.Lookup(step.Role); ok {
			critical = tmpl.Critical
		}
	}

	report, err := s.cfg.Reviewer.Review(ctx, step, critical)
	if err != nil {
		s.cfg.Logger.Warn(ctx, "reviewer failed, leaving step as-is", "step", id, "error", err.Error())
		return
	}

	switch report.Decision {
	case review.DecisionContinue:
		if step.Status == flow.StatusFailed {
			// Best-effort coercion: unblock descendants even though the
			// step itself failed or exhausted its retry budget.
			_ = f.MarkCompleted(step.ID, step.Output)
			s.emitTaskLog(taskID, "step "+id+" accepted best-effort after retry exhaustion: "+report.Rationale)
		}
	case review.DecisionRetry:
		if step.RetryCount < s.cfg.MaxRetryOnFailure {
			if _, err := f.Retry(step.ID); err != nil {
				s.cfg.Logger.Warn(ctx, "retry rejected", "step", id, "error", err.Error())
			}
		}
	case review.DecisionSkipNext:
		for _, descendant := range f.Descendants(step.ID) {
			_ = f.MarkSkipped(descendant)
		}
	case review.DecisionAddStep:
		s.applyAddStep(f, step.ID, report)
	}
}

// applyAddStep inserts every proposed new step after step.ID, validating
// each against acyclicity via ExecutionFlow.InsertStep; a step failing
// validation is dropped with a warning rather than aborting the rest.
func (s *Scheduler) applyAddStep(f *flow.ExecutionFlow, afterStepID string, report review.QualityReport) {
	for _, def := range report.NewSteps {
		newStep := &flow.Step{
			ID:             def.ID,
			Ordinal:        def.Ordinal,
			Name:           def.Name,
			Description:    def.Description,
			Role:           def.Role,
			ExpectedOutput: def.ExpectedOutput,
			DependsOn:      flow.DependsOnSet(def.DependsOn),
			Status:         flow.StatusWaiting,
			Input:          def.Input,
		}
		if err := f.InsertStep(newStep, afterStepID); err != nil {
			s.cfg.Logger.Warn(context.Background(), "add_step rejected", "step", def.ID, "error", err.Error())
		}
	}
}

func (s *Scheduler) emitStepStatus(taskID, stepID string) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Publish(eventbus.Event{Type: eventbus.StepStatusChanged, TaskID: taskID, Payload: map[string]any{"step_id": stepID}})
}

func (s *Scheduler) emitFlowUpdated(taskID string, f *flow.ExecutionFlow) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Publish(eventbus.Event{Type: eventbus.ExecutionFlowUpdated, TaskID: taskID, Payload: f.Snapshot()})
}

// mirrorSnapshot best-effort mirrors f's current snapshot to the configured
// observability store. A mirror failure is logged, never fatal to the task.
func (s *Scheduler) mirrorSnapshot(ctx context.Context, taskID string, f *flow.ExecutionFlow) {
	if s.cfg.Mirror == nil {
		return
	}
	if err := s.cfg.Mirror.UpsertSnapshot(ctx, f.Snapshot()); err != nil {
		s.cfg.Logger.Warn(ctx, "snapshot mirror failed", "task_id", taskID, "error", err.Error())
	}
}

func (s *Scheduler) emitTaskLog(taskID, message string) {
	if s.cfg.Events == nil {
		return
	}
	s.cfg.Events.Publish(eventbus.Event{Type: eventbus.TaskLog, TaskID: taskID, Payload: message})
}
