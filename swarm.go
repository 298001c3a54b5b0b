// Package swarm is the root library facade over the orchestration engine:
// Submit/Execute/ExecuteTask/Cancel/Progress/Flow/Subscribe/RegisterTool/
// UnregisterTool/ListTools/SetExecutionMode/Shutdown (spec.md §6), wiring
// the Supervisor, Wave Scheduler, Quality-Gate Reviewer, Result Aggregator,
// Event Bus, Tool Registry, and the Model Gateway/Sandbox Gateway
// boundaries into one per-task lifecycle.
//
// Grounded on runtime/runtime.go's Runtime type: a thread-safe central
// registry constructed once via New(Options) and used concurrently to
// register tools and run tasks. Where the teacher's Runtime drives
// Temporal-backed workflow clients keyed by agent identity, Swarm drives
// in-process goroutines keyed by task id, since this module's engine has
// no durable workflow backend (see DESIGN.md).
package swarm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusforge/swarm/aggregate"
	"github.com/nimbusforge/swarm/config"
	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/plan"
	"github.com/nimbusforge/swarm/review"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/sandboxgw"
	"github.com/nimbusforge/swarm/scheduler"
	"github.com/nimbusforge/swarm/store"
	"github.com/nimbusforge/swarm/subagent"
	"github.com/nimbusforge/swarm/supervisor"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/nimbusforge/swarm/task"
	"github.com/nimbusforge/swarm/telemetry"
	"github.com/nimbusforge/swarm/toolregistry"
)

// Options configures a new Swarm.
type Options struct {
	// Client is the provider Client the Model Gateway wraps. Required.
	Client modelgateway.Client
	// Capabilities resolves a model id's native tool support; nil assumes
	// neither native web-search nor code-execution (both fallback tools
	// are always injected).
	Capabilities modelgateway.CapabilityLookup
	// Summarizer enables long-text chunk-summarisation in the gateway; nil
	// disables it regardless of Config.EnableLongTextProcessing.
	Summarizer modelgateway.Summarizer
	// Sandbox is the Sandbox Gateway boundary backing the sandbox_browser
	// and sandbox_code_interpreter fallback tools. Optional: nil registers
	// neither fallback tool.
	Sandbox sandboxgw.Client
	// Catalog overrides the default closed role catalog. Optional.
	Catalog *role.Catalog
	// Config holds the recognised configuration keys (spec.md §6). The
	// zero value is replaced with config.Defaults().
	Config config.Config
	// Mirror optionally mirrors ExecutionFlow snapshots to an external
	// observability store after every wave (store/mongosnapshot.Client
	// satisfies this). Optional.
	Mirror scheduler.SnapshotMirror
	// RecoveryPath, if set, is where the unclean-shutdown recovery file is
	// read on startup and written on Shutdown if the Sandbox Gateway
	// cannot cleanly release its instances.
	RecoveryPath string
	Logger       telemetry.Logger
	Metrics      telemetry.Metrics
}

// Result is the final deliverable of a completed task.
type Result struct {
	TaskID   string
	Plan     plan.TaskPlan
	Artifact aggregate.Artifact
}

// SubmitOptions configures one task's submission.
type SubmitOptions struct {
	OutputType task.OutputType
	Labels     map[string]string
	Metadata   map[string]any
}

// taskHandle tracks one task's in-flight state for Cancel/Progress/Flow/Await.
type taskHandle struct {
	mu       sync.Mutex
	task     *task.Task
	flow     *flow.ExecutionFlow
	cancel   context.CancelFunc
	done     chan struct{}
	result   Result
	resultErr error
}

// Swarm is the root engine facade. Construct with New; safe for concurrent
// use.
type Swarm struct {
	cfg Options

	gateway        *modelgateway.Gateway
	tools          *toolregistry.Registry
	events         *eventbus.Bus
	catalog        *role.Catalog
	instances      *role.InstanceRegistry
	supervisor     *supervisor.Supervisor
	reviewer       *review.Reviewer
	aggregator     *aggregate.Aggregator
	subagentRunner *subagent.Runner

	sandbox      sandboxgw.Client
	mirror       scheduler.SnapshotMirror
	recoveryPath string
	logger       telemetry.Logger
	metrics      telemetry.Metrics

	modeMu   sync.RWMutex
	execMode scheduler.Mode

	mu    sync.RWMutex
	tasks map[string]*taskHandle
}

// New constructs a Swarm, wiring every collaborator from opts. The default
// execution mode is "team" (the canonical Wave Scheduler; see DESIGN.md's
// Open Question decision on team vs scheduler mode).
func New(opts Options) *Swarm {
	if opts.Catalog == nil {
		opts.Catalog = role.DefaultCatalog()
	}
	bundle := telemetry.Noop()
	if opts.Logger == nil {
		opts.Logger = bundle.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = bundle.Metrics
	}
	if opts.Config == (config.Config{}) {
		opts.Config = config.Defaults()
	}

	gateway := modelgateway.New(opts.Client, opts.Capabilities, opts.Summarizer)
	gateway.LongTextEnabled = opts.Config.EnableLongTextProcessing

	tools := toolregistry.New()
	if opts.Sandbox != nil {
		_ = toolregistry.RegisterSandboxFallbacks(tools, opts.Sandbox)
	}

	events := eventbus.New(0)

	supervisorModel := preferredModel(opts.Catalog, role.Supervisor, "claude-opus")
	judgeModel := preferredModel(opts.Catalog, role.QualityChecker, "claude-sonnet")

	sup := supervisor.New(supervisor.Config{
		Client:              gateway,
		Tools:               tools,
		Catalog:             opts.Catalog,
		Events:              events,
		Logger:              opts.Logger,
		Metrics:             opts.Metrics,
		Model:               supervisorModel,
		MaxIterations:       opts.Config.Supervisor.MaxReactIterations,
		ComplexityThreshold: opts.Config.ComplexityThreshold,
	})

	judge := review.NewModelJudge(gateway, judgeModel)
	reviewer := review.New(judge, review.Policy{
		EnableQualityGates: opts.Config.Supervisor.EnableQualityGates,
		QualityThreshold:   opts.Config.Supervisor.QualityThreshold,
		MaxRetryOnFailure:  opts.Config.Supervisor.MaxRetryOnFailure,
		Timeout:            30 * time.Second,
	})

	sw := &Swarm{
		cfg:        opts,
		gateway:    gateway,
		tools:      tools,
		events:     events,
		catalog:    opts.Catalog,
		instances:  role.NewInstanceRegistry(),
		supervisor: sup,
		reviewer:   reviewer,
		aggregator: aggregate.New(events),
		subagentRunner: subagent.New(subagent.Config{
			Client:  gateway,
			Tools:   tools,
			Events:  events,
			Logger:  opts.Logger,
			Metrics: opts.Metrics,
		}),
		sandbox:      opts.Sandbox,
		mirror:       opts.Mirror,
		recoveryPath: opts.RecoveryPath,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		execMode:     scheduler.ModeWave,
		tasks:        make(map[string]*taskHandle),
	}

	sw.reclaimRecoveryFile()
	return sw
}

func preferredModel(catalog *role.Catalog, r role.Role, fallback string) string {
	if tmpl, ok := catalog.Lookup(r); ok && tmpl.PreferredModel != "" {
		return tmpl.PreferredModel
	}
	return fallback
}

// reclaimRecoveryFile logs and clears a stale recovery file left by an
// unclean prior shutdown. Actually reclaiming the listed sandbox instances
// is the operator's responsibility (the Sandbox Gateway boundary exposes no
// generic "release by id" call); this only prevents the file from being
// mistaken for a still-open recovery state on the next restart.
func (s *Swarm) reclaimRecoveryFile() {
	if s.recoveryPath == "" {
		return
	}
	rf, ok, err := store.ReadRecoveryFile(s.recoveryPath)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to read recovery file", "path", s.recoveryPath, "error", err.Error())
		return
	}
	if !ok {
		return
	}
	s.logger.Warn(context.Background(), "found recovery file from unclean shutdown",
		"path", s.recoveryPath, "open_instances", len(rf.OpenInstances), "written_at", rf.WrittenAt)
	_ = store.RemoveRecoveryFile(s.recoveryPath)
}

// Submit enqueues content for planning and execution, returning its task id
// immediately. The task runs to completion on a background goroutine scoped
// to its own cancellable context, independent of ctx's lifetime; use Cancel
// to stop it early and Await (or Progress/Flow) to observe it.
func (s *Swarm) Submit(ctx context.Context, content string, opts SubmitOptions) (string, error) {
	t := task.New(uuid.NewString(), content, opts.OutputType, time.Now())
	for k, v := range opts.Labels {
		t.Labels[k] = v
	}
	for k, v := range opts.Metadata {
		t.Metadata[k] = v
	}

	h := s.ensureHandle(t)
	taskCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	go func() {
		defer close(h.done)
		tp, err := s.supervisor.Plan(taskCtx, t.ID, t.Content)
		if err != nil {
			h.mu.Lock()
			h.resultErr = err
			h.mu.Unlock()
			s.emitTaskUpdated(t.ID, task.StatusFailed)
			return
		}
		result, runErr := s.runPlan(taskCtx, t, tp, h)
		h.mu.Lock()
		h.result, h.resultErr = result, runErr
		h.mu.Unlock()
	}()

	return t.ID, nil
}

// Execute is the convenience form of Submit followed by Await.
func (s *Swarm) Execute(ctx context.Context, content string, opts SubmitOptions) (Result, error) {
	taskID, err := s.Submit(ctx, content, opts)
	if err != nil {
		return Result{}, err
	}
	return s.Await(ctx, taskID)
}

// ExecuteTask runs a pre-built task against an already-produced plan,
// bypassing the Supervisor's own planning call, and blocks until it
// completes or ctx is done.
func (s *Swarm) ExecuteTask(ctx context.Context, t *task.Task, tp plan.TaskPlan) (Result, error) {
	h := s.ensureHandle(t)
	result, err := s.runPlan(ctx, t, tp, h)
	h.mu.Lock()
	h.result, h.resultErr = result, err
	h.mu.Unlock()
	close(h.done)
	return result, err
}

// Await blocks until taskID reaches a terminal state or ctx is done.
func (s *Swarm) Await(ctx context.Context, taskID string) (Result, error) {
	h, ok := s.handle(taskID)
	if !ok {
		return Result{}, swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown task %s", taskID)
	}
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.resultErr
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// runPlan drives one task's execution from an already-produced TaskPlan:
// the simple_direct short-circuit, or building an ExecutionFlow and handing
// it to a fresh per-task Scheduler.
func (s *Swarm) runPlan(ctx context.Context, t *task.Task, tp plan.TaskPlan, h *taskHandle) (Result, error) {
	taskID := t.ID
	s.emitTaskUpdated(taskID, task.StatusPlanning)

	if tp.SimpleDirect {
		s.emitTaskUpdated(taskID, task.StatusCompleted)
		s.events.Publish(eventbus.Event{Type: eventbus.TaskCompleted, TaskID: taskID})
		return Result{
			TaskID: taskID,
			Plan:   tp,
			Artifact: aggregate.Artifact{
				Type:    task.OutputReport,
				Content: tp.DirectAnswer,
			},
		}, nil
	}

	f := flow.New(taskID)
	for _, def := range tp.Steps {
		step := &flow.Step{
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
		if err := f.AddStep(step); err != nil {
			s.emitTaskUpdated(taskID, task.StatusFailed)
			return Result{TaskID: taskID, Plan: tp}, err
		}
	}

	h.mu.Lock()
	h.flow = f
	h.mu.Unlock()
	s.emitTaskUpdated(taskID, task.StatusRunning)

	mode := s.ExecutionMode()
	var fixedLevels [][]string
	if mode == scheduler.ModeFixedLevels {
		fixedLevels = f.Levels()
	}

	budget := newToolBudget(s.cfg.Config.MaxToolCalls)
	runner := &stepRunnerAdapter{sw: s, taskID: taskID, flow: f, budget: budget}

	sched := scheduler.New(scheduler.Config{
		Runner:              runner,
		Reviewer:            s.reviewer,
		Catalog:             s.catalog,
		Events:              s.events,
		Logger:              s.logger,
		Metrics:             s.metrics,
		Mirror:              s.mirror,
		Mode:                mode,
		MaxConcurrentAgents: s.cfg.Config.MaxConcurrentAgents,
		AgentTimeout:        time.Duration(s.cfg.Config.AgentTimeout),
		ExecutionTimeout:    time.Duration(s.cfg.Config.ExecutionTimeout),
		MaxRetryOnFailure:   s.cfg.Config.Supervisor.MaxRetryOnFailure,
	})

	runErr := sched.Run(ctx, taskID, f, fixedLevels)

	artifact := s.aggregator.Aggregate(taskID, f, t.OutputType)
	status := task.StatusCompleted
	if runErr != nil {
		status = task.StatusFailed
	}
	s.emitTaskUpdated(taskID, status)
	s.events.Publish(eventbus.Event{Type: eventbus.TaskCompleted, TaskID: taskID, Payload: f.Snapshot()})

	return Result{TaskID: taskID, Plan: tp, Artifact: artifact}, runErr
}

// Cancel cancels taskID's context, returning false if taskID is unknown.
// Best-effort: a task executed synchronously via ExecuteTask shares its
// caller's own context and is cancelled through that context directly, not
// through Cancel.
func (s *Swarm) Cancel(taskID string) bool {
	h, ok := s.handle(taskID)
	if !ok {
		return false
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return true
}

// Progress returns taskID's current step tallies, or ok=false if unknown.
// A task still in the planning stage (flow not yet built, or resolved as
// simple_direct) reports a zero-value Progress.
func (s *Swarm) Progress(taskID string) (flow.Progress, bool) {
	h, ok := s.handle(taskID)
	if !ok {
		return flow.Progress{}, false
	}
	h.mu.Lock()
	f := h.flow
	h.mu.Unlock()
	if f == nil {
		return flow.Progress{}, true
	}
	return f.Progress(), true
}

// Flow returns an immutable snapshot of taskID's ExecutionFlow, or
// ok=false if unknown.
func (s *Swarm) Flow(taskID string) (flow.Snapshot, bool) {
	h, ok := s.handle(taskID)
	if !ok {
		return flow.Snapshot{}, false
	}
	h.mu.Lock()
	f := h.flow
	h.mu.Unlock()
	if f == nil {
		return flow.Snapshot{TaskID: taskID}, true
	}
	return f.Snapshot(), true
}

// Subscribe registers handler on the Event Bus, draining events for the
// lifetime of ctx.
func (s *Swarm) Subscribe(ctx context.Context, handler eventbus.Subscriber) (eventbus.Subscription, error) {
	return s.events.Register(ctx, handler)
}

// RegisterTool adds or replaces a tool in the Tool Registry.
func (s *Swarm) RegisterTool(spec toolregistry.Spec, handler toolregistry.Handler) error {
	return s.tools.RegisterTool(spec, handler)
}

// UnregisterTool removes a tool from the Tool Registry.
func (s *Swarm) UnregisterTool(name string) {
	s.tools.UnregisterTool(name)
}

// ListTools returns every registered tool's Spec.
func (s *Swarm) ListTools() []toolregistry.Spec {
	return s.tools.ListTools()
}

// SetExecutionMode switches the Scheduler mode applied to tasks started
// after this call: "team" is the canonical Wave Scheduler, "scheduler" is
// the fixed-level legacy variant (see DESIGN.md's Open Question decision).
// Tasks already running keep whatever mode was in effect when they started.
func (s *Swarm) SetExecutionMode(mode string) error {
	switch mode {
	case "team":
		s.setMode(scheduler.ModeWave)
	case "scheduler":
		s.setMode(scheduler.ModeFixedLevels)
	default:
		return fmt.Errorf("swarm: unknown execution mode %q", mode)
	}
	return nil
}

// ExecutionMode returns the currently configured mode.
func (s *Swarm) ExecutionMode() scheduler.Mode {
	s.modeMu.RLock()
	defer s.modeMu.RUnlock()
	return s.execMode
}

func (s *Swarm) setMode(m scheduler.Mode) {
	s.modeMu.Lock()
	s.execMode = m
	s.modeMu.Unlock()
}

// Shutdown cancels every in-flight task, awaits their completion (or ctx's
// deadline, whichever comes first), and releases the Sandbox Gateway's open
// instances. If that release fails and RecoveryPath is configured, it
// writes spec.md §6's recovery file so a future restart can warn about the
// instances it could not confirm were released.
func (s *Swarm) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	handles := make([]*taskHandle, 0, len(s.tasks))
	for _, h := range s.tasks {
		handles = append(handles, h)
	}
	s.mu.RUnlock()

	for _, h := range handles {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
		}
	}

	if s.sandbox == nil {
		return nil
	}
	closeErr := s.sandbox.Close(ctx)
	if closeErr == nil {
		if s.recoveryPath != "" {
			_ = store.RemoveRecoveryFile(s.recoveryPath)
		}
		return nil
	}

	if s.recoveryPath != "" {
		var open []string
		if lister, ok := s.sandbox.(sandboxgw.InstanceLister); ok {
			open = lister.OpenInstances()
		}
		if err := store.WriteRecoveryFile(s.recoveryPath, open); err != nil {
			s.logger.Error(ctx, "failed to write recovery file on unclean shutdown", "error", err.Error())
		}
	}
	return closeErr
}

func (s *Swarm) handle(taskID string) (*taskHandle, bool) {
	s.mu.RLock()
	h, ok := s.tasks[taskID]
	s.mu.RUnlock()
	return h, ok
}

func (s *Swarm) ensureHandle(t *task.Task) *taskHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.tasks[t.ID]; ok {
		return h
	}
	h := &taskHandle{task: t, done: make(chan struct{})}
	s.tasks[t.ID] = h
	s.events.Publish(eventbus.Event{Type: eventbus.TaskCreated, TaskID: t.ID, Payload: t})
	return h
}

func (s *Swarm) emitTaskUpdated(taskID string, status task.Status) {
	s.events.Publish(eventbus.Event{Type: eventbus.TaskUpdated, TaskID: taskID, Payload: status})
}
