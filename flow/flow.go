package flow

import (
	"sync"
	"time"

	"github.com/nimbusforge/swarm/swarmerr"
)

// ExecutionFlow is the canonical per-task DAG. It is exclusively mutated by
// the Scheduler; all other components read a Snapshot.
type ExecutionFlow struct {
	mu       sync.RWMutex
	TaskID   string
	steps    map[string]*Step
	order    []string // topological order, cached until invalidated
	orderDirty bool
	waves    []WaveStats
}

// New returns an empty ExecutionFlow for taskID.
func New(taskID string) *ExecutionFlow {
	return &ExecutionFlow{
		TaskID:     taskID,
		steps:      make(map[string]*Step),
		orderDirty: true,
	}
}

// AddStep inserts a new step. The step's dependencies must already exist in
// the flow (or be added in dependency order by the caller — the Supervisor's
// plan validation already guarantees this at the TaskPlan level).
func (f *ExecutionFlow) AddStep(s *Step) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.steps[s.ID]; exists {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "step %s already exists", s.ID)
	}
	for dep := range s.DependsOn {
		if _, ok := f.steps[dep]; !ok {
			return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "step %s depends on unknown step %s", s.ID, dep)
		}
	}
	cp := s.clone()
	f.steps[s.ID] = cp
	f.orderDirty = true
	if f.wouldCycle() {
		delete(f.steps, s.ID)
		f.orderDirty = true
		return swarmerr.New(swarmerr.KindCycleDetected, "add_step would introduce a cycle")
	}
	return nil
}

// InsertStep inserts s with an explicit dependency on beforeID (if non-empty,
// in addition to s's own declared dependencies), rejecting the mutation if it
// would introduce a cycle. Used by the Quality-Gate Reviewer's add_step
// decision.
func (f *ExecutionFlow) InsertStep(s *Step, beforeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.steps[s.ID]; exists {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "step %s already exists", s.ID)
	}
	cp := s.clone()
	if beforeID != "" {
		if _, ok := f.steps[beforeID]; !ok {
			return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "insert_step before unknown step %s", beforeID)
		}
		if cp.DependsOn == nil {
			cp.DependsOn = make(map[string]bool)
		}
		cp.DependsOn[beforeID] = true
	}
	for dep := range cp.DependsOn {
		if _, ok := f.steps[dep]; !ok {
			return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "step %s depends on unknown step %s", s.ID, dep)
		}
	}
	f.steps[s.ID] = cp
	f.orderDirty = true
	if f.wouldCycle() {
		delete(f.steps, s.ID)
		f.orderDirty = true
		return swarmerr.New(swarmerr.KindCycleDetected, "insert_step would introduce a cycle")
	}
	return nil
}

// MarkRunning transitions id to running. Asserts all declared dependencies
// are completed: violating this is treated as an internal bug, not a
// recoverable step error.
func (f *ExecutionFlow) MarkRunning(id, agentInstanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	for dep := range s.DependsOn {
		depStep, ok := f.steps[dep]
		if !ok || depStep.Status != StatusCompleted {
			return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "step %s dependency %s is not completed", id, dep)
		}
	}
	now := time.Now()
	s.Status = StatusRunning
	s.AgentInstanceID = agentInstanceID
	s.StartedAt = &now
	return nil
}

// MarkCompleted transitions id to completed with the given output.
func (f *ExecutionFlow) MarkCompleted(id string, output any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	now := time.Now()
	s.Status = StatusCompleted
	s.Output = output
	s.Err = nil
	s.CompletedAt = &now
	return nil
}

// MarkFailed transitions id to failed with the given error.
func (f *ExecutionFlow) MarkFailed(id string, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	now := time.Now()
	s.Status = StatusFailed
	s.Err = err
	s.CompletedAt = &now
	return nil
}

// MarkSkipped transitions id to skipped.
func (f *ExecutionFlow) MarkSkipped(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	now := time.Now()
	s.Status = StatusSkipped
	s.CompletedAt = &now
	return nil
}

// MarkBlocked transitions a waiting id to blocked, used when a dependency
// fails and the reviewer chooses skip rather than transitive skip_next.
func (f *ExecutionFlow) MarkBlocked(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	s.Status = StatusBlocked
	return nil
}

// Retry resets id to waiting and increments its retry counter, returning the
// new counter. Callers must compare against max_retry_on_failure themselves.
func (f *ExecutionFlow) Retry(id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return 0, swarmerr.Errorf(swarmerr.KindDependencyUnsatisfied, "unknown step %s", id)
	}
	s.Status = StatusWaiting
	s.RetryCount++
	s.StartedAt = nil
	s.CompletedAt = nil
	s.Err = nil
	return s.RetryCount, nil
}

// AppendLog adds a log entry to step id.
func (f *ExecutionFlow) AppendLog(id string, entry LogEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.steps[id]
	if !ok {
		return
	}
	s.Log = append(s.Log, entry)
}

// Descendants returns the set of step ids transitively depended-on-by id
// (i.e. steps that declare id, directly or indirectly, as a dependency).
func (f *ExecutionFlow) Descendants(id string) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	children := make(map[string][]string)
	for sid, s := range f.steps {
		for dep := range s.DependsOn {
			children[dep] = append(children[dep], sid)
		}
	}
	visited := make(map[string]bool)
	var out []string
	var visit func(string)
	visit = func(cur string) {
		for _, child := range children[cur] {
			if !visited[child] {
				visited[child] = true
				out = append(out, child)
				visit(child)
			}
		}
	}
	visit(id)
	return out
}

// ReadyStepIDs returns the ids of steps whose status is waiting and whose
// dependencies are all completed.
func (f *ExecutionFlow) ReadyStepIDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var ready []string
	for id, s := range f.steps {
		if s.Status != StatusWaiting {
			continue
		}
		allDepsCompleted := true
		for dep := range s.DependsOn {
			depStep, ok := f.steps[dep]
			if !ok || depStep.Status != StatusCompleted {
				allDepsCompleted = false
				break
			}
		}
		if allDepsCompleted {
			ready = append(ready, id)
		}
	}
	f.sortByOrdinal(ready)
	return ready
}

// AnyRunning reports whether at least one step is currently running.
func (f *ExecutionFlow) AnyRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, s := range f.steps {
		if s.Status == StatusRunning {
			return true
		}
	}
	return false
}

// RecordWave appends a completed wave's stats.
func (f *ExecutionFlow) RecordWave(w WaveStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waves = append(f.waves, w)
}

// Get returns a copy of step id.
func (f *ExecutionFlow) Get(id string) (Step, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	s, ok := f.steps[id]
	if !ok {
		return Step{}, false
	}
	return *s.clone(), true
}
