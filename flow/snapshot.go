package flow

import "time"

// WaveStats is a per-wave record emitted at wave boundaries.
type WaveStats struct {
	WaveNumber int
	TaskCount  int
	Parallelism int
	StartedAt  time.Time
	EndedAt    time.Time
	Completed  int
	Failed     int
}

// Progress is the aggregated tally over all steps in a flow.
type Progress struct {
	Total     int
	Pending   int
	Waiting   int
	Blocked   int
	Running   int
	Completed int
	Failed    int
	Skipped   int
}

// Percentage returns the share of terminal steps (completed + failed +
// skipped) in the total as a percentage from 0 to 100, or 0 if there are no
// steps.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed+p.Failed+p.Skipped) / float64(p.Total) * 100
}

// Snapshot is an immutable point-in-time view of an ExecutionFlow, safe to
// retain and read without synchronization.
type Snapshot struct {
	TaskID   string
	Steps    map[string]Step
	Order    []string
	Progress Progress
	Waves    []WaveStats
}

// Snapshot returns an immutable copy of the flow's current state.
func (f *ExecutionFlow) Snapshot() Snapshot {
	order := f.TopologicalOrder()

	f.mu.RLock()
	steps := make(map[string]Step, len(f.steps))
	var prog Progress
	for id, s := range f.steps {
		steps[id] = *s.clone()
		prog.Total++
		switch s.Status {
		case StatusPending:
			prog.Pending++
		case StatusWaiting:
			prog.Waiting++
		case StatusBlocked:
			prog.Blocked++
		case StatusRunning:
			prog.Running++
		case StatusCompleted:
			prog.Completed++
		case StatusFailed:
			prog.Failed++
		case StatusSkipped:
			prog.Skipped++
		}
	}
	waves := append([]WaveStats(nil), f.waves...)
	f.mu.RUnlock()

	return Snapshot{TaskID: f.TaskID, Steps: steps, Order: order, Progress: prog, Waves: waves}
}

// Progress returns just the tallies, cheaper than a full Snapshot.
func (f *ExecutionFlow) Progress() Progress {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var prog Progress
	for _, s := range f.steps {
		prog.Total++
		switch s.Status {
		case StatusPending:
			prog.Pending++
		case StatusWaiting:
			prog.Waiting++
		case StatusBlocked:
			prog.Blocked++
		case StatusRunning:
			prog.Running++
		case StatusCompleted:
			prog.Completed++
		case StatusFailed:
			prog.Failed++
		case StatusSkipped:
			prog.Skipped++
		}
	}
	return prog
}
