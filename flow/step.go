// Package flow implements the Execution Flow: the authoritative mutable DAG
// of Steps for one task. The Scheduler is the exclusive mutator; all other
// readers (dashboard, reviewer) observe immutable Snapshots.
//
// Grounded on the run-scoped state bookkeeping style of
// runtime/agent/run/snapshot.go and the in-memory status tracking in
// runtime/agent/engine/inmem.
package flow

import (
	"time"

	"github.com/nimbusforge/swarm/role"
)

// Status is a Step's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusWaiting   Status = "waiting"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether s admits no further transitions without an
// explicit reviewer-initiated retry.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// LogEntry is one per-step log line, timestamped at emission.
type LogEntry struct {
	Time    time.Time
	Level   string
	Message string
}

// Step is a DAG vertex. Mutations go exclusively through ExecutionFlow's
// methods; a Step value obtained via Snapshot is a copy and safe to read
// without synchronization.
type Step struct {
	ID             string
	Ordinal        int
	Name           string
	Description    string
	Role           role.Role
	ExpectedOutput string
	DependsOn      map[string]bool
	Status         Status
	Input          any
	Output         any
	Err            error
	AgentInstanceID string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RetryCount     int
	Log            []LogEntry
}

func (s *Step) clone() *Step {
	cp := *s
	cp.DependsOn = make(map[string]bool, len(s.DependsOn))
	for k, v := range s.DependsOn {
		cp.DependsOn[k] = v
	}
	cp.Log = append([]LogEntry(nil), s.Log...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// DependsOnSet builds a Step.DependsOn map from a slice of step ids.
func DependsOnSet(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}
