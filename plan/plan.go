// Package plan defines TaskPlan, the Supervisor's output: either a direct
// answer (simple_direct) or an ordered list of step definitions destined to
// become an ExecutionFlow.
package plan

import "github.com/nimbusforge/swarm/role"

// StepDef is a planning-time step description. The Scheduler turns each
// StepDef into a flow.Step when it builds the ExecutionFlow; StepDef itself
// carries no runtime status.
type StepDef struct {
	ID             string
	Ordinal        int
	Name           string
	Description    string
	Role           role.Role
	ExpectedOutput string
	// DependsOn holds step ids that must appear earlier in the same
	// TaskPlan's Steps slice — this ordering constraint is what guarantees
	// acyclicity by construction (spec.md §4.1).
	DependsOn []string
	Input     any
}

// TaskPlan is produced by the Supervisor.
type TaskPlan struct {
	RefinedText    string
	Objectives     []string
	SimpleDirect   bool
	DirectAnswer   string
	Steps          []StepDef
	SuggestedRoles []role.Role
}

// Validate checks the construction invariant that every DependsOn id
// refers to a step defined earlier in Steps, which by itself guarantees
// the dependency graph is acyclic.
func (p *TaskPlan) Validate() error {
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return &ValidationError{StepID: s.ID, DependencyID: dep}
			}
		}
		seen[s.ID] = true
	}
	return nil
}

// ValidationError reports a step referencing a dependency not yet defined
// earlier in the plan's step list.
type ValidationError struct {
	StepID       string
	DependencyID string
}

func (e *ValidationError) Error() string {
	return "plan: step " + e.StepID + " depends on undefined or forward-referenced step " + e.DependencyID
}
