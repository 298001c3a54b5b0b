package swarm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/subagent"
	"github.com/nimbusforge/swarm/swarmerr"
)

// stepRunnerAdapter satisfies scheduler.StepRunner by delegating to the
// shared subagent.Runner, materializing a role.Instance per step and
// rendering upstream step outputs into the Sub-Agent's dependency context.
// One adapter is built per task, since it closes over that task's flow and
// tool budget.
type stepRunnerAdapter struct {
	sw     *Swarm
	taskID string
	flow   *flow.ExecutionFlow
	budget subagent.ToolBudget
}

// RunStep implements scheduler.StepRunner.
func (a *stepRunnerAdapter) RunStep(ctx context.Context, step flow.Step) (any, error) {
	tmpl, ok := a.sw.catalog.Lookup(step.Role)
	if !ok {
		return nil, swarmerr.Errorf(swarmerr.KindInvalidOutput, "step %s declares unknown role %q", step.ID, step.Role)
	}

	instanceID := a.taskID + "/" + step.ID
	inst := a.sw.instances.Create(instanceID, step.Role, step.ID)
	a.sw.events.Publish(eventbus.Event{Type: eventbus.AgentCreated, TaskID: a.taskID, Payload: inst})

	result, err := a.sw.subagentRunner.Run(ctx, subagent.Input{
		TaskID:            a.taskID,
		Flow:              a.flow,
		Step:              &step,
		Template:          tmpl,
		Instance:          inst,
		Model:             tmpl.PreferredModel,
		DependencyContext: a.renderDependencyContext(step),
		Budget:            a.budget,
	})

	a.sw.instances.Release(instanceID, err == nil)
	a.sw.events.Publish(eventbus.Event{Type: eventbus.AgentRemoved, TaskID: a.taskID, Payload: instanceID})

	if err != nil {
		return nil, err
	}
	if result.Structured != nil {
		return result.Structured, nil
	}
	return result.Output, nil
}

// renderDependencyContext renders every completed upstream step's output
// that step directly depends on, in a stable (sorted-id) order, so a
// Sub-Agent sees the same context regardless of map iteration order.
func (a *stepRunnerAdapter) renderDependencyContext(step flow.Step) string {
	if len(step.DependsOn) == 0 {
		return ""
	}
	ids := make([]string, 0, len(step.DependsOn))
	for dep := range step.DependsOn {
		ids = append(ids, dep)
	}
	sort.Strings(ids)

	var sb strings.Builder
	for _, dep := range ids {
		depStep, ok := a.flow.Get(dep)
		if !ok || depStep.Output == nil {
			continue
		}
		heading := depStep.Name
		if heading == "" {
			heading = depStep.ID
		}
		fmt.Fprintf(&sb, "### %s\n%v\n\n", heading, depStep.Output)
	}
	return sb.String()
}
