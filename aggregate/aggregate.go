// Package aggregate implements the Result Aggregator: once an ExecutionFlow
// reaches a terminal state, it collects the outputs of the flow's terminal
// (no-successor) steps into one typed Artifact, resolving output-type
// inference and overlapping-content conflicts along the way.
//
// Grounded directly on runtime/agent/runtime/aggregate/aggregate.go's
// Aggregator function-type/PassThrough/ProvenancedEnvelope shape: a single
// pure function over a set of child results producing one merged parent
// result. Retargeted here from nested tool-call child results to a flow's
// terminal Steps, and from a fixed envelope shape to spec.md §4.6's
// per-output-type merge rules (role-specific merge, auto-inference,
// composite bundling, similarity-based conflict resolution).
package aggregate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/task"
)

// Artifact is the Aggregator's typed deliverable.
type Artifact struct {
	Type     task.OutputType
	Content  string            // concatenated/merged text, for text-ish types
	Files    map[string]string // path -> content, for the code type
	URIs     []string          // binary asset references, for image/video types
	Subtypes map[task.OutputType]*Artifact // populated only for OutputComposite
	Dropped  []string          // step ids whose output was dropped as a duplicate
}

// category is the role-specific merge strategy, independent of the task's
// declared/inferred OutputType: a report can still contain a code-role step
// whose output gets file-tree treatment rather than being flattened into prose.
type category string

const (
	categoryText   category = "text"
	categoryCode   category = "code"
	categoryBinary category = "binary"
)

func categoryOf(r role.Role) category {
	switch r {
	case role.Coder:
		return categoryCode
	case role.TextToImage, role.TextToVideo, role.ImageToVideo, role.VoiceSynth:
		return categoryBinary
	default:
		return categoryText
	}
}

// inferredType maps a role to the OutputType it contributes toward when the
// task declares OutputAuto (spec.md §4.6's "majority coder => code" example,
// generalized to the full role catalog; every role not listed below counts
// toward OutputReport).
func inferredType(r role.Role) task.OutputType {
	switch r {
	case role.Coder:
		return task.OutputCode
	case role.DocumentAnalyst:
		return task.OutputDocument
	case role.TextToImage, role.ImageAnalyst:
		return task.OutputImage
	case role.TextToVideo, role.ImageToVideo:
		return task.OutputVideo
	case role.VoiceSynth:
		// No audio OutputType exists; voice output is bundled as a document
		// asset rather than invented a new top-level type spec.md never names.
		return task.OutputDocument
	default:
		return task.OutputReport
	}
}

// Aggregator collects terminal step outputs into one Artifact.
type Aggregator struct {
	Events *eventbus.Bus
}

// New constructs an Aggregator.
func New(events *eventbus.Bus) *Aggregator {
	return &Aggregator{Events: events}
}

// Aggregate examines f's terminal (no-successor), completed steps and
// produces the typed Artifact declared by outputType (or inferred from the
// terminal steps' role mix, when outputType is task.OutputAuto).
func (a *Aggregator) Aggregate(taskID string, f *flow.ExecutionFlow, outputType task.OutputType) Artifact {
	snap := f.Snapshot()
	terminals := terminalSteps(snap)
	terminals = a.resolveConflicts(taskID, terminals)

	switch outputType {
	case task.OutputAuto:
		outputType = majorityType(terminals)
		return a.merge(terminals, outputType)
	case task.OutputComposite:
		return a.composite(terminals)
	default:
		return a.merge(terminals, outputType)
	}
}

// terminalSteps returns every completed step in snap that no other step
// declares as a dependency, in a stable (CompletedAt) order.
func terminalSteps(snap flow.Snapshot) []flow.Step {
	hasDependent := make(map[string]bool, len(snap.Steps))
	for _, s := range snap.Steps {
		for dep := range s.DependsOn {
			hasDependent[dep] = true
		}
	}
	var out []flow.Step
	for id, s := range snap.Steps {
		if s.Status != flow.StatusCompleted || hasDependent[id] {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].CompletedAt, out[j].CompletedAt
		if ti == nil || tj == nil {
			return out[i].Ordinal < out[j].Ordinal
		}
		return ti.Before(*tj)
	})
	return out
}

// resolveConflicts drops the earlier-completed step of any pair whose text
// output overlaps the other's by more than 80% (literal/Jaccard similarity),
// keeping the later-completed one, and emits a task_log warning per drop.
func (a *Aggregator) resolveConflicts(taskID string, steps []flow.Step) []flow.Step {
	dropped := make(map[string]bool)
	for i := 0; i < len(steps); i++ {
		if dropped[steps[i].ID] {
			continue
		}
		for j := i + 1; j < len(steps); j++ {
			if dropped[steps[j].ID] {
				continue
			}
			ti, _ := steps[i].Output.(string)
			tj, _ := steps[j].Output.(string)
			if ti == "" || tj == "" {
				continue
			}
			if jaccardSimilarity(ti, tj) <= 0.8 {
				continue
			}
			// steps is sorted by completion order, so j completed after i.
			dropped[steps[i].ID] = true
			a.warnf(taskID, "dropped step %s's output as a duplicate of later step %s (similarity > 0.8)", steps[i].ID, steps[j].ID)
			break
		}
	}
	if len(dropped) == 0 {
		return steps
	}
	out := make([]flow.Step, 0, len(steps))
	for _, s := range steps {
		if !dropped[s.ID] {
			out = append(out, s)
		}
	}
	return out
}

func majorityType(steps []flow.Step) task.OutputType {
	counts := make(map[task.OutputType]int)
	for _, s := range steps {
		counts[inferredType(s.Role)]++
	}
	best := task.OutputReport
	bestCount := -1
	// Deterministic iteration over a fixed list of task.OutputType values;
	// on a tie the earlier entry in the list wins.
	for _, t := range []task.OutputType{task.OutputCode, task.OutputReport, task.OutputWebsite, task.OutputImage, task.OutputVideo, task.OutputDataset, task.OutputDocument} {
		if counts[t] > bestCount {
			best, bestCount = t, counts[t]
		}
	}
	return best
}

// composite buckets terminal steps by their inferred type and merges each
// bucket independently.
func (a *Aggregator) composite(steps []flow.Step) Artifact {
	buckets := make(map[task.OutputType][]flow.Step)
	for _, s := range steps {
		t := inferredType(s.Role)
		buckets[t] = append(buckets[t], s)
	}
	subtypes := make(map[task.OutputType]*Artifact, len(buckets))
	for t, bucket := range buckets {
		sub := a.merge(bucket, t)
		subtypes[t] = &sub
	}
	return Artifact{Type: task.OutputComposite, Subtypes: subtypes}
}

// merge combines steps' outputs using each step's role-specific merge rule
// (spec.md §4.6: text roles concatenate with headings, code roles produce a
// file tree, image/video roles collect binary URIs), tagging the result as t.
func (a *Aggregator) merge(steps []flow.Step, t task.OutputType) Artifact {
	art := Artifact{Type: t}
	var text strings.Builder
	files := make(map[string]string)
	var uris []string

	for _, s := range steps {
		switch categoryOf(s.Role) {
		case categoryCode:
			mergeCode(files, s)
		case categoryBinary:
			mergeBinary(&uris, s)
		default:
			mergeText(&text, s)
		}
	}

	art.Content = strings.TrimSpace(text.String())
	if len(files) > 0 {
		art.Files = files
	}
	if len(uris) > 0 {
		art.URIs = uris
	}
	return art
}

func mergeText(sb *strings.Builder, s flow.Step) {
	heading := s.Name
	if heading == "" {
		heading = s.ID
	}
	if sb.Len() > 0 {
		sb.WriteString("\n\n")
	}
	sb.WriteString("## ")
	sb.WriteString(heading)
	sb.WriteString("\n\n")
	sb.WriteString(outputText(s.Output))
}

func mergeCode(files map[string]string, s flow.Step) {
	switch out := s.Output.(type) {
	case map[string]any:
		if path, ok := out["path"].(string); ok {
			if content, ok := out["content"].(string); ok {
				files[path] = content
				return
			}
		}
		for k, v := range out {
			if content, ok := v.(string); ok {
				files[k] = content
			}
		}
	default:
		files[s.ID] = outputText(s.Output)
	}
}

func mergeBinary(uris *[]string, s flow.Step) {
	switch out := s.Output.(type) {
	case string:
		*uris = append(*uris, out)
	case map[string]any:
		if u, ok := out["url"].(string); ok {
			*uris = append(*uris, u)
		}
	case []string:
		*uris = append(*uris, out...)
	}
}

func outputText(out any) string {
	if s, ok := out.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", out)
}

func (a *Aggregator) warnf(taskID, format string, args ...any) {
	if a.Events == nil {
		return
	}
	a.Events.Publish(eventbus.Event{Type: eventbus.TaskLog, TaskID: taskID, Payload: fmt.Sprintf(format, args...)})
}
