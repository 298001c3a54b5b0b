// Package supervisor implements the Supervisor (Planner): a bounded ReAct
// loop that turns a raw task string into a plan.TaskPlan, either a trivial
// direct answer or an ordered, dependency-annotated list of steps.
//
// Grounded on runtime/agent/planner.Planner's PlanStart/PlanResume turn
// contract, collapsed into one in-process loop the same way subagent.Runner
// collapses the Sub-Agent's loop, and on runtime/agent/runtime/workflow_policy.go's
// turn-cap shape for max_react_iterations. The [THINKING]/answer channel
// split is streamed live via the splitter in thinking_split.go, since
// spec.md §4.1 requires observers to distinguish the two channels while the
// model is still producing output rather than only after a turn completes.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/plan"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/nimbusforge/swarm/telemetry"
	"github.com/nimbusforge/swarm/toolregistry"
)

// DefaultMaxIterations is the ReAct loop cap (spec.md §6 supervisor.max_react_iterations).
const DefaultMaxIterations = 5

// reactTools is the closed set of tools the Supervisor itself may call while
// researching a task, independent of any Sub-Agent role's ToolAccess.
var reactTools = []string{"web_search", "file_read", "analyze"}

// Config wires a Supervisor to its collaborators.
type Config struct {
	Client        modelgateway.Client
	Tools         *toolregistry.Registry
	Catalog       *role.Catalog
	Events        *eventbus.Bus
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Model         string
	MaxIterations int
	// ComplexityThreshold is passed through to the model as guidance for
	// when to prefer simple_direct=true over decomposing into steps
	// (spec.md §6's complexity_threshold config key).
	ComplexityThreshold float64
}

func (c *Config) fillDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.Catalog == nil {
		c.Catalog = role.DefaultCatalog()
	}
	if c.Logger == nil {
		c.Logger = telemetry.Noop().Logger
	}
	if c.Metrics == nil {
		c.Metrics = telemetry.Noop().Metrics
	}
	if c.ComplexityThreshold <= 0 {
		c.ComplexityThreshold = 0.5
	}
}

// Supervisor turns a task's raw text into a TaskPlan.
type Supervisor struct {
	cfg Config
}

// New constructs a Supervisor, filling unset Config fields with defaults.
func New(cfg Config) *Supervisor {
	cfg.fillDefaults()
	return &Supervisor{cfg: cfg}
}

// Plan runs the bounded ReAct loop for taskText, streaming [THINKING] deltas
// and answer deltas to the Event Bus as they arrive, and returns the
// resulting TaskPlan. On an unparseable plan after MaxIterations, returns
// spec.md's fallback: a single researcher step assigned the task verbatim.
func (s *Supervisor) Plan(ctx context.Context, taskID, taskText string) (plan.TaskPlan, error) {
	messages := []modelgateway.Message{
		{Role: modelgateway.RoleSystem, Parts: []modelgateway.Part{modelgateway.TextPart{Text: s.buildSystemPrompt()}}},
		{Role: modelgateway.RoleUser, Parts: []modelgateway.Part{modelgateway.TextPart{Text: taskText}}},
	}

	var split splitter
	for iteration := 0; iteration < s.cfg.MaxIterations; iteration++ {
		resp, err := s.turn(ctx, taskID, messages, &split, iteration)
		if err != nil {
			return plan.TaskPlan{}, err
		}

		if len(resp.ToolCalls) > 0 {
			messages = append(messages, resp.Message)
			messages = append(messages, s.observe(ctx, resp.ToolCalls))
			continue
		}

		answer := stripThinking(resp.Message.Text())
		if tp, ok := s.parsePlan(answer); ok {
			return tp, nil
		}
		messages = append(messages, resp.Message)
		messages = append(messages, modelgateway.Message{Role: modelgateway.RoleUser, Parts: []modelgateway.Part{modelgateway.TextPart{Text: reminderPrompt}}})
	}

	s.cfg.Logger.Warn(ctx, "supervisor produced no parsable plan, falling back to single-step researcher plan", "task_id", taskID)
	return fallbackPlan(taskText), nil
}

func (s *Supervisor) turn(ctx context.Context, taskID string, messages []modelgateway.Message, split *splitter, iteration int) (modelgateway.Response, error) {
	req := modelgateway.Request{
		Model:      s.cfg.Model,
		Messages:   messages,
		Tools:      s.reactToolDefinitions(),
		ToolChoice: modelgateway.ToolChoiceAuto,
		MaxTokens:  4096,
	}

	stream, err := s.cfg.Client.Stream(ctx, req)
	if err != nil {
		return modelgateway.Response{}, swarmerr.Wrap(swarmerr.KindModelTransport, "supervisor model stream failed", err)
	}
	defer stream.Close()

	var turnText strings.Builder
	var resp modelgateway.Response
	for {
		chunk, err := stream.Recv()
		if err != nil {
			break
		}
		switch chunk.Type {
		case modelgateway.ChunkText:
			turnText.WriteString(chunk.TextDelta)
			thinking, answer := split.Feed(chunk.TextDelta)
			s.emitChannel(taskID, "thinking", thinking, iteration)
			s.emitChannel(taskID, "answer", answer, iteration)
		case modelgateway.ChunkToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case modelgateway.ChunkUsage:
			if chunk.UsageDelta != nil {
				resp.Usage = *chunk.UsageDelta
			}
		case modelgateway.ChunkStop:
			resp.StopReason = chunk.StopReason
		}
	}
	resp.Message = modelgateway.Message{Role: modelgateway.RoleAssistant, Parts: []modelgateway.Part{modelgateway.TextPart{Text: turnText.String()}}}
	return resp, nil
}

func (s *Supervisor) reactToolDefinitions() []modelgateway.ToolDefinition {
	if s.cfg.Tools == nil {
		return nil
	}
	allowed := make(map[string]bool, len(reactTools))
	for _, n := range reactTools {
		allowed[n] = true
	}
	var defs []modelgateway.ToolDefinition
	for _, spec := range s.cfg.Tools.ListTools() {
		if !allowed[spec.Name] {
			continue
		}
		var schema any
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &schema)
		}
		defs = append(defs, modelgateway.ToolDefinition{Name: spec.Name, Description: spec.Description, InputSchema: schema})
	}
	return defs
}

// observe dispatches every ACTION tool call and folds the results into one
// OBSERVATION message fed back to the model on the next iteration.
func (s *Supervisor) observe(ctx context.Context, calls []modelgateway.ToolUsePart) modelgateway.Message {
	parts := make([]modelgateway.Part, 0, len(calls))
	for _, call := range calls {
		if s.cfg.Tools == nil {
			parts = append(parts, modelgateway.ToolResultPart{ToolUseID: call.ID, Content: "no tool registry configured", IsError: true})
			continue
		}
		result, err := s.cfg.Tools.Dispatch(ctx, toolregistry.ToolCall{Name: call.Name, Payload: call.Payload})
		if err != nil {
			parts = append(parts, modelgateway.ToolResultPart{ToolUseID: call.ID, Content: err.Error(), IsError: true})
			continue
		}
		parts = append(parts, modelgateway.ToolResultPart{ToolUseID: call.ID, Content: result})
	}
	return modelgateway.Message{Role: modelgateway.RoleTool, Parts: parts}
}

func (s *Supervisor) emitChannel(taskID, channel, delta string, iteration int) {
	if s.cfg.Events == nil || delta == "" {
		return
	}
	s.cfg.Events.Publish(eventbus.Event{
		Type:   eventbus.AgentStream,
		TaskID: taskID,
		Payload: map[string]any{
			"role":      role.Supervisor,
			"channel":   channel,
			"iteration": iteration,
			"delta":     delta,
		},
	})
}

// planResponse is the JSON shape the Supervisor's ANSWER must match.
type planResponse struct {
	SimpleDirect   bool       `json:"simple_direct"`
	DirectAnswer   string     `json:"direct_answer"`
	Objectives     []string   `json:"objectives"`
	SuggestedRoles []string   `json:"suggested_roles"`
	Steps          []stepJSON `json:"steps"`
}

type stepJSON struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description"`
	Role           string   `json:"role"`
	ExpectedOutput string   `json:"expected_output"`
	DependsOn      []string `json:"depends_on"`
	Input          any      `json:"input"`
}

var planSchema = mustCompilePlanSchema()

func mustCompilePlanSchema() *jsonschema.Schema {
	doc := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"simple_direct": map[string]any{"type": "boolean"},
			"direct_answer": map[string]any{"type": "string"},
			"objectives":    map[string]any{"type": "array"},
			"steps":         map[string]any{"type": "array"},
		},
		"required": []any{"simple_direct"},
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("task_plan.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("task_plan.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// parsePlan attempts to interpret answer as the Supervisor's final JSON
// response, reporting ok=false for anything that fails schema validation,
// role-catalog membership, or the plan's own dependency-ordering invariant
// (all of which the Scheduler would otherwise hit as a harder-to-diagnose
// failure downstream).
func (s *Supervisor) parsePlan(answer string) (plan.TaskPlan, bool) {
	raw := extractJSON(answer)
	if raw == "" {
		return plan.TaskPlan{}, false
	}

	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return plan.TaskPlan{}, false
	}
	if err := planSchema.Validate(doc); err != nil {
		return plan.TaskPlan{}, false
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return plan.TaskPlan{}, false
	}

	if parsed.SimpleDirect {
		if parsed.DirectAnswer == "" {
			return plan.TaskPlan{}, false
		}
		return plan.TaskPlan{RefinedText: answer, SimpleDirect: true, DirectAnswer: parsed.DirectAnswer, Objectives: parsed.Objectives}, true
	}

	if len(parsed.Steps) == 0 {
		return plan.TaskPlan{}, false
	}

	steps := make([]plan.StepDef, 0, len(parsed.Steps))
	var suggested []role.Role
	for i, sj := range parsed.Steps {
		r := role.Role(sj.Role)
		if !s.cfg.Catalog.Valid(r) {
			return plan.TaskPlan{}, false
		}
		steps = append(steps, plan.StepDef{
			ID:             sj.ID,
			Ordinal:        i,
			Name:           sj.Name,
			Description:    sj.Description,
			Role:           r,
			ExpectedOutput: sj.ExpectedOutput,
			DependsOn:      sj.DependsOn,
			Input:          sj.Input,
		})
		suggested = append(suggested, r)
	}
	for _, sr := range parsed.SuggestedRoles {
		suggested = append(suggested, role.Role(sr))
	}

	tp := plan.TaskPlan{RefinedText: answer, Objectives: parsed.Objectives, Steps: steps, SuggestedRoles: suggested}
	if err := tp.Validate(); err != nil {
		return plan.TaskPlan{}, false
	}
	return tp, true
}

// extractJSON pulls the span from the first '{' to the last '}' out of text,
// tolerating surrounding prose or markdown code fences a model might add
// despite being asked not to. Text holding more than one object yields the
// whole span between them, which then fails to parse.
func extractJSON(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < 0 || end < start {
		return ""
	}
	return text[start : end+1]
}

// fallbackPlan is spec.md §4.1's failure path: a single step assigning the
// task verbatim to the researcher role.
func fallbackPlan(taskText string) plan.TaskPlan {
	return plan.TaskPlan{
		RefinedText: taskText,
		Steps: []plan.StepDef{
			{ID: "fallback-1", Ordinal: 0, Name: "Handle task", Description: taskText, Role: role.Researcher, ExpectedOutput: "A complete answer to the task"},
		},
		SuggestedRoles: []role.Role{role.Researcher},
	}
}

// stripThinking removes every [THINKING]...[/THINKING] span from a fully
// buffered turn's text, mirroring subagent.stripThinking: by the time a turn
// without tool calls is reached, only the answer channel matters for
// plan parsing.
func stripThinking(text string) string {
	var out strings.Builder
	rest := text
	for {
		start := strings.Index(rest, thinkingOpen)
		if start < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:start])
		rest = rest[start+len(thinkingOpen):]
		end := strings.Index(rest, thinkingClose)
		if end < 0 {
			rest = ""
			break
		}
		rest = rest[end+len(thinkingClose):]
	}
	return strings.TrimSpace(out.String())
}

const reminderPrompt = `Your previous reply did not contain a single valid JSON object of the required shape. ` +
	`Reply again with exactly one JSON object matching the schema described earlier, and nothing else outside [THINKING] markers.`

// buildSystemPrompt appends the configured complexity threshold to the base
// prompt, so the model's own simple_direct judgment stays aligned with the
// operator's configured decomposition sensitivity.
func (s *Supervisor) buildSystemPrompt() string {
	return fmt.Sprintf("%s\n\nComplexity threshold: %.2f. Treat this as the minimum complexity "+
		"that justifies decomposing into steps; below it, strongly prefer simple_direct=true.",
		systemPrompt, s.cfg.ComplexityThreshold)
}

const systemPrompt = `You are the Supervisor planner for a multi-agent task execution system.
Reason step by step. Wrap every piece of internal reasoning in [THINKING] and [/THINKING]
markers; that reasoning is streamed to observers and must never appear outside the markers.
You may call web_search, file_read, or analyze to research the task before committing to a plan.

When ready to finalize, reply with exactly one JSON object (no markdown fences, no prose
outside the [THINKING] markers) of this shape:

{"simple_direct": bool,
 "direct_answer": "required when simple_direct is true",
 "objectives": ["..."],
 "steps": [{"id": "s1", "name": "...", "description": "...", "role": "researcher",
            "expected_output": "...", "depends_on": [], "input": null}],
 "suggested_roles": ["..."]}

Set simple_direct=true only for greetings, trivial factual questions, or opinions you can
answer directly with high confidence — skip the DAG entirely in that case. Otherwise emit
an ordered list of steps; every depends_on id must name a step appearing earlier in the list,
and every step's role must be one of the closed role catalog's names.`
