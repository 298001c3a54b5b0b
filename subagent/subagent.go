// Package subagent implements the Sub-Agent execution unit: given one
// flow.Step and a role.Template, it drives a bounded think/act/observe loop
// against a modelgateway.Client, dispatching tool calls through a
// toolregistry.Registry and streaming reasoning/output through an
// eventbus.Bus.
//
// Grounded on the Planner/PlanResult/ToolRequest/ToolResult contract in
// runtime/agent/planner/planner.go, collapsed from that package's
// Temporal-workflow-spanning PlanStart/PlanResume split into a single
// in-process loop since this module has no durable workflow engine driving
// activities across process boundaries.
package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/nimbusforge/swarm/telemetry"
	"github.com/nimbusforge/swarm/toolregistry"
)

// DefaultMaxToolTurns bounds how many think/act/observe round trips a single
// step may take before it is treated as a failure.
const DefaultMaxToolTurns = 20

// DefaultMaxModelRetries bounds how many attempts a single model call gets,
// counting the first, on transport/rate-limit failure before the step fails.
const DefaultMaxModelRetries = 3

// ToolBudget is a shared ceiling on tool invocations across an entire task's
// Sub-Agents, enforced cooperatively by the caller via Spend.
type ToolBudget interface {
	// Spend consumes one unit of budget, returning false if the budget is
	// already exhausted.
	Spend() bool
}

// Config wires a Runner to its collaborators.
type Config struct {
	Client        modelgateway.Client
	Tools         *toolregistry.Registry
	Events        *eventbus.Bus
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	MaxToolTurns  int
	MaxRetries    int
}

// Runner drives one Sub-Agent execution.
type Runner struct {
	cfg Config
}

// New constructs a Runner, filling unset Config bounds with their defaults.
func New(cfg Config) *Runner {
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = DefaultMaxToolTurns
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries()
	}
	if cfg.Logger == nil {
		cfg.Logger = telemetry.Noop().Logger
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.Noop().Metrics
	}
	return &Runner{cfg: cfg}
}

// DefaultMaxRetries returns DefaultMaxModelRetries; a named accessor keeps
// call sites self-documenting.
func DefaultMaxRetries() int { return DefaultMaxModelRetries }

// Input bundles everything a Runner needs to execute one step.
type Input struct {
	TaskID            string
	Flow              *flow.ExecutionFlow
	Step              *flow.Step
	Template          role.Template
	Instance          *role.Instance
	Model             string
	DependencyContext string // rendered output of upstream steps this step depends on
	Budget            ToolBudget
}

// Result is the outcome of a successful Run.
type Result struct {
	Output     string
	Structured any // non-nil when Template.OutputSchema constrains the reply
	Turns      int
}

// Run drives the think/act/observe loop for one step until the model returns
// a final answer (no further tool calls), the tool-turn cap is reached, or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context, in Input) (Result, error) {
	messages := r.buildInitialMessages(in)

	var buffer strings.Builder

	for turn := 0; turn < r.cfg.MaxToolTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return Result{}, swarmerr.Wrap(swarmerr.KindCancelled, "step execution cancelled", err)
		}

		resp, err := r.completeStreaming(ctx, in, messages, &buffer, turn)
		if err != nil {
			return Result{}, err
		}

		if len(resp.ToolCalls) == 0 {
			r.emitStreamClear(in)
			output, structured, err := r.parseFinal(in, resp.Message.Text())
			if err != nil {
				return Result{}, err
			}
			return Result{Output: output, Structured: structured, Turns: turn + 1}, nil
		}

		messages = append(messages, resp.Message)
		results, err := r.dispatchToolCalls(ctx, in, resp.ToolCalls)
		if err != nil {
			return Result{}, err
		}
		messages = append(messages, modelgateway.Message{Role: modelgateway.RoleTool, Parts: results})
	}

	return Result{}, swarmerr.Errorf(swarmerr.KindToolBudgetExhausted,
		"step %s exceeded %d tool turns without a final answer", in.Step.ID, r.cfg.MaxToolTurns)
}

func (r *Runner) buildInitialMessages(in Input) []modelgateway.Message {
	var sys string
	if in.Template.SystemPrompt != "" {
		sys = in.Template.SystemPrompt
	} else {
		sys = fmt.Sprintf("You are a %s agent. Do the work described and return a final answer.", in.Template.DisplayName)
	}

	var userText string
	userText += "Step: " + in.Step.Name + "\n"
	if in.Step.Description != "" {
		userText += "Description: " + in.Step.Description + "\n"
	}
	if in.Step.ExpectedOutput != "" {
		userText += "Expected output: " + in.Step.ExpectedOutput + "\n"
	}
	if in.DependencyContext != "" {
		userText += "\nContext from prior steps:\n" + in.DependencyContext + "\n"
	}
	if in.Step.Input != nil {
		userText += fmt.Sprintf("\nInput:\n%v\n", in.Step.Input)
	}

	return []modelgateway.Message{
		{Role: modelgateway.RoleSystem, Parts: []modelgateway.Part{modelgateway.TextPart{Text: sys}}},
		{Role: modelgateway.RoleUser, Parts: []modelgateway.Part{modelgateway.TextPart{Text: userText}}},
	}
}

// completeStreaming drives one streaming model turn, emitting an agent_stream
// event per text delta as it arrives, together with the text buffered so far
// for the step across all of its turns. Deltas are not filtered: text from
// tool-calling turns and [THINKING] spans is streamed too, so the
// concatenation of deltas can differ from the final output text. Retries with
// exponential backoff on rate-limit/transport errors, up to cfg.MaxRetries
// attempts.
func (r *Runner) completeStreaming(ctx context.Context, in Input, messages []modelgateway.Message, buffer *strings.Builder, turn int) (modelgateway.Response, error) {
	req := modelgateway.Request{
		Model:      in.Model,
		Messages:   messages,
		Tools:      r.toolDefinitions(in),
		ToolChoice: modelgateway.ToolChoiceAuto,
		MaxTokens:  4096,
	}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		resp, err := r.streamOnce(ctx, in, req, buffer, turn)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		kind := swarmerr.KindOf(err)
		if kind != swarmerr.KindRateLimit && kind != swarmerr.KindModelTransport {
			return modelgateway.Response{}, err
		}
		r.cfg.Logger.Warn(ctx, "model call failed, retrying", "step", in.Step.ID, "attempt", attempt, "error", err.Error())
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return modelgateway.Response{}, swarmerr.Wrap(swarmerr.KindCancelled, "step execution cancelled during backoff", ctx.Err())
		}
		backoff *= 2
	}
	return modelgateway.Response{}, swarmerr.Wrap(swarmerr.KindModelTransport, "model call failed after retries", lastErr)
}

func (r *Runner) streamOnce(ctx context.Context, in Input, req modelgateway.Request, buffer *strings.Builder, turn int) (modelgateway.Response, error) {
	stream, err := r.cfg.Client.Stream(ctx, req)
	if err != nil {
		return modelgateway.Response{}, err
	}
	defer stream.Close()

	var resp modelgateway.Response
	var turnText strings.Builder
	for {
		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			return modelgateway.Response{}, swarmerr.Wrap(swarmerr.KindModelTransport, "stream read failed", err)
		}
		switch chunk.Type {
		case modelgateway.ChunkText:
			if chunk.TextDelta == "" {
				continue
			}
			turnText.WriteString(chunk.TextDelta)
			buffer.WriteString(chunk.TextDelta)
			r.emitStream(in, chunk.TextDelta, buffer.String(), turn)
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

// toolDefinitions returns the tool schemas the model may call for this step,
// narrowed to in.Template.ToolAccess: a role with no declared tool access
// sees no tools at all, matching spec.md's closed per-role capability set.
func (r *Runner) toolDefinitions(in Input) []modelgateway.ToolDefinition {
	if r.cfg.Tools == nil || len(in.Template.ToolAccess) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(in.Template.ToolAccess))
	for _, name := range in.Template.ToolAccess {
		allowed[name] = true
	}
	specs := r.cfg.Tools.ListTools()
	defs := make([]modelgateway.ToolDefinition, 0, len(specs))
	for _, s := range specs {
		if !allowed[s.Name] {
			continue
		}
		var schema any
		if len(s.InputSchema) > 0 {
			_ = json.Unmarshal(s.InputSchema, &schema)
		}
		defs = append(defs, modelgateway.ToolDefinition{Name: s.Name, Description: s.Description, InputSchema: schema})
	}
	return defs
}

func (r *Runner) dispatchToolCalls(ctx context.Context, in Input, calls []modelgateway.ToolUsePart) ([]modelgateway.Part, error) {
	parts := make([]modelgateway.Part, 0, len(calls))
	for _, call := range calls {
		if in.Budget != nil && !in.Budget.Spend() {
			return nil, swarmerr.Errorf(swarmerr.KindToolBudgetExhausted, "tool call budget exhausted on step %s", in.Step.ID)
		}

		result, err := r.cfg.Tools.Dispatch(ctx, toolregistry.ToolCall{Name: call.Name, Payload: call.Payload})
		if err != nil {
			parts = append(parts, modelgateway.ToolResultPart{ToolUseID: call.ID, Content: err.Error(), IsError: true})
			if in.Flow != nil {
				in.Flow.AppendLog(in.Step.ID, flow.LogEntry{Time: time.Now(), Level: "warn", Message: fmt.Sprintf("tool %s failed: %v", call.Name, err)})
			}
			continue
		}
		parts = append(parts, modelgateway.ToolResultPart{ToolUseID: call.ID, Content: result})
	}
	return parts, nil
}

func (r *Runner) emitStream(in Input, delta, fullBuffer string, turn int) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.Publish(eventbus.Event{
		Type:   eventbus.AgentStream,
		TaskID: in.TaskID,
		Payload: map[string]any{
			"step_id": in.Step.ID,
			"role":    string(in.Template.Role),
			"turn":    turn,
			"delta":   delta,
			"buffer":  fullBuffer,
		},
	})
}

// emitStreamClear signals observers that the accumulated stream buffer for
// this step may be discarded, once the final answer has been parsed out of
// it.
func (r *Runner) emitStreamClear(in Input) {
	if r.cfg.Events == nil {
		return
	}
	r.cfg.Events.Publish(eventbus.Event{
		Type:   eventbus.AgentStreamClear,
		TaskID: in.TaskID,
		Payload: map[string]any{"step_id": in.Step.ID},
	})
}

// parseFinal extracts a final answer, stripping any [THINKING]...[/THINKING]
// reasoning marker the model may have emitted alongside its answer, and, when
// the role template declares an OutputSchema, requires the answer to parse as
// JSON and validate against it. Unparseable or schema-invalid output after a
// valid completion fails the step with KindInvalidOutput (spec.md §4.4 point
// 5), the same way toolregistry/review compile and apply their own schemas.
func (r *Runner) parseFinal(in Input, text string) (string, any, error) {
	answer := stripThinking(text)
	if in.Template.OutputSchema == nil {
		return answer, nil, nil
	}

	var structured any
	if err := json.Unmarshal([]byte(answer), &structured); err != nil {
		return "", nil, swarmerr.Wrap(swarmerr.KindInvalidOutput, fmt.Sprintf("step %s output is not valid JSON", in.Step.ID), err)
	}

	schema, err := compileOutputSchema(in.Template.OutputSchema)
	if err != nil {
		return "", nil, swarmerr.Wrap(swarmerr.KindInvalidOutput, fmt.Sprintf("step %s declares an invalid output schema", in.Step.ID), err)
	}
	if err := schema.Validate(structured); err != nil {
		return "", nil, swarmerr.Wrap(swarmerr.KindInvalidOutput, fmt.Sprintf("step %s output failed schema validation", in.Step.ID), err)
	}
	return answer, structured, nil
}

// compileOutputSchema compiles a role template's OutputSchema into a
// *jsonschema.Schema. OutputSchema is typically a map[string]any JSON Schema
// document, but raw JSON bytes are also accepted.
func compileOutputSchema(schemaDoc any) (*jsonschema.Schema, error) {
	doc := schemaDoc
	switch v := schemaDoc.(type) {
	case []byte:
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, err
		}
	case json.RawMessage:
		if err := json.Unmarshal(v, &doc); err != nil {
			return nil, err
		}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("output_schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("output_schema.json")
}
