package subagent

import (
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusforge/swarm/eventbus"
	"github.com/nimbusforge/swarm/flow"
	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/role"
	"github.com/nimbusforge/swarm/swarmerr"
	"github.com/nimbusforge/swarm/toolregistry"
)

// scriptedClient replays a fixed sequence of streaming responses, one per
// call to Stream, so tests can drive multi-turn tool-call loops
// deterministically without a real model.
type scriptedClient struct {
	turns []scriptedTurn
	calls int
}

type scriptedTurn struct {
	textDeltas []string
	toolCalls  []modelgateway.ToolUsePart
	err        error
}

func (c *scriptedClient) Complete(context.Context, modelgateway.Request) (modelgateway.Response, error) {
	return modelgateway.Response{}, assert.AnError
}

func (c *scriptedClient) Stream(context.Context, modelgateway.Request) (modelgateway.Streamer, error) {
	if c.calls >= len(c.turns) {
		return nil, assert.AnError
	}
	turn := c.turns[c.calls]
	c.calls++
	if turn.err != nil {
		return nil, turn.err
	}
	return &scriptedStream{turn: turn}, nil
}

type scriptedStream struct {
	turn scriptedTurn
	pos  int
}

func (s *scriptedStream) Recv() (modelgateway.Chunk, error) {
	if s.pos < len(s.turn.textDeltas) {
		delta := s.turn.textDeltas[s.pos]
		s.pos++
		return modelgateway.Chunk{Type: modelgateway.ChunkText, TextDelta: delta}, nil
	}
	idx := s.pos - len(s.turn.textDeltas)
	if idx < len(s.turn.toolCalls) {
		s.pos++
		tc := s.turn.toolCalls[idx]
		return modelgateway.Chunk{Type: modelgateway.ChunkToolCall, ToolCall: &tc}, nil
	}
	return modelgateway.Chunk{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

func newStep(id string) *flow.Step {
	return &flow.Step{ID: id, Name: "do work", Status: flow.StatusRunning, DependsOn: map[string]bool{}}
}

func TestRunReturnsFinalAnswerWithNoToolCalls(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{textDeltas: []string{"[THINKING]reasoning[/THINKING]", "the answer"}},
	}}
	bus := eventbus.New(10)
	r := New(Config{Client: client, Events: bus})

	res, err := r.Run(context.Background(), Input{
		TaskID:   "t1",
		Step:     newStep("s1"),
		Template: role.Template{Role: role.Researcher, DisplayName: "Researcher"},
		Model:    "test-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "the answer", res.Output)
	assert.Equal(t, 1, res.Turns)
}

func TestRunDispatchesToolCallsAcrossTurns(t *testing.T) {
	tools := toolregistry.New()
	require.NoError(t, tools.RegisterTool(toolregistry.Spec{Name: "lookup"}, func(context.Context, json.RawMessage) (any, error) {
		return "42", nil
	}))

	client := &scriptedClient{turns: []scriptedTurn{
		{toolCalls: []modelgateway.ToolUsePart{{ID: "call-1", Name: "lookup", Payload: json.RawMessage(`{}`)}}},
		{textDeltas: []string{"final answer using 42"}},
	}}
	bus := eventbus.New(10)
	r := New(Config{Client: client, Tools: tools, Events: bus})

	res, err := r.Run(context.Background(), Input{
		TaskID:   "t1",
		Step:     newStep("s1"),
		Template: role.Template{Role: role.Researcher},
		Model:    "test-model",
	})
	require.NoError(t, err)
	assert.Equal(t, "final answer using 42", res.Output)
	assert.Equal(t, 2, res.Turns)
}

func TestRunFailsWhenToolBudgetExhausted(t *testing.T) {
	tools := toolregistry.New()
	require.NoError(t, tools.RegisterTool(toolregistry.Spec{Name: "lookup"}, func(context.Context, json.RawMessage) (any, error) {
		return "42", nil
	}))
	client := &scriptedClient{turns: []scriptedTurn{
		{toolCalls: []modelgateway.ToolUsePart{{ID: "call-1", Name: "lookup", Payload: json.RawMessage(`{}`)}}},
	}}
	r := New(Config{Client: client, Tools: tools})

	_, err := r.Run(context.Background(), Input{
		Step:     newStep("s1"),
		Template: role.Template{Role: role.Researcher},
		Model:    "test-model",
		Budget:   exhaustedBudget{},
	})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindToolBudgetExhausted, swarmerr.KindOf(err))
}

type exhaustedBudget struct{}

func (exhaustedBudget) Spend() bool { return false }

var factCheckSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"verdict": map[string]any{"type": "string", "enum": []any{"true", "false", "unverifiable"}},
	},
	"required": []any{"verdict"},
}

func TestRunValidatesStructuredOutputAgainstOutputSchema(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{textDeltas: []string{`{"verdict": "true"}`}},
	}}
	r := New(Config{Client: client})

	res, err := r.Run(context.Background(), Input{
		Step:     newStep("s1"),
		Template: role.Template{Role: role.FactChecker, OutputSchema: factCheckSchema},
		Model:    "test-model",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"verdict": "true"}, res.Structured)
}

func TestRunFailsWithInvalidOutputWhenNotJSON(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{textDeltas: []string{"not json at all"}},
	}}
	r := New(Config{Client: client})

	_, err := r.Run(context.Background(), Input{
		Step:     newStep("s1"),
		Template: role.Template{Role: role.FactChecker, OutputSchema: factCheckSchema},
		Model:    "test-model",
	})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindInvalidOutput, swarmerr.KindOf(err))
}

func TestRunFailsWithInvalidOutputWhenSchemaViolated(t *testing.T) {
	client := &scriptedClient{turns: []scriptedTurn{
		{textDeltas: []string{`{"verdict": "maybe"}`}},
	}}
	r := New(Config{Client: client})

	_, err := r.Run(context.Background(), Input{
		Step:     newStep("s1"),
		Template: role.Template{Role: role.FactChecker, OutputSchema: factCheckSchema},
		Model:    "test-model",
	})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindInvalidOutput, swarmerr.KindOf(err))
}

func TestRunFailsAfterMaxToolTurns(t *testing.T) {
	tools := toolregistry.New()
	require.NoError(t, tools.RegisterTool(toolregistry.Spec{Name: "lookup"}, func(context.Context, json.RawMessage) (any, error) {
		return "ok", nil
	}))
	turns := make([]scriptedTurn, 3)
	for i := range turns {
		turns[i] = scriptedTurn{toolCalls: []modelgateway.ToolUsePart{{ID: "call", Name: "lookup", Payload: json.RawMessage(`{}`)}}}
	}
	client := &scriptedClient{turns: turns}
	r := New(Config{Client: client, Tools: tools, MaxToolTurns: 3})

	_, err := r.Run(context.Background(), Input{
		Step:     newStep("s1"),
		Template: role.Template{Role: role.Researcher},
		Model:    "test-model",
	})
	require.Error(t, err)
	assert.Equal(t, swarmerr.KindToolBudgetExhausted, swarmerr.KindOf(err))
}
