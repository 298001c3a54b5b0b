// Gateway is the provider-agnostic facade the core orchestration engine
// actually calls. It adds two cross-cutting behaviors spec.md §4.8 assigns
// to the Model Gateway Adapter: long-text chunk-summarisation and fallback
// tool injection, both transparent to Sub-Agents.
//
// Grounded on features/model/gateway (the provider-agnostic facade
// fronting remote/local clients) generalized here to a single-process
// wrapper, since this module has no remote-registry gateway server.
package modelgateway

import (
	"context"
	"io"
)

// Capabilities describes what a model natively supports, so the Gateway
// knows when to inject fallback tools rather than branching on model
// identity (spec.md §4.8: "the core does not branch on model identity").
type Capabilities struct {
	NativeWebSearch    bool
	NativeCodeExecution bool
}

// CapabilityLookup resolves a model identifier to its Capabilities. Unknown
// models are assumed to have neither native capability, which is the safe
// default: the adapter injects both fallback tools.
type CapabilityLookup func(modelID string) Capabilities

// SandboxBrowserTool and SandboxCodeInterpreterTool are the fallback tool
// names injected when the target model lacks native support.
const (
	SandboxBrowserTool          = "sandbox_browser"
	SandboxCodeInterpreterTool  = "sandbox_code_interpreter"
)

// FallbackToolDefinition returns the ToolDefinition injected for name (one of
// SandboxBrowserTool or SandboxCodeInterpreterTool), so callers that need to
// register a matching toolregistry.Handler can reuse the exact schema the
// Gateway advertises to the model.
func FallbackToolDefinition(name string) (ToolDefinition, bool) {
	def, ok := fallbackToolDefs[name]
	return def, ok
}

var fallbackToolDefs = map[string]ToolDefinition{
	SandboxBrowserTool: {
		Name:        SandboxBrowserTool,
		Description: "Search the web and fetch page content via the sandbox gateway.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"url":   map[string]any{"type": "string"},
			},
		},
	},
	SandboxCodeInterpreterTool: {
		Name:        SandboxCodeInterpreterTool,
		Description: "Execute code in an isolated sandbox via the sandbox gateway.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{"type": "string"},
				"code":     map[string]any{"type": "string"},
			},
			"required": []string{"code"},
		},
	},
}

// Summarizer condenses long text into a shorter form. Implementations
// typically wrap a small/cheap model completion.
type Summarizer interface {
	Summarize(ctx context.Context, text string, targetChars int) (string, error)
}

// Gateway wraps a provider Client with long-text chunk-summarisation and
// fallback tool injection.
type Gateway struct {
	client       Client
	capabilities CapabilityLookup
	summarizer   Summarizer
	// ContextBudgetChars is the approximate character budget above which
	// message text is chunk-summarised before the request is sent.
	ContextBudgetChars int
	// LongTextEnabled mirrors the enable_long_text_processing config key.
	LongTextEnabled bool
}

// New constructs a Gateway. capabilities may be nil, in which case every
// model is treated as lacking native web-search/code-execution (both
// fallback tools are always injected).
func New(client Client, capabilities CapabilityLookup, summarizer Summarizer) *Gateway {
	if capabilities == nil {
		capabilities = func(string) Capabilities { return Capabilities{} }
	}
	return &Gateway{
		client:             client,
		capabilities:       capabilities,
		summarizer:         summarizer,
		ContextBudgetChars: 24000,
		LongTextEnabled:    true,
	}
}

// prepare applies fallback tool injection and long-text summarisation,
// returning the request the underlying Client should actually receive.
func (g *Gateway) prepare(ctx context.Context, req Request) (Request, error) {
	caps := g.capabilities(req.Model)
	if !caps.NativeWebSearch {
		req.Tools = append(req.Tools, fallbackToolDefs[SandboxBrowserTool])
	}
	if !caps.NativeCodeExecution {
		req.Tools = append(req.Tools, fallbackToolDefs[SandboxCodeInterpreterTool])
	}

	if g.LongTextEnabled && g.summarizer != nil {
		var err error
		req.Messages, err = g.chunkSummarizeMiddle(ctx, req.Messages)
		if err != nil {
			return Request{}, err
		}
	}
	return req, nil
}

// chunkSummarizeMiddle collapses the middle portion of an over-budget
// transcript into a single summarized TextPart, keeping the earliest and
// most recent messages intact so recency and system framing survive.
func (g *Gateway) chunkSummarizeMiddle(ctx context.Context, msgs []Message) ([]Message, error) {
	total := 0
	for _, m := range msgs {
		total += len(m.Text())
	}
	if total <= g.ContextBudgetChars || len(msgs) < 3 {
		return msgs, nil
	}

	keepHead, keepTail := 1, 1
	middle := msgs[keepHead : len(msgs)-keepTail]
	var middleText string
	for _, m := range middle {
		middleText += m.Text() + "\n"
	}
	summary, err := g.summarizer.Summarize(ctx, middleText, g.ContextBudgetChars/3)
	if err != nil {
		return nil, err
	}

	out := make([]Message, 0, keepHead+keepTail+1)
	out = append(out, msgs[:keepHead]...)
	out = append(out, Message{Role: RoleSystem, Parts: []Part{TextPart{Text: "[earlier context summarized]: " + summary}}})
	out = append(out, msgs[len(msgs)-keepTail:]...)
	return out, nil
}

// Complete performs a non-streaming completion through the prepared request.
func (g *Gateway) Complete(ctx context.Context, req Request) (Response, error) {
	req, err := g.prepare(ctx, req)
	if err != nil {
		return Response{}, err
	}
	return g.client.Complete(ctx, req)
}

// Stream performs a streaming completion through the prepared request,
// falling back to a single-chunk synthesized stream built from Complete when
// the underlying Client does not support native streaming.
func (g *Gateway) Stream(ctx context.Context, req Request) (Streamer, error) {
	req, err := g.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	s, err := g.client.Stream(ctx, req)
	if err == nil {
		return s, nil
	}
	resp, completeErr := g.client.Complete(ctx, req)
	if completeErr != nil {
		return nil, completeErr
	}
	return newSyntheticStreamer(resp), nil
}

// syntheticStreamer adapts a single Response into a Streamer so Sub-Agents
// can treat every provider uniformly, regardless of native streaming
// support.
type syntheticStreamer struct {
	chunks []Chunk
	pos    int
}

func newSyntheticStreamer(resp Response) *syntheticStreamer {
	chunks := []Chunk{{Type: ChunkText, TextDelta: resp.Message.Text()}}
	for i := range resp.ToolCalls {
		chunks = append(chunks, Chunk{Type: ChunkToolCall, ToolCall: &resp.ToolCalls[i]})
	}
	chunks = append(chunks, Chunk{Type: ChunkUsage, UsageDelta: &resp.Usage})
	chunks = append(chunks, Chunk{Type: ChunkStop, StopReason: resp.StopReason})
	return &syntheticStreamer{chunks: chunks}
}

func (s *syntheticStreamer) Recv() (Chunk, error) {
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *syntheticStreamer) Close() error { return nil }
