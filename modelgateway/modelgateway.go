// Package modelgateway defines the Model Gateway Adapter boundary: the only
// contract the core orchestration engine depends on for LLM completion.
// Concrete provider adapters (anthropic, openai, bedrock subpackages)
// implement Client; the core never branches on provider identity.
//
// Grounded on runtime/agent/model.Client/Streamer and the message/part shape
// in runtime/agent/model/model.go, narrowed to the Complete/Stream contract
// spec.md §4.8 names (of the Part system's multimodal variants only the image
// part is retained, for roles such as image_analyst; document/citation parts
// and thinking/cache-checkpoint provider tuning knobs are dropped as out of
// scope for this spec).
package modelgateway

import (
	"context"
	"encoding/json"
)

// ConversationRole identifies the speaker of a Message.
type ConversationRole string

const (
	RoleSystem    ConversationRole = "system"
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
	RoleTool      ConversationRole = "tool"
)

// Part is a marker interface for message content blocks.
type Part interface{ isPart() }

// TextPart is plain text content.
type TextPart struct{ Text string }

func (TextPart) isPart() {}

// ImagePart carries image bytes for multimodal roles (image_analyst).
type ImagePart struct {
	Format string
	Bytes  []byte
}

func (ImagePart) isPart() {}

// ToolUsePart is a model-requested tool invocation embedded in a message.
type ToolUsePart struct {
	ID      string
	Name    string
	Payload json.RawMessage
}

func (ToolUsePart) isPart() {}

// ToolResultPart carries a tool's result fed back as a follow-up turn.
type ToolResultPart struct {
	ToolUseID string
	Content   any
	IsError   bool
}

func (ToolResultPart) isPart() {}

// Message is a single chat message: an ordered list of typed Parts.
type Message struct {
	Role  ConversationRole
	Parts []Part
}

// Text concatenates every TextPart in the message, ignoring other part kinds.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolDefinition describes a tool exposed to the model for one request.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema any
}

// ToolChoiceMode controls how the model is steered toward tool use.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	ToolChoiceAny  ToolChoiceMode = "any"
)

// TokenUsage tracks per-call token consumption.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Request captures one model invocation's inputs.
type Request struct {
	Model       string
	Messages    []Message
	Temperature float32
	Tools       []ToolDefinition
	ToolChoice  ToolChoiceMode
	MaxTokens   int
}

// Response is the result of a non-streaming Complete call.
type Response struct {
	Message    Message
	ToolCalls  []ToolUsePart
	Usage      TokenUsage
	StopReason string
}

// ChunkType classifies a streaming Chunk.
type ChunkType string

const (
	ChunkText      ChunkType = "text"
	ChunkToolCall  ChunkType = "tool_call"
	ChunkUsage     ChunkType = "usage"
	ChunkStop      ChunkType = "stop"
)

// Chunk is one streamed event from the model.
type Chunk struct {
	Type       ChunkType
	TextDelta  string
	ToolCall   *ToolUsePart
	UsageDelta *TokenUsage
	StopReason string
}

// Streamer delivers incremental model output. Callers must drain Recv until
// it returns io.EOF (or another terminal error), then call Close.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the provider-agnostic model client: the sole interface the core
// depends on.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request) (Streamer, error)
}
