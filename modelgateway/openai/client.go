// Package openai adapts the OpenAI Chat Completions API (via the official
// github.com/openai/openai-go SDK) to the modelgateway.Client contract.
//
// Grounded on features/model/openai/client.go's ChatClient seam and Options
// shape, re-pointed at the official SDK client already in go.mod rather
// than a community fork.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/nimbusforge/swarm/modelgateway"
)

// ChatClient is the subset of the openai-go client used by the adapter.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
}

// Client implements modelgateway.Client via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string
}

// New builds a Client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	model := strings.TrimSpace(opts.DefaultModel)
	if model == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: chat, model: model}, nil
}

// NewFromAPIKey constructs a Client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("api key is required")
	}
	c := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Chat.Completions, Options{DefaultModel: defaultModel})
}

func encodeMessages(msgs []modelgateway.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		text := m.Text()
		switch m.Role {
		case modelgateway.RoleSystem:
			out = append(out, openai.SystemMessage(text))
		case modelgateway.RoleAssistant:
			out = append(out, openai.AssistantMessage(text))
		default:
			out = append(out, openai.UserMessage(text))
		}
	}
	return out
}

func encodeTools(tools []modelgateway.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, t := range tools {
		schema, _ := json.Marshal(t.InputSchema)
		var params map[string]any
		_ = json.Unmarshal(schema, &params)
		out = append(out, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openai.String(t.Description),
				Parameters:  params,
			},
		})
	}
	return out
}

// Complete performs a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req modelgateway.Request) (modelgateway.Response, error) {
	if len(req.Messages) == 0 {
		return modelgateway.Response{}, errors.New("messages are required")
	}
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: encodeMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return modelgateway.Response{}, err
	}
	return translate(resp), nil
}

func translate(resp *openai.ChatCompletion) modelgateway.Response {
	if len(resp.Choices) == 0 {
		return modelgateway.Response{}
	}
	choice := resp.Choices[0]
	var toolCalls []modelgateway.ToolUsePart
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, modelgateway.ToolUsePart{
			ID:      tc.ID,
			Name:    tc.Function.Name,
			Payload: json.RawMessage(tc.Function.Arguments),
		})
	}
	return modelgateway.Response{
		Message:    modelgateway.Message{Role: modelgateway.RoleAssistant, Parts: []modelgateway.Part{modelgateway.TextPart{Text: choice.Message.Content}}},
		ToolCalls:  toolCalls,
		StopReason: string(choice.FinishReason),
		Usage: modelgateway.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
}

// Stream is not implemented natively; modelgateway.Gateway synthesizes a
// stream from Complete for this adapter.
func (c *Client) Stream(ctx context.Context, req modelgateway.Request) (modelgateway.Streamer, error) {
	return nil, errors.New("openai: native streaming not configured, use modelgateway.Gateway's synthesized stream")
}
