// Package anthropic adapts the Anthropic Claude Messages API to the
// modelgateway.Client contract.
//
// Grounded on features/model/anthropic/client.go's MessagesClient seam
// (accepting the SDK's message service so tests can substitute a fake) and
// Options shape (DefaultModel/HighModel/SmallModel/MaxTokens/Temperature),
// narrowed to the Complete/Stream contract of modelgateway.Client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nimbusforge/swarm/modelgateway"
)

// MessagesClient is the subset of the Anthropic SDK used by the adapter,
// satisfied by *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int64
	Temperature  float64
}

// Client implements modelgateway.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int64
	temperature  float64
}

// New builds a Client from msg and opts.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTok, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&c.Messages, Options{DefaultModel: defaultModel})
}

func (c *Client) modelID(req modelgateway.Request) sdk.Model {
	if req.Model != "" {
		return sdk.Model(req.Model)
	}
	return sdk.Model(c.defaultModel)
}

func encodeMessages(msgs []modelgateway.Message) (system string, out []sdk.MessageParam) {
	for _, m := range msgs {
		if m.Role == modelgateway.RoleSystem {
			system += m.Text()
			continue
		}
		var blocks []sdk.ContentBlockParamUnion
		for _, p := range m.Parts {
			switch v := p.(type) {
			case modelgateway.TextPart:
				blocks = append(blocks, sdk.NewTextBlock(v.Text))
			case modelgateway.ToolUsePart:
				var args any
				_ = json.Unmarshal(v.Payload, &args)
				blocks = append(blocks, sdk.NewToolUseBlock(v.ID, args, v.Name))
			case modelgateway.ToolResultPart:
				content, _ := json.Marshal(v.Content)
				blocks = append(blocks, sdk.NewToolResultBlock(v.ToolUseID, string(content), v.IsError))
			}
		}
		if m.Role == modelgateway.RoleUser {
			out = append(out, sdk.NewUserMessage(blocks...))
		} else {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		}
	}
	return system, out
}

func encodeTools(tools []modelgateway.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		out = append(out, sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{}, t.Name))
	}
	return out
}

// Complete performs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, req modelgateway.Request) (modelgateway.Response, error) {
	if len(req.Messages) == 0 {
		return modelgateway.Response{}, errors.New("messages are required")
	}
	system, msgs := encodeMessages(req.Messages)
	maxTok := c.maxTokens
	if req.MaxTokens > 0 {
		maxTok = int64(req.MaxTokens)
	}
	params := sdk.MessageNewParams{
		Model:     c.modelID(req),
		MaxTokens: maxTok,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return modelgateway.Response{}, err
	}
	return translateMessage(msg), nil
}

func translateMessage(msg *sdk.Message) modelgateway.Response {
	var parts []modelgateway.Part
	var toolCalls []modelgateway.ToolUsePart
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdk.TextBlock:
			parts = append(parts, modelgateway.TextPart{Text: v.Text})
		case sdk.ToolUseBlock:
			payload, _ := json.Marshal(v.Input)
			tc := modelgateway.ToolUsePart{ID: v.ID, Name: v.Name, Payload: payload}
			toolCalls = append(toolCalls, tc)
		}
	}
	return modelgateway.Response{
		Message:    modelgateway.Message{Role: modelgateway.RoleAssistant, Parts: parts},
		ToolCalls:  toolCalls,
		StopReason: string(msg.StopReason),
		Usage: modelgateway.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
}

// Stream is not yet implemented for the Anthropic adapter; Complete covers
// the Supervisor and Sub-Agent paths, and streaming deltas are synthesized
// by the caller from the completion when a sink is provided. See
// modelgateway.Gateway.Stream for the synthesized fallback.
func (c *Client) Stream(ctx context.Context, req modelgateway.Request) (modelgateway.Streamer, error) {
	return nil, errors.New("anthropic: native streaming not configured, use modelgateway.Gateway's synthesized stream")
}
