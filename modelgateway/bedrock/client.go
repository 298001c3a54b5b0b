// Package bedrock adapts the AWS Bedrock Converse API to the
// modelgateway.Client contract.
//
// Grounded on features/model/bedrock/client.go's RuntimeClient seam (the
// subset of *bedrockruntime.Client the adapter needs, so tests can mock it)
// and its system/conversational message split, narrowed to the
// Complete/Stream contract.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/nimbusforge/swarm/modelgateway"
)

// RuntimeClient is the subset of the AWS Bedrock runtime client used by the
// adapter, satisfied by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int32
	Temperature  float32
}

// Client implements modelgateway.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int32
	temperature  float32
}

// New builds a Client from opts.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

func encodeMessages(msgs []modelgateway.Message) (system []brtypes.SystemContentBlock, out []brtypes.Message) {
	for _, m := range msgs {
		if m.Role == modelgateway.RoleSystem {
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text()})
			continue
		}
		var blocks []brtypes.ContentBlock
		for _, p := range m.Parts {
			switch v := p.(type) {
			case modelgateway.TextPart:
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: v.Text})
			case modelgateway.ToolUsePart:
				var input map[string]any
				_ = json.Unmarshal(v.Payload, &input)
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{ToolUseId: aws.String(v.ID), Name: aws.String(v.Name), Input: document.NewLazyDocument(input)},
				})
			case modelgateway.ToolResultPart:
				content, _ := json.Marshal(v.Content)
				status := brtypes.ToolResultStatusSuccess
				if v.IsError {
					status = brtypes.ToolResultStatusError
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: aws.String(v.ToolUseID),
						Status:    status,
						Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: string(content)}},
					},
				})
			}
		}
		role := brtypes.ConversationRoleUser
		if m.Role == modelgateway.RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	return system, out
}

func encodeTools(tools []modelgateway.ToolDefinition) *brtypes.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	var specs []brtypes.Tool
	for _, t := range tools {
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.InputSchema)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}
}

// Complete performs a non-streaming Converse call.
func (c *Client) Complete(ctx context.Context, req modelgateway.Request) (modelgateway.Response, error) {
	if len(req.Messages) == 0 {
		return modelgateway.Response{}, errors.New("messages are required")
	}
	model := c.defaultModel
	if req.Model != "" {
		model = req.Model
	}
	system, msgs := encodeMessages(req.Messages)
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		System:   system,
		Messages: msgs,
	}
	if tc := encodeTools(req.Tools); tc != nil {
		input.ToolConfig = tc
	}
	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return modelgateway.Response{}, err
	}
	return translate(out), nil
}

func translate(out *bedrockruntime.ConverseOutput) modelgateway.Response {
	resp := modelgateway.Response{StopReason: string(out.StopReason)}
	msgOutput, ok := out.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return resp
	}
	var parts []modelgateway.Part
	for _, block := range msgOutput.Value.Content {
		switch v := block.(type) {
		case *brtypes.ContentBlockMemberText:
			parts = append(parts, modelgateway.TextPart{Text: v.Value})
		case *brtypes.ContentBlockMemberToolUse:
			var payload map[string]any
			_ = v.Value.Input.UnmarshalSmithyDocument(&payload)
			raw, _ := json.Marshal(payload)
			resp.ToolCalls = append(resp.ToolCalls, modelgateway.ToolUsePart{
				ID:      aws.ToString(v.Value.ToolUseId),
				Name:    aws.ToString(v.Value.Name),
				Payload: raw,
			})
		}
	}
	resp.Message = modelgateway.Message{Role: modelgateway.RoleAssistant, Parts: parts}
	if out.Usage != nil {
		resp.Usage = modelgateway.TokenUsage{
			InputTokens:  int(aws.ToInt32(out.Usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp
}

// Stream is not implemented natively; modelgateway.Gateway synthesizes a
// stream from Complete for this adapter.
func (c *Client) Stream(ctx context.Context, req modelgateway.Request) (modelgateway.Streamer, error) {
	return nil, errors.New("bedrock: native streaming not configured, use modelgateway.Gateway's synthesized stream")
}
