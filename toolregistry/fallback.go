package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nimbusforge/swarm/modelgateway"
	"github.com/nimbusforge/swarm/sandboxgw"
)

// RegisterSandboxFallbacks registers sandbox_browser and
// sandbox_code_interpreter against client, using the exact ToolDefinition
// (name, description, schema) the modelgateway.Gateway advertises to models
// lacking native web-search/code-execution support, so the schema Dispatch
// validates against matches what the model was told.
func RegisterSandboxFallbacks(r *Registry, client sandboxgw.Client) error {
	if err := registerFallback(r, modelgateway.SandboxBrowserTool, browserHandler(client)); err != nil {
		return err
	}
	return registerFallback(r, modelgateway.SandboxCodeInterpreterTool, codeInterpreterHandler(client))
}

func registerFallback(r *Registry, name string, handler Handler) error {
	def, ok := modelgateway.FallbackToolDefinition(name)
	if !ok {
		return fmt.Errorf("toolregistry: no fallback definition for %s", name)
	}
	schema, err := json.Marshal(def.InputSchema)
	if err != nil {
		return err
	}
	return r.RegisterTool(Spec{Name: def.Name, Description: def.Description, InputSchema: schema}, handler)
}

func browserHandler(client sandboxgw.Client) Handler {
	return func(ctx context.Context, argsJSON json.RawMessage) (any, error) {
		var in struct {
			Query string `json:"query"`
			URL   string `json:"url"`
		}
		if err := json.Unmarshal(argsJSON, &in); err != nil {
			return nil, err
		}
		if in.URL != "" {
			content, err := client.Fetch(ctx, in.URL)
			if err != nil {
				return nil, err
			}
			return map[string]any{"url": in.URL, "content": content}, nil
		}
		if in.Query == "" {
			return nil, fmt.Errorf("sandbox_browser: one of query or url is required")
		}
		results, err := client.Search(ctx, in.Query)
		if err != nil {
			return nil, err
		}
		return map[string]any{"query": in.Query, "results": results}, nil
	}
}

func codeInterpreterHandler(client sandboxgw.Client) Handler {
	return func(ctx context.Context, argsJSON json.RawMessage) (any, error) {
		var in struct {
			Language string `json:"language"`
			Code     string `json:"code"`
		}
		if err := json.Unmarshal(argsJSON, &in); err != nil {
			return nil, err
		}
		if in.Language == "" {
			in.Language = "python"
		}
		result, err := client.Exec(ctx, in.Language, in.Code)
		if err != nil {
			return nil, err
		}
		return result, nil
	}
}
