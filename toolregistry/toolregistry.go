// Package toolregistry implements the in-process Tool Registry: Sub-Agents
// resolve a ToolCall's name to a Handler here. There is no remote/gRPC
// registry process — spec.md keeps tool dispatch in-process.
//
// Grounded on runtime/agent/tools.ToolSpec/TypeSpec's metadata shape,
// narrowed to a closed-process dispatch table since this module has no
// code-generated service/toolset/payload-codec pipeline to drive from.
package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nimbusforge/swarm/swarmerr"
)

// Spec describes one registered tool: its identity, description, and
// argument JSON Schema.
type Spec struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON Schema document
}

// Handler executes a tool call and returns a JSON-serialisable result.
type Handler func(ctx context.Context, argsJSON json.RawMessage) (any, error)

// ToolCall is a model-requested invocation: a name plus JSON-shaped
// argument payload.
type ToolCall struct {
	Name    string
	Payload json.RawMessage
}

type entry struct {
	spec    Spec
	handler Handler
	schema  *jsonschema.Schema
}

// Registry is the closed-set-at-any-instant, dynamically extensible table
// of tool name -> (spec, handler).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// RegisterTool adds or replaces spec's handler. If spec.InputSchema is
// non-empty, it is compiled once so Dispatch can validate arguments before
// invoking handler.
func (r *Registry) RegisterTool(spec Spec, handler Handler) error {
	if spec.Name == "" {
		return fmt.Errorf("toolregistry: tool name is required")
	}
	if handler == nil {
		return fmt.Errorf("toolregistry: handler is required for %s", spec.Name)
	}
	var schema *jsonschema.Schema
	if len(spec.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		var doc any
		if err := json.Unmarshal(spec.InputSchema, &doc); err != nil {
			return fmt.Errorf("toolregistry: invalid input schema for %s: %w", spec.Name, err)
		}
		if err := compiler.AddResource(spec.Name, doc); err != nil {
			return fmt.Errorf("toolregistry: add schema resource for %s: %w", spec.Name, err)
		}
		sch, err := compiler.Compile(spec.Name)
		if err != nil {
			return fmt.Errorf("toolregistry: compile schema for %s: %w", spec.Name, err)
		}
		schema = sch
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = entry{spec: spec, handler: handler, schema: schema}
	return nil
}

// UnregisterTool removes name from the registry. A no-op if absent.
func (r *Registry) UnregisterTool(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// ListTools returns every registered Spec, in no particular order.
func (r *Registry) ListTools() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.spec)
	}
	return out
}

// Dispatch validates and executes call against the registered handler. A
// missing tool or a schema-invalid payload returns a swarmerr of Kind
// KindToolHandlerError, so the Sub-Agent surfaces it to the model as
// tool-result content rather than failing the step outright.
func (r *Registry) Dispatch(ctx context.Context, call ToolCall) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[call.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, swarmerr.Errorf(swarmerr.KindToolHandlerError, "unknown tool %q", call.Name)
	}
	if e.schema != nil {
		var doc any
		if err := json.Unmarshal(call.Payload, &doc); err != nil {
			return nil, swarmerr.Wrap(swarmerr.KindToolHandlerError, "tool arguments are not valid JSON", err)
		}
		if err := e.schema.Validate(doc); err != nil {
			return nil, swarmerr.Wrap(swarmerr.KindToolHandlerError, fmt.Sprintf("tool %s arguments failed validation", call.Name), err)
		}
	}
	result, err := e.handler(ctx, call.Payload)
	if err != nil {
		return nil, swarmerr.Wrap(swarmerr.KindToolHandlerError, fmt.Sprintf("tool %s failed", call.Name), err)
	}
	return result, nil
}
