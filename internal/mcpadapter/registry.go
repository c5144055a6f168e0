// Package mcpadapter exposes a subset of the Execution API as MCP tools
// (spec §4.7) over the legacy SSE transport, Streamable HTTP JSON-RPC 2.0,
// and a unified REST invocation endpoint. The tool table and its
// schema-validated dispatch are grounded on the reference agent's
// ToolRegistry (internal/agent/tool_registry.go in the teacher), adapted
// from LLM tool calls to stata_* MCP tools over a session.Manager.
package mcpadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// toolDef is one entry in the adapter's tool table: its JSON Schema
// parameters (validated with santhosh-tekuri/jsonschema, the same library
// the reference agent validates tool arguments with) and the function
// that executes it against the domain.
type toolDef struct {
	name        string
	description string
	parameters  map[string]any
	schema      *jsonschema.Schema
	exec        func(ctx context.Context, args map[string]any) (any, error)
}

// registry is a name-keyed table of toolDefs, shared by every transport
// this package mounts so stata_run_selection behaves identically whether
// it is called over /mcp, /mcp-streamable, or /v1/tools.
type registry struct {
	mu    sync.RWMutex
	tools map[string]toolDef
}

func newRegistry() *registry {
	return &registry{tools: make(map[string]toolDef)}
}

func (r *registry) register(t toolDef) error {
	if t.name == "" {
		return fmt.Errorf("tool missing name")
	}
	if t.exec == nil {
		return fmt.Errorf("tool %s missing executor", t.name)
	}
	schema, err := compileSchema(t.parameters)
	if err != nil {
		return fmt.Errorf("tool %s schema: %w", t.name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.name] = t
	return nil
}

func (r *registry) get(name string) (toolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// invoke validates args against the tool's schema, then runs it. Used by
// both the /v1/tools REST endpoint and the MCP tool handlers, so every
// transport enforces the same argument constraints.
func (r *registry) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	t, ok := r.get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.schema.Validate(args); err != nil {
		return nil, fmt.Errorf("tool args schema validation failed: %w", err)
	}
	return t.exec(ctx, args)
}

func compileSchema(params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}
