// Package tools provides the tool contract and registry the agent loop
// dispatches through. A tool is anything with a name, a description, a
// JSON-schema-shaped parameter map, and an Execute function.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/driftworks/conduit/internal/providers"
)

// Tool is one named operation the LLM can invoke.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON-schema parameter object:
	// {"type":"object","properties":{...},"required":[...]}
	Schema() map[string]any
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// TimeoutTool lets a tool override the registry's default per-call deadline.
type TimeoutTool interface {
	Tool
	Timeout() time.Duration
}

// DefaultTimeout bounds a tool call when the tool doesn't declare its own.
const DefaultTimeout = 60 * time.Second

// Registry is a thread-safe name → tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		slog.Warn("tool re-registered", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs serializes all tools to the provider's function-tool format.
func (r *Registry) Defs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Schema(),
			},
		})
	}
	return defs
}

// Invoke executes the named tool under its timeout. Unknown names and
// execution failures come back as an error; the caller decides how to
// surface them (the agent loop feeds them to the LLM as the tool result).
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}

	timeout := DefaultTimeout
	if tt, ok := t.(TimeoutTool); ok && tt.Timeout() > 0 {
		timeout = tt.Timeout()
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := safeExecute(ctx, t, args)
	if err != nil {
		return "", err
	}
	return out, nil
}

// safeExecute converts a tool panic into an error instead of killing the turn.
func safeExecute(ctx context.Context, t Tool, args map[string]any) (out string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.Name(), rec)
		}
	}()
	return t.Execute(ctx, args)
}
