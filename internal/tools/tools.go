// Package tools defines the registry of tools available to the agent.
//
// The registry itself is tool-source agnostic: the Salesforce
// data-access tools arrive via the mcp bridge at startup, and nothing
// here knows where a handler's work actually happens.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool represents a callable tool.
type Tool struct {
	Name        string
	Description string
	// InputSchema is the JSON schema for the tool's arguments, in the
	// form advertised by the tool server and forwarded verbatim to the
	// chat API.
	InputSchema map[string]any
	Handler     func(ctx context.Context, args map[string]any) (string, error)
}

// Registry holds available tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*Tool),
	}
}

// Register adds a tool, replacing any existing tool with the same name.
func (r *Registry) Register(t *Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Execute runs the named tool with the given arguments.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return t.Handler(ctx, args)
}
