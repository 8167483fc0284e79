package mcp

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool is one registry entry.
type Tool struct {
	Name             string
	Description      string
	InputSchema      Schema
	Handler          Handler
	DefaultTimeoutMS int
	Category         string
}

// ToolInfo is the client-facing tool description for tools/list.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema Schema `json:"inputSchema"`
	Category    string `json:"category,omitempty"`
}

// Registry maps tool names to entries, preserving registration order
// for tools/list.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	order []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Registering a duplicate name is a programming
// error and fails.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustRegister registers a slice of tools and panics on conflict; used
// at startup where a conflict is a bug.
func (r *Registry) MustRegister(tools []*Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools in registration order.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
			Category:    t.Category,
		})
	}
	return out
}

// Len reports the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
