package keel

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ToolFunc is a callable tool. Input is the raw argument map from the
// planner's action; the return value is attached to the tool outcome as-is.
type ToolFunc func(ctx context.Context, input map[string]any) (any, error)

// FuncRegistry is a ToolRegistry over plain functions. Registration is safe
// for concurrent use with execution; names are unique, last registration
// wins.
type FuncRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewFuncRegistry creates an empty registry.
func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{tools: make(map[string]ToolFunc)}
}

// Register adds a tool under name.
func (r *FuncRegistry) Register(name string, fn ToolFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
}

// ExecuteCall runs the named tool. Unknown names fail without invoking
// anything.
func (r *FuncRegistry) ExecuteCall(ctx context.Context, toolName string, input map[string]any) (any, error) {
	r.mu.RLock()
	fn, ok := r.tools[toolName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tool %s is not registered", toolName)
	}
	return fn(ctx, input)
}

// ToolNames returns the registered tool names, sorted.
func (r *FuncRegistry) ToolNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
