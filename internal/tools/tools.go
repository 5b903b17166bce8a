// Package tools holds the client-side tool registry. Tools run locally when
// a backend asks for them mid-conversation and their result goes straight
// back into the session, so Execute never returns an error: whatever goes
// wrong comes back as a string the model can read out.
package tools

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/voxbridge/voxbridge/internal/provider"
)

// Handler runs one tool call and returns the result text for the model.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Executor is a registry of callable tools.
type Executor struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	decls    map[string]provider.ToolDecl
	logger   *log.Logger
}

// NewExecutor creates an empty executor.
func NewExecutor(logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.Default()
	}
	return &Executor{
		handlers: make(map[string]Handler),
		decls:    make(map[string]provider.ToolDecl),
		logger:   logger,
	}
}

// Register adds a tool. Registering the same name twice replaces it.
func (e *Executor) Register(decl provider.ToolDecl, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[decl.Name] = h
	e.decls[decl.Name] = decl
}

// Declarations returns the registered tools sorted by name, for session
// configuration.
func (e *Executor) Declarations() []provider.ToolDecl {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]provider.ToolDecl, 0, len(e.decls))
	for _, d := range e.decls {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs the named tool. Unknown tools, handler errors and panics all
// come back as descriptive result strings.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) (result string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("tools: %s panicked: %v", name, r)
			result = fmt.Sprintf("Tool %q failed unexpectedly.", name)
		}
	}()

	e.mu.RLock()
	h, ok := e.handlers[name]
	e.mu.RUnlock()
	if !ok {
		e.logger.Printf("tools: unknown tool %q requested", name)
		return fmt.Sprintf("Unknown tool %q.", name)
	}

	out, err := h(ctx, args)
	if err != nil {
		e.logger.Printf("tools: %s failed: %v", name, err)
		return fmt.Sprintf("Tool %q failed: %v", name, err)
	}
	return out
}
