package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joescharf/flock/internal/apperr"
	"github.com/joescharf/flock/internal/models"
)

// Registry holds the tools available to a session. It is safe for
// concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool. Names are unique.
func (r *Registry) Register(t *Tool) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister registers a tool and panics on error. Use it for static
// registration at startup.
func (r *Registry) MustRegister(t *Tool) {
	if err := r.Register(t); err != nil {
		panic(fmt.Sprintf("register tool %s: %v", t.Name, err))
	}
}

// Remove drops a tool if present.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Lookup is Get with an unknown_tool ValidationError for missing names.
func (r *Registry) Lookup(name string) (*Tool, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, apperr.Validation("tools.lookup", apperr.ReasonUnknownTool, "unknown tool %q", name)
	}
	return t, nil
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Schemas returns the tool descriptions sent to the model, sorted by name.
func (r *Registry) Schemas() []models.ToolSchema {
	names := r.Names()
	out := make([]models.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			out = append(out, t.ToolSchema())
		}
	}
	return out
}
