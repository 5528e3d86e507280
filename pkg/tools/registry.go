// Package tools maps tool names to asynchronous invocation capabilities:
// fixed built-ins plus external tools registered as their providers connect.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/parlance-ai/sonicbridge/pkg/sonic"
)

// Invoker executes one tool call. rawContent is the toolUse payload's
// content field, a JSON document delivered as character data.
type Invoker func(ctx context.Context, rawContent string) (any, error)

// Registration describes one externally provided tool.
type Registration struct {
	Name         string
	Provider     string
	Description  string
	Schema       string // pre-serialized JSON schema for the manifest
	AutoApproved bool
	Invoke       Invoker
}

// Registry is read-mostly after startup and shared across all sessions.
type Registry struct {
	mu   sync.RWMutex
	ext  map[string]Registration
	base map[string]builtin
}

type builtin struct {
	spec   sonic.ToolSpecBody
	invoke Invoker
}

func NewRegistry() *Registry {
	r := &Registry{
		ext:  make(map[string]Registration),
		base: make(map[string]builtin),
	}
	registerBuiltins(r)
	return r
}

// Register adds or replaces an external tool.
func (r *Registry) Register(reg Registration) error {
	if r == nil {
		return fmt.Errorf("registry is not initialized")
	}
	name := strings.TrimSpace(reg.Name)
	if name == "" {
		return fmt.Errorf("tool name must be non-empty")
	}
	if reg.Invoke == nil {
		return fmt.Errorf("tool %q has no invoker", name)
	}
	if reg.Schema == "" {
		reg.Schema = sonic.DefaultToolSchema
	}
	reg.Name = name

	r.mu.Lock()
	r.ext[name] = reg
	r.mu.Unlock()
	return nil
}

// Unregister removes every tool contributed by the given provider, typically
// when its process disconnects.
func (r *Registry) Unregister(provider string) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for name, reg := range r.ext {
		if reg.Provider == provider {
			delete(r.ext, name)
			removed++
		}
	}
	return removed
}

// Names lists external tool names, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ext))
	for name := range r.ext {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Provider returns the provider name for an external tool.
func (r *Registry) Provider(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.ext[strings.TrimSpace(name)]
	if !ok {
		return "", false
	}
	return reg.Provider, true
}

// AutoApproved reports whether an external tool may run without operator
// confirmation.
func (r *Registry) AutoApproved(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.ext[strings.TrimSpace(name)]
	return ok && reg.AutoApproved
}

// Manifest returns the full promptStart tool manifest: built-ins first, then
// external tools sorted by name.
func (r *Registry) Manifest() []sonic.ToolSpec {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]sonic.ToolSpec, 0, len(r.base)+len(r.ext))
	baseNames := make([]string, 0, len(r.base))
	for name := range r.base {
		baseNames = append(baseNames, name)
	}
	sort.Strings(baseNames)
	for _, name := range baseNames {
		specs = append(specs, sonic.ToolSpec{Spec: r.base[name].spec})
	}

	extNames := make([]string, 0, len(r.ext))
	for name := range r.ext {
		extNames = append(extNames, name)
	}
	sort.Strings(extNames)
	for _, name := range extNames {
		reg := r.ext[name]
		desc := reg.Description
		if desc == "" {
			desc = fmt.Sprintf("External tool: %s", name)
		}
		specs = append(specs, sonic.ToolSpec{Spec: sonic.ToolSpecBody{
			Name:        name,
			Description: desc,
			InputSchema: sonic.ToolInputSchema{JSON: reg.Schema},
		}})
	}
	return specs
}

// Invoke executes the named tool. External tools match exactly; built-ins
// match case-insensitively. Exactly one call is awaited at a time per
// session; the registry itself places no such limit.
func (r *Registry) Invoke(ctx context.Context, name, rawContent string) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("registry is not initialized")
	}

	r.mu.RLock()
	reg, okExt := r.ext[strings.TrimSpace(name)]
	b, okBase := r.base[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()

	if okExt {
		result, err := reg.Invoke(ctx, rawContent)
		if err != nil {
			return nil, fmt.Errorf("tool %s failed: %w", name, err)
		}
		return result, nil
	}
	if okBase {
		return b.invoke(ctx, rawContent)
	}
	return nil, fmt.Errorf("unsupported tool %s", strings.ToLower(strings.TrimSpace(name)))
}
