package runner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/gridflow/internal/ir"
)

// Call carries one native invocation.
type Call struct {
	StepID  string
	WorkDir string
	Names   []string // declared input order
	Values  []any    // adapted values, parallel to Names
	Outputs []string // declared output names
}

// Arg returns the value bound to the named input.
func (c *Call) Arg(name string) (any, bool) {
	for i, n := range c.Names {
		if n == name {
			return c.Values[i], true
		}
	}
	return nil, false
}

// Args returns the positional input tuple in declaration order.
func (c *Call) Args() []any {
	return c.Values
}

// NativeFunc implements a native binding. It returns values keyed by
// declared output name; a step with a single output may return its value
// under the empty key.
type NativeFunc func(ctx context.Context, call *Call) (map[string]any, error)

// NativeRegistry is a trusted process-local table of native bindings.
type NativeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]NativeFunc
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{funcs: make(map[string]NativeFunc)}
}

// Register binds a dotted name. Registering a name twice replaces it.
func (r *NativeRegistry) Register(name string, fn NativeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function bound to name.
func (r *NativeRegistry) Lookup(name string) (NativeFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names lists registered names in sorted order.
func (r *NativeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CheckBinding rejects native bindings whose name is not registered. Other
// binding kinds are accepted. It is meant for compiler.WithBindingCheck.
func (r *NativeRegistry) CheckBinding(b *ir.Binding) error {
	if b.Kind != ir.BindingNative {
		return nil
	}
	if _, ok := r.Lookup(b.Name); !ok {
		return fmt.Errorf("native %q is not registered", b.Name)
	}
	return nil
}
