package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Handler implements a method. args holds one JSON value per declared
// parameter, in declaration order.
type Handler func(ctx context.Context, args Args) (any, error)

// Param declares one parameter of a method.
type Param struct {
	Name string
	// Optional parameters take Default when the caller omits them.
	Optional bool
	Default  any
	// Type is informational and only appears in the service description.
	Type string
}

// Method describes a callable method.
type Method struct {
	Name    string
	Params  []Param
	Handler Handler

	// Safe methods have no side effects and may be called with GET.
	Safe bool
	// Authenticated methods fail with CodeUnauthorized unless the
	// dispatcher's Authenticator yields a principal.
	Authenticated bool

	Summary string
	Returns string
}

// Registry maps method names to descriptors. It is populated at startup,
// frozen, and then only read.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]*Method
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]*Method)}
}

// Register validates m and adds it to the registry. Defaults are encoded to
// JSON here so binding never has to.
func (r *Registry) Register(m Method) error {
	if m.Name == "" {
		return errors.New("jsonrpc: method name is empty")
	}
	if m.Handler == nil {
		return fmt.Errorf("jsonrpc: method %q has no handler", m.Name)
	}

	params := make([]Param, len(m.Params))
	seen := make(map[string]bool, len(m.Params))
	optional := false
	for i, p := range m.Params {
		if p.Name == "" {
			return fmt.Errorf("jsonrpc: method %q: parameter %d has no name", m.Name, i+1)
		}
		if seen[p.Name] {
			return fmt.Errorf("jsonrpc: method %q: duplicate parameter %q", m.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Optional {
			optional = true
			def, err := encodeDefault(p.Default)
			if err != nil {
				return fmt.Errorf("jsonrpc: method %q: default for %q: %w", m.Name, p.Name, err)
			}
			p.Default = def
		} else if optional {
			return fmt.Errorf("jsonrpc: method %q: required parameter %q follows an optional one", m.Name, p.Name)
		}
		params[i] = p
	}
	m.Params = params

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.methods[m.Name]; ok {
		return &DuplicateMethodError{Name: m.Name}
	}
	r.methods[m.Name] = &m
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(m Method) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Freeze ends the registration phase. It is safe to call more than once.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Resolve looks up a method. Unknown names yield a CodeMethodNotFound *Error.
func (r *Registry) Resolve(name string) (*Method, error) {
	r.mu.RLock()
	m, ok := r.methods[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errMethodNotFound(name)
	}
	return m, nil
}

// Methods returns the registered methods sorted by name.
func (r *Registry) Methods() []Method {
	r.mu.RLock()
	out := make([]Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, *m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func encodeDefault(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, errors.New("invalid JSON")
		}
		return raw, nil
	}
	return json.Marshal(v)
}
