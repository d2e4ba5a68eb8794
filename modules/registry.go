package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Common errors.
var (
	ErrModuleNotFound   = errors.New("module not found")
	ErrFunctionNotFound = errors.New("function not found")
	ErrDuplicate        = errors.New("already registered")
	ErrInvalidName      = errors.New("invalid name")
)

// Func is a callable task function. args is nil when the task supplied no
// arguments.
type Func func(ctx context.Context, args json.RawMessage) (any, error)

// Typed adapts a function taking decoded arguments. Absent arguments leave A
// at its zero value.
func Typed[A, R any](fn func(ctx context.Context, args A) (R, error)) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var a A
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("decode arguments: %w", err)
			}
		}
		return fn(ctx, a)
	}
}

// NoArgs adapts a function that takes no arguments.
func NoArgs[R any](fn func(ctx context.Context) (R, error)) Func {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx)
	}
}

// Module is a named group of functions.
type Module struct {
	name  string
	funcs map[string]Func
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{name: name, funcs: make(map[string]Func)}
}

// Name returns the module name.
func (m *Module) Name() string {
	return m.name
}

// Register adds a function to the module.
func (m *Module) Register(name string, fn Func) error {
	if err := checkName(name); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("%s.%s: nil function", m.name, name)
	}
	if _, ok := m.funcs[name]; ok {
		return fmt.Errorf("%s.%s: %w", m.name, name, ErrDuplicate)
	}
	m.funcs[name] = fn
	return nil
}

// MustRegister is Register for static setup; it panics on error.
func (m *Module) MustRegister(name string, fn Func) *Module {
	if err := m.Register(name, fn); err != nil {
		panic(err)
	}
	return m
}

// Function looks up a function by name.
func (m *Module) Function(name string) (Func, bool) {
	fn, ok := m.funcs[name]
	return fn, ok
}

// Functions returns the function names, sorted.
func (m *Module) Functions() []string {
	names := make([]string, 0, len(m.funcs))
	for n := range m.funcs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Registry maps module names to modules. It is filled during setup and only
// read afterwards.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Default returns a registry holding the builtin module.
func Default() *Registry {
	r := NewRegistry()
	r.Add(Builtin())
	return r
}

// Add registers a whole module.
func (r *Registry) Add(m *Module) error {
	if err := checkName(m.name); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[m.name]; ok {
		return fmt.Errorf("module %s: %w", m.name, ErrDuplicate)
	}
	r.modules[m.name] = m
	return nil
}

// Register adds one function, creating its module if needed.
func (r *Registry) Register(module, function string, fn Func) error {
	if err := checkName(module); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[module]
	if !ok {
		m = NewModule(module)
		r.modules[module] = m
	}
	return m.Register(function, fn)
}

// Module looks up a module by name.
func (r *Registry) Module(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Lookup resolves module and function in one step.
func (r *Registry) Lookup(module, function string) (Func, error) {
	m, ok := r.Module(module)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, module)
	}
	fn, ok := m.Function(function)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrFunctionNotFound, module, function)
	}
	return fn, nil
}

// Names returns every callable as "module.function", sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for mn, m := range r.modules {
		for _, fn := range m.Functions() {
			names = append(names, mn+"."+fn)
		}
	}
	sort.Strings(names)
	return names
}

// Validate checks the table: it must not be empty, no module may be empty,
// and every required "module.function" must resolve.
func (r *Registry) Validate(required ...string) error {
	r.mu.RLock()
	empty := len(r.modules) == 0
	var errs []error
	for name, m := range r.modules {
		if len(m.funcs) == 0 {
			errs = append(errs, fmt.Errorf("module %s has no functions", name))
		}
	}
	r.mu.RUnlock()

	if empty {
		return errors.New("module registry is empty")
	}
	for _, q := range required {
		module, function, ok := strings.Cut(q, ".")
		if !ok {
			errs = append(errs, fmt.Errorf("%q: %w", q, ErrInvalidName))
			continue
		}
		if _, err := r.Lookup(module, function); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func checkName(name string) error {
	if name == "" || strings.ContainsAny(name, ". \t\n") {
		return fmt.Errorf("%q: %w", name, ErrInvalidName)
	}
	return nil
}
