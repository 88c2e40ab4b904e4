package runtime

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/trducng/theflow/runtime/field"
)

// Type describes a registered component type.
type Type struct {
	Name   string
	New    func() Component
	Schema *field.Table
	// Base names the registered parent type whose Config is applied first.
	Base string
	// Config holds type-level config values.
	Config map[string]any
	// Middleware overrides Settings.Middleware for this type when non-nil.
	Middleware []Middleware

	goType reflect.Type
}

// RestoreFunc rebuilds a persisted value from its dumped fields.
type RestoreFunc func(fields map[string]any) (any, error)

// Persister is implemented by values that dump themselves as
// {"__type__": PersistType(), ...Persist()}.
type Persister interface {
	PersistType() string
	Persist() (map[string]any, error)
}

// Signatured components report the input/output types of their run method.
type Signatured interface {
	Signature() field.Signature
}

// Registry maps names to component types, symbols and persisted value types.
// The process-wide DefaultRegistry backs unsafe loads; a registry built with
// Allow is an explicit allow-list for safe loads.
type Registry struct {
	mu        sync.RWMutex
	types     map[string]*Type
	byGoType  map[reflect.Type]*Type
	symbols   map[string]any
	persisted map[string]RestoreFunc
}

func NewRegistry() *Registry {
	return &Registry{
		types:     make(map[string]*Type),
		byGoType:  make(map[reflect.Type]*Type),
		symbols:   make(map[string]any),
		persisted: make(map[string]RestoreFunc),
	}
}

// DefaultRegistry holds every type registered by package init functions.
var DefaultRegistry = NewRegistry()

func Register(t Type) error { return DefaultRegistry.Register(t) }

func MustRegister(t Type) {
	if err := DefaultRegistry.Register(t); err != nil {
		panic(err)
	}
}

func RegisterSymbol(name string, value any) error {
	return DefaultRegistry.RegisterSymbol(name, value)
}

func RegisterPersisted(name string, restore RestoreFunc) error {
	return DefaultRegistry.RegisterPersisted(name, restore)
}

// Register adds a component type.
func (r *Registry) Register(t Type) error {
	if t.Name == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if t.New == nil {
		return fmt.Errorf("type %s: constructor cannot be nil", t.Name)
	}
	if t.Schema == nil {
		table, err := field.NewSchema(t.Name).Build()
		if err != nil {
			return err
		}
		t.Schema = table
	}
	instance := t.New()
	if instance == nil {
		return fmt.Errorf("type %s: constructor returned nil", t.Name)
	}
	t.goType = reflect.TypeOf(instance)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[t.Name]; exists {
		return fmt.Errorf("type %s is already registered", t.Name)
	}
	r.types[t.Name] = &t
	r.byGoType[t.goType] = &t
	return nil
}

// RegisterSymbol names a value that cannot be dumped directly, such as a
// function. Dumps refer to it as "{{ name }}".
func (r *Registry) RegisterSymbol(name string, value any) error {
	if name == "" || value == nil {
		return fmt.Errorf("symbol name and value are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[name] = value
	return nil
}

func (r *Registry) RegisterPersisted(name string, restore RestoreFunc) error {
	if name == "" || restore == nil {
		return fmt.Errorf("persisted type name and restore function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persisted[name] = restore
	return nil
}

func (r *Registry) Lookup(name string) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[name]
	return t, ok
}

func (r *Registry) Symbol(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.symbols[name]
	return v, ok
}

func (r *Registry) restore(name string) (RestoreFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.persisted[name]
	return fn, ok
}

func (r *Registry) typeOf(c Component) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byGoType[reflect.TypeOf(c)]
	return t, ok
}

func (r *Registry) lookupGoType(rt reflect.Type) (*Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byGoType[rt]
	return t, ok
}

// symbolName finds the registered name of a value. Functions compare by code
// pointer, everything else by equality when comparable.
func (r *Registry) symbolName(value any) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.symbols))
	for name := range r.symbols {
		names = append(names, name)
	}
	sort.Strings(names)

	v := reflect.ValueOf(value)
	for _, name := range names {
		candidate := reflect.ValueOf(r.symbols[name])
		if candidate.Type() != v.Type() {
			continue
		}
		if v.Kind() == reflect.Func {
			if candidate.Pointer() == v.Pointer() {
				return name, true
			}
			continue
		}
		if v.Type().Comparable() && candidate.Interface() == value {
			return name, true
		}
	}
	return "", false
}

// lineage returns the type and its registered bases, root first.
func (r *Registry) lineage(t *Type) ([]*Type, error) {
	var chain []*Type
	seen := map[string]bool{}
	for current := t; current != nil; {
		if seen[current.Name] {
			return nil, fmt.Errorf("type %s has a cyclic base chain", t.Name)
		}
		seen[current.Name] = true
		chain = append([]*Type{current}, chain...)
		if current.Base == "" {
			break
		}
		base, ok := r.Lookup(current.Base)
		if !ok {
			return nil, fmt.Errorf("type %s: base type %s is not registered", current.Name, current.Base)
		}
		current = base
	}
	return chain, nil
}

// Allow builds an allow-list registry holding only the named types, symbols
// and persisted types of r.
func (r *Registry) Allow(names ...string) (*Registry, error) {
	allowed := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		found := false
		if t, ok := r.types[name]; ok {
			allowed.types[name] = t
			allowed.byGoType[t.goType] = t
			found = true
		}
		if v, ok := r.symbols[name]; ok {
			allowed.symbols[name] = v
			found = true
		}
		if fn, ok := r.persisted[name]; ok {
			allowed.persisted[name] = fn
			found = true
		}
		if !found {
			return nil, fmt.Errorf("%q is not registered", name)
		}
	}
	return allowed, nil
}

// SignatureOf reports the run signature of a component, or nil when it does
// not declare one.
func SignatureOf(c Component) *field.Signature {
	if s, ok := c.(Signatured); ok {
		sig := s.Signature()
		return &sig
	}
	if p, ok := c.(*Proxy); ok {
		return p.signature()
	}
	return nil
}

// IsCompatible reports whether c can fill a node slot declared by spec.
// Unknown signatures on either side are accepted.
func IsCompatible(spec *field.Spec, c Component) bool {
	if spec == nil || spec.Signature == nil {
		return true
	}
	sig := SignatureOf(c)
	if sig == nil {
		return true
	}
	if len(sig.In) != len(spec.Signature.In) {
		return false
	}
	for i, in := range spec.Signature.In {
		if in == nil || sig.In[i] == nil {
			continue
		}
		if !in.AssignableTo(sig.In[i]) {
			return false
		}
	}
	if spec.Signature.Out != nil && sig.Out != nil && !sig.Out.AssignableTo(spec.Signature.Out) {
		return false
	}
	return true
}
