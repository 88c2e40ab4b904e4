package field

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

// generation hands out identity tokens. A token changes whenever a field is
// assigned, deleted or recomputed, and stays stable across plain reads.
var generation atomic.Uint64

func nextToken() uint64 { return generation.Add(1) }

// Fallback resolves a required field nobody assigned.
type Fallback func(name string) (any, bool)

// State holds the assigned and cached values of one component instance.
type State struct {
	table *Table
	owner any

	mu       sync.RWMutex
	values   map[string]any
	assigned map[string]bool
	tokens   map[string]uint64
	seen     map[string]map[string]uint64
	fallback Fallback

	chainMu sync.Mutex
	active  *frame
}

func NewState(table *Table, owner any) *State {
	return &State{
		table:    table,
		owner:    owner,
		values:   make(map[string]any),
		assigned: make(map[string]bool),
		tokens:   make(map[string]uint64),
		seen:     make(map[string]map[string]uint64),
	}
}

func (s *State) Table() *Table { return s.table }

// SetFallback installs the lookup used for unassigned required params when
// the table publishes.
func (s *State) SetFallback(fb Fallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fb
}

// Get resolves name. While a callback of this state is running, reads join
// its resolution chain, so a callback that reaches back through its owner
// sees the same in-flight set as one that reads through its Resolver.
func (s *State) Get(name string) (any, error) {
	s.chainMu.Lock()
	f := s.active
	s.chainMu.Unlock()
	if f == nil {
		f = &frame{state: s, inflight: make(map[string]int)}
	}
	return f.Get(name)
}

// Set assigns a value. Auto callback fields are read-only.
func (s *State) Set(name string, value any) error {
	spec, ok := s.table.Lookup(name)
	if !ok {
		return &DeclarationError{Type: s.table.typeName, Field: name, Reason: "not declared"}
	}
	if spec.Kind == KindAutoCallback {
		return &ReadOnlyError{Type: s.table.typeName, Field: name}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	s.assigned[name] = true
	s.tokens[name] = nextToken()
	return nil
}

// Delete drops an assigned or cached value so the next read recomputes or
// falls back to the default.
func (s *State) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, name)
	delete(s.assigned, name)
	delete(s.seen, name)
	s.tokens[name] = nextToken()
}

// Has reports whether a value is held without computing anything.
func (s *State) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[name]
	return ok
}

// Assigned reports whether the value was set explicitly.
func (s *State) Assigned(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assigned[name]
}

// Token returns the current identity of a field.
func (s *State) Token(name string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tokens[name]
}

// Values returns a snapshot of held values.
func (s *State) Values() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

// Missing lists required fields that have no value, skipping computed ones.
func (s *State) Missing() []string {
	var missing []string
	for _, name := range append(s.table.Params(), s.table.Nodes()...) {
		spec, _ := s.table.Lookup(name)
		if spec.Kind != KindRequired || s.Has(name) {
			continue
		}
		if _, ok := s.lookupFallback(name); ok {
			continue
		}
		missing = append(missing, name)
	}
	sort.Strings(missing)
	return missing
}

func (s *State) lookupFallback(name string) (any, bool) {
	s.mu.RLock()
	fb := s.fallback
	s.mu.RUnlock()
	if fb == nil || !s.table.publish {
		return nil, false
	}
	return fb(name)
}

func (s *State) cached(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *State) store(name string, value any, seen map[string]uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	s.tokens[name] = nextToken()
	if seen != nil {
		s.seen[name] = seen
	}
}

func (s *State) unchanged(name string, current map[string]uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.values[name]; !ok {
		return false
	}
	previous, ok := s.seen[name]
	if !ok || len(previous) != len(current) {
		return false
	}
	for dep, token := range current {
		if previous[dep] != token {
			return false
		}
	}
	return true
}

// frame is one resolution chain. Nested reads made by callbacks go through
// the same frame so re-entrancy is visible.
type frame struct {
	state *State

	mu       sync.Mutex
	inflight map[string]int
	stack    []string
	depth    int
}

// enter marks name in flight and, for the outermost callback, publishes the
// frame on the state. It fails when name is already being resolved.
func (f *frame) enter(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[name] > 0 {
		return &CycleError{Chain: append(append([]string(nil), f.stack...), name)}
	}
	f.inflight[name]++
	f.stack = append(f.stack, name)
	f.depth++
	if f.depth == 1 {
		f.state.chainMu.Lock()
		if f.state.active == nil {
			f.state.active = f
		}
		f.state.chainMu.Unlock()
	}
	return nil
}

func (f *frame) leave(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[name]--; f.inflight[name] <= 0 {
		delete(f.inflight, name)
	}
	for i := len(f.stack) - 1; i >= 0; i-- {
		if f.stack[i] == name {
			f.stack = append(f.stack[:i], f.stack[i+1:]...)
			break
		}
	}
	f.depth--
	if f.depth == 0 {
		f.state.chainMu.Lock()
		if f.state.active == f {
			f.state.active = nil
		}
		f.state.chainMu.Unlock()
	}
}

func (f *frame) cycle(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inflight[name] == 0 {
		return nil
	}
	return &CycleError{Chain: append(append([]string(nil), f.stack...), name)}
}

func (f *frame) Owner() any { return f.state.owner }

func (f *frame) Get(name string) (any, error) {
	s := f.state
	spec, ok := s.table.Lookup(name)
	if !ok {
		return nil, &DeclarationError{Type: s.table.typeName, Field: name, Reason: "not declared"}
	}
	if err := f.cycle(name); err != nil {
		return nil, err
	}

	switch spec.Kind {
	case KindAutoCallback:
		if !spec.Cache {
			v, err := f.compute(spec)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.tokens[name] = nextToken()
			s.mu.Unlock()
			return v, nil
		}
		current, err := f.identities(name)
		if err != nil {
			return nil, err
		}
		if s.unchanged(name, current) {
			v, _ := s.cached(name)
			return v, nil
		}
		v, err := f.compute(spec)
		if err != nil {
			return nil, err
		}
		s.store(name, v, current)
		return v, nil

	case KindDefaultCallback:
		if v, ok := s.cached(name); ok && (spec.Cache || s.Assigned(name)) {
			return v, nil
		}
		v, err := f.compute(spec)
		if err != nil {
			return nil, err
		}
		if spec.Cache {
			s.store(name, v, nil)
		} else {
			s.mu.Lock()
			s.tokens[name] = nextToken()
			s.mu.Unlock()
		}
		return v, nil

	case KindDefault:
		if v, ok := s.cached(name); ok {
			return v, nil
		}
		return spec.Default, nil

	default:
		if v, ok := s.cached(name); ok {
			return v, nil
		}
		if v, ok := s.lookupFallback(name); ok {
			return v, nil
		}
		return nil, &MissingError{Type: s.table.typeName, Field: name, Node: spec.Node}
	}
}

// identities resolves the dependencies of name and collects their tokens.
// Missing dependencies count with their current token; the callback decides
// whether it can do without them.
func (f *frame) identities(name string) (map[string]uint64, error) {
	if err := f.enter(name); err != nil {
		return nil, err
	}
	defer f.leave(name)

	current := make(map[string]uint64)
	for _, dep := range f.state.table.deps[name] {
		if _, err := f.Get(dep); err != nil {
			var missing *MissingError
			if !errors.As(err, &missing) {
				return nil, err
			}
		}
		current[dep] = f.state.Token(dep)
	}
	return current, nil
}

func (f *frame) compute(spec *Spec) (any, error) {
	if err := f.enter(spec.Name); err != nil {
		return nil, err
	}
	defer f.leave(spec.Name)
	return spec.Callback(f)
}
