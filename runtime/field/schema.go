package field

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// reserved names collide with component methods or serialized keys.
var reserved = map[string]bool{
	"run": true, "params": true, "nodes": true, "config": true, "context": true,
	"dump": true, "set": true, "set_run": true, "specs": true, "missing": true,
	"middleware": true, "backend": true, "name": true, "path": true,
}

// Schema builds the field table of one component type.
type Schema struct {
	typeName   string
	specs      map[string]*Spec
	declared   map[string]bool
	errs       []error
	allowExtra bool
	publish    bool
}

func NewSchema(typeName string) *Schema {
	return &Schema{
		typeName: typeName,
		specs:    make(map[string]*Spec),
		declared: make(map[string]bool),
	}
}

// Extend copies the fields of a base table. Fields declared on this schema
// override base fields with the same name.
func (s *Schema) Extend(base *Table) *Schema {
	if base == nil {
		return s
	}
	for name, spec := range base.specs {
		if !s.declared[name] {
			s.specs[name] = spec
		}
	}
	s.allowExtra = s.allowExtra || base.allowExtra
	s.publish = s.publish || base.publish
	return s
}

func (s *Schema) Param(name string, opts ...Option) *Schema {
	return s.add(newSpec(name, false, opts))
}

func (s *Schema) Node(name string, opts ...Option) *Schema {
	return s.add(newSpec(name, true, opts))
}

// AllowExtra stores undeclared construction keys instead of rejecting them.
func (s *Schema) AllowExtra() *Schema {
	s.allowExtra = true
	return s
}

// Publish opts the type into the published-params fallback for required
// params nobody assigned.
func (s *Schema) Publish() *Schema {
	s.publish = true
	return s
}

func (s *Schema) add(spec *Spec) *Schema {
	if s.declared[spec.Name] {
		s.errs = append(s.errs, &DeclarationError{Type: s.typeName, Field: spec.Name, Reason: "declared twice"})
		return s
	}
	s.declared[spec.Name] = true
	s.specs[spec.Name] = spec
	return s
}

// Build validates the declarations and freezes them into a Table.
func (s *Schema) Build() (*Table, error) {
	errs := append([]error(nil), s.errs...)

	for _, name := range sortedKeys(s.specs) {
		if err := s.check(s.specs[name]); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	t := &Table{
		typeName:   s.typeName,
		specs:      make(map[string]*Spec, len(s.specs)),
		deps:       make(map[string][]string),
		allowExtra: s.allowExtra,
		publish:    s.publish,
	}
	for name, spec := range s.specs {
		t.specs[name] = spec
		if spec.Node {
			t.nodes = append(t.nodes, name)
		} else {
			t.params = append(t.params, name)
		}
	}
	sort.Strings(t.params)
	sort.Strings(t.nodes)

	if err := detectCycle(s.typeName, t.specs); err != nil {
		return nil, err
	}

	for name, spec := range t.specs {
		if spec.Kind != KindAutoCallback || !spec.Cache {
			continue
		}
		if len(spec.DependsOn) > 0 {
			t.deps[name] = append([]string(nil), spec.DependsOn...)
			continue
		}
		// Implicit set: every sibling that is not itself an auto callback.
		var implicit []string
		for _, other := range sortedKeys(t.specs) {
			if other != name && t.specs[other].Kind != KindAutoCallback {
				implicit = append(implicit, other)
			}
		}
		t.deps[name] = implicit
	}

	return t, nil
}

// MustBuild is Build for package-level declarations.
func (s *Schema) MustBuild() *Table {
	t, err := s.Build()
	if err != nil {
		panic(fmt.Sprintf("field: invalid schema for %s: %v", s.typeName, err))
	}
	return t
}

func (s *Schema) check(spec *Spec) error {
	fail := func(reason string) error {
		return &DeclarationError{Type: s.typeName, Field: spec.Name, Reason: reason}
	}
	switch {
	case spec.Name == "":
		return fail("name cannot be empty")
	case strings.HasPrefix(spec.Name, "_"):
		return fail("name cannot start with an underscore")
	case strings.ContainsAny(spec.Name, ".[]"):
		return fail("name cannot contain '.', '[' or ']'")
	case reserved[spec.Name]:
		return fail("name is reserved")
	case spec.conflict != "":
		return fail(spec.conflict)
	case spec.HasCallback() && spec.Callback == nil:
		return fail("callback cannot be nil")
	}
	if len(spec.DependsOn) == 0 {
		return nil
	}
	if spec.Kind != KindAutoCallback {
		return fail("depends_on requires an auto callback")
	}
	if !spec.Cache {
		return fail("depends_on requires caching")
	}
	for _, dep := range spec.DependsOn {
		if dep == spec.Name {
			return &CycleError{Chain: []string{spec.Name, spec.Name}}
		}
		if _, ok := s.specs[dep]; !ok {
			return fail(fmt.Sprintf("depends on undeclared field %q", dep))
		}
	}
	return nil
}

// detectCycle walks depends_on edges between callback fields with a
// visited/in-progress DFS. A back-edge is a cycle.
func detectCycle(typeName string, specs map[string]*Spec) error {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(specs))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = inProgress
		stack = append(stack, name)
		for _, dep := range specs[name].DependsOn {
			target, ok := specs[dep]
			if !ok || !target.HasCallback() {
				continue
			}
			switch state[dep] {
			case inProgress:
				chain := append([]string(nil), stack[indexOf(stack, dep):]...)
				return &CycleError{Chain: append(chain, dep)}
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range sortedKeys(specs) {
		if state[name] == unvisited && specs[name].HasCallback() {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Table is the frozen set of field specs of one type.
type Table struct {
	typeName   string
	specs      map[string]*Spec
	params     []string
	nodes      []string
	deps       map[string][]string
	allowExtra bool
	publish    bool
}

func (t *Table) TypeName() string { return t.typeName }

func (t *Table) Lookup(name string) (*Spec, bool) {
	spec, ok := t.specs[name]
	return spec, ok
}

// Params returns param names in sorted order.
func (t *Table) Params() []string { return append([]string(nil), t.params...) }

// Nodes returns node names in sorted order.
func (t *Table) Nodes() []string { return append([]string(nil), t.nodes...) }

func (t *Table) AllowsExtra() bool { return t.allowExtra }

func (t *Table) Publishes() bool { return t.publish }

// Dependencies returns the watched fields of a cached auto callback.
func (t *Table) Dependencies(name string) []string {
	return append([]string(nil), t.deps[name]...)
}

func sortedKeys(m map[string]*Spec) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return 0
}
