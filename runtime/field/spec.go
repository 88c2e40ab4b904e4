// Package field resolves the declared attributes of a component.
//
// A type declares its params and nodes once through a Schema, which produces
// an immutable Table. Every instance then owns a State holding assigned and
// cached values. Reads go through State.Get, which picks the resolution rule
// of the field's Spec: a fixed default, a default callback computed once and
// cached, or an auto callback recomputed whenever the identity of one of its
// dependencies changes.
package field

import (
	"fmt"
	"reflect"
)

// Kind classifies how a field resolves a value nobody assigned.
type Kind int

const (
	// KindRequired fields have no default and must be assigned.
	KindRequired Kind = iota
	KindDefault
	KindDefaultCallback
	KindAutoCallback
)

func (k Kind) String() string {
	switch k {
	case KindDefault:
		return "default"
	case KindDefaultCallback:
		return "default_callback"
	case KindAutoCallback:
		return "auto_callback"
	default:
		return "required"
	}
}

// Resolver is handed to callbacks. Reads made through it share the caller's
// in-flight set, so a callback reaching back to its own field fails fast.
type Resolver interface {
	Get(name string) (any, error)
	Owner() any
}

// Callback computes a field value from its owner.
type Callback func(r Resolver) (any, error)

// Signature describes the input and output types of a node's run method.
type Signature struct {
	In  []reflect.Type
	Out reflect.Type
}

// Spec is the resolution rule attached to one param or node.
type Spec struct {
	Name      string
	Node      bool
	Kind      Kind
	Default   any
	Callback  Callback
	Cache     bool
	DependsOn []string
	Help      string
	Signature *Signature

	conflict string
}

// HasCallback reports whether the field is computed.
func (s *Spec) HasCallback() bool {
	return s.Kind == KindDefaultCallback || s.Kind == KindAutoCallback
}

// Option configures a Spec.
type Option func(*Spec)

func setKind(s *Spec, k Kind) {
	if s.Kind != KindRequired && s.Kind != k {
		s.conflict = "default, default callback and auto callback are mutually exclusive"
	}
	s.Kind = k
}

// Default gives the field a fixed default value.
func Default(v any) Option {
	return func(s *Spec) {
		setKind(s, KindDefault)
		s.Default = v
	}
}

// DefaultFunc computes the default once and caches it until Delete.
func DefaultFunc(cb Callback) Option {
	return func(s *Spec) {
		setKind(s, KindDefaultCallback)
		s.Callback = cb
	}
}

// Auto makes the field computed. Auto fields are cached by default and
// recomputed when a dependency changes identity.
func Auto(cb Callback) Option {
	return func(s *Spec) {
		setKind(s, KindAutoCallback)
		s.Callback = cb
	}
}

// NoCache recomputes a callback field on every read.
func NoCache() Option {
	return func(s *Spec) {
		s.Cache = false
	}
}

// DependsOn lists the fields whose identity is watched by an auto callback.
func DependsOn(names ...string) Option {
	return func(s *Spec) {
		s.DependsOn = append(s.DependsOn, names...)
	}
}

// Help attaches a description.
func Help(text string) Option {
	return func(s *Spec) {
		s.Help = text
	}
}

// WithSignature fixes the input/output types of a node.
func WithSignature(sig Signature) Option {
	return func(s *Spec) {
		s.Signature = &sig
	}
}

func newSpec(name string, node bool, opts []Option) *Spec {
	s := &Spec{Name: name, Node: node, Cache: true}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// As reads name through r and asserts its type.
func As[T any](r Resolver, name string) (T, error) {
	var zero T
	v, err := r.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &DeclarationError{Field: name, Reason: fmt.Sprintf("holds %T, not %T", v, zero)}
	}
	return typed, nil
}
