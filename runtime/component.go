package runtime

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/trducng/theflow/runtime/field"
	"github.com/trducng/theflow/runtime/tracker"
)

// Input is what a node receives.
type Input struct {
	Args   []any          `json:"args" msgpack:"args"`
	Kwargs map[string]any `json:"kwargs" msgpack:"kwargs"`
}

// Args builds an Input from positional arguments.
func Args(args ...any) Input {
	return Input{Args: args}
}

func (in Input) Arg(i int) any {
	if i < 0 || i >= len(in.Args) {
		return nil
	}
	return in.Args[i]
}

func (in Input) Kwarg(name string) (any, bool) {
	v, ok := in.Kwargs[name]
	return v, ok
}

// ToMap is the form recorded in progress logs and cache keys.
func (in Input) ToMap() map[string]any {
	args := in.Args
	if args == nil {
		args = []any{}
	}
	kwargs := in.Kwargs
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return map[string]any{"args": args, "kwargs": kwargs}
}

// withOverrides returns in with overrides replacing the kwargs they name.
func (in Input) withOverrides(overrides map[string]any) Input {
	if len(overrides) == 0 {
		return in
	}
	kwargs := make(map[string]any, len(overrides)+len(in.Kwargs))
	for k, v := range in.Kwargs {
		kwargs[k] = v
	}
	for k, v := range overrides {
		kwargs[k] = v
	}
	return Input{Args: in.Args, Kwargs: kwargs}
}

// Component is a unit of computation. Implementations embed Base and are
// registered with a Type so their params and nodes can be resolved.
type Component interface {
	Run(exec *Execution, in Input) (any, error)
	base() *Base
}

type options struct {
	settings   *Settings
	config     map[string]any
	configFile string
	backend    Backend
	middleware []Middleware
}

// Option customizes construction.
type Option func(*options)

func WithSettings(s *Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithConfig applies raw config values after the type-level config.
func WithConfig(raw map[string]any) Option {
	return func(o *options) { o.config = raw }
}

// WithConfigFile applies a YAML config file after the type-level config and
// before WithConfig values.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configFile = path }
}

func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithMiddleware replaces the middleware chain of this instance.
func WithMiddleware(m ...Middleware) Option {
	return func(o *options) {
		if m == nil {
			m = []Middleware{}
		}
		o.middleware = m
	}
}

// Base carries the resolved state of a component. Embed it in every
// component type.
type Base struct {
	initMu sync.Mutex

	mu       sync.RWMutex
	self     Component
	typ      *Type
	state    *field.State
	extra    map[string]any
	settings *Settings
	config   Config
	backend  Backend
	chain    Handler
	runOnce  map[string]any
	runKeep  map[string]any
	lastRun  *tracker.Tracker
}

func (b *Base) base() *Base { return b }

// New builds a registered component by type name.
func New(typeName string, values map[string]any, opts ...Option) (Component, error) {
	o := collect(opts)
	reg := DefaultRegistry
	if o.settings != nil && o.settings.Registry != nil {
		reg = o.settings.Registry
	}
	typ, ok := reg.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("type %s is not registered", typeName)
	}
	c := typ.New()
	if err := initComponent(c, typ, values, o); err != nil {
		return nil, err
	}
	return c, nil
}

// Make builds a registered component by Go type.
func Make[T Component](values map[string]any, opts ...Option) (T, error) {
	var zero T
	typ, ok := DefaultRegistry.lookupGoType(reflect.TypeOf((*T)(nil)).Elem())
	if !ok {
		return zero, fmt.Errorf("type %T is not registered", zero)
	}
	c := typ.New()
	if err := initComponent(c, typ, values, collect(opts)); err != nil {
		return zero, err
	}
	typed, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("type %s constructs %T, not %T", typ.Name, c, zero)
	}
	return typed, nil
}

// Init initializes a component value created by the caller.
func Init(c Component, values map[string]any, opts ...Option) error {
	typ, ok := DefaultRegistry.typeOf(c)
	if !ok {
		return fmt.Errorf("type %T is not registered", c)
	}
	return initComponent(c, typ, values, collect(opts))
}

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func initComponent(c Component, typ *Type, values map[string]any, o options) error {
	settings := DefaultSettings()
	if o.settings != nil {
		settings = o.settings.withDefaults()
	}

	raw := map[string]any{}
	if o.configFile != "" {
		fileValues, err := ReadConfigFile(o.configFile)
		if err != nil {
			return err
		}
		for k, v := range fileValues {
			raw[k] = v
		}
	}
	for k, v := range o.config {
		raw[k] = v
	}
	cfg, err := ResolveConfig(settings.Registry, typ, raw)
	if err != nil {
		return err
	}

	middleware := settings.Middleware
	if typ.Middleware != nil {
		middleware = typ.Middleware
	}
	if o.middleware != nil {
		middleware = o.middleware
	}
	backend := settings.Backend
	if o.backend != nil {
		backend = o.backend
	}

	b := c.base()
	b.mu.Lock()
	b.self = c
	b.typ = typ
	b.state = field.NewState(typ.Schema, c)
	b.extra = make(map[string]any)
	b.settings = settings
	b.config = cfg
	b.backend = backend
	b.chain = Chain(runHandler, middleware...)
	b.mu.Unlock()

	return b.Set(values)
}

// ensureInit runs one-time initialization for components that were never
// constructed through New, Make or Init.
func ensureInit(c Component) error {
	b := c.base()
	b.initMu.Lock()
	defer b.initMu.Unlock()
	if b.ready() {
		return nil
	}
	typ, ok := DefaultRegistry.typeOf(c)
	if !ok {
		return fmt.Errorf("type %T is not registered", c)
	}
	return initComponent(c, typ, nil, options{})
}

func (b *Base) ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.typ != nil
}

func (b *Base) TypeName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.typ == nil {
		return ""
	}
	return b.typ.Name
}

func (b *Base) Table() *field.Table { return b.typ.Schema }

func (b *Base) Config() Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.config
}

func (b *Base) Settings() *Settings {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.settings
}

func (b *Base) Backend() Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.backend
}

// SetBackend changes where calls of this component execute.
func (b *Base) SetBackend(backend Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backend = backend
}

// Get resolves a param, node or extra value by name.
func (b *Base) Get(name string) (any, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if _, declared := b.typ.Schema.Lookup(name); !declared {
		b.mu.RLock()
		v, ok := b.extra[name]
		b.mu.RUnlock()
		if ok {
			return v, nil
		}
	}
	return b.state.Get(name)
}

// Value reads a field of c and asserts its type.
func Value[T any](c Component, name string) (T, error) {
	var zero T
	v, err := c.base().Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("field %s holds %T, not %T", name, v, zero)
	}
	return typed, nil
}

// Node resolves a child component.
func (b *Base) Node(name string) (Component, error) {
	v, err := b.Get(name)
	if err != nil {
		return nil, err
	}
	return coerceNode(name, v, b.Settings())
}

// Set assigns values. Dotted keys assign into nested nodes, so
// {"step.x": 1} sets param x of node step.
func (b *Base) Set(values map[string]any) error {
	if err := b.check(); err != nil {
		return err
	}
	direct := map[string]any{}
	nested := map[string]map[string]any{}
	for key, v := range values {
		head, rest, found := strings.Cut(key, ".")
		if !found {
			direct[key] = v
			continue
		}
		if nested[head] == nil {
			nested[head] = map[string]any{}
		}
		nested[head][rest] = v
	}

	for _, name := range sortedNames(direct) {
		if err := b.assign(name, direct[name]); err != nil {
			return err
		}
	}
	for _, head := range sortedNames(nested) {
		node, err := b.Node(head)
		if err != nil {
			return fmt.Errorf("cannot set %s.*: %w", head, err)
		}
		if err := node.base().Set(nested[head]); err != nil {
			return fmt.Errorf("%s.%w", head, err)
		}
	}
	return nil
}

func (b *Base) assign(name string, v any) error {
	spec, declared := b.typ.Schema.Lookup(name)
	if !declared {
		if !b.typ.Schema.AllowsExtra() {
			return &field.DeclarationError{Type: b.typ.Name, Field: name, Reason: "not declared"}
		}
		if node, err := coerceNode(name, v, b.settings); err == nil {
			v = node
		}
		b.mu.Lock()
		b.extra[name] = v
		b.mu.Unlock()
		return nil
	}
	if spec.Node {
		node, err := coerceNode(name, v, b.settings)
		if err != nil {
			return err
		}
		if !IsCompatible(spec, node) {
			return &field.DeclarationError{Type: b.typ.Name, Field: name, Reason: "component signature is incompatible"}
		}
		v = node
	}
	return b.state.Set(name, v)
}

// Delete clears an assigned or cached value.
func (b *Base) Delete(name string) {
	if b.check() != nil {
		return
	}
	b.mu.Lock()
	delete(b.extra, name)
	b.mu.Unlock()
	b.state.Delete(name)
}

// Extra returns the undeclared values kept for types that allow them.
func (b *Base) Extra() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.extra))
	for k, v := range b.extra {
		out[k] = v
	}
	return out
}

// Missing lists the required params and nodes without a value, with nested
// names in dotted form.
func (b *Base) Missing() []string {
	var missing []string
	b.missing("", map[*Base]bool{}, &missing)
	sort.Strings(missing)
	return missing
}

func (b *Base) missing(prefix string, visited map[*Base]bool, out *[]string) {
	if visited[b] || b.check() != nil {
		return
	}
	visited[b] = true
	for _, name := range b.state.Missing() {
		*out = append(*out, prefix+name)
	}
	for _, name := range b.typ.Schema.Nodes() {
		spec, _ := b.typ.Schema.Lookup(name)
		if spec.Kind == field.KindRequired && !b.state.Has(name) {
			continue
		}
		if node, err := b.Node(name); err == nil {
			node.base().missing(prefix+name+".", visited, out)
		}
	}
}

// Getx resolves a dotted path such as "step.inner.x".
func (b *Base) Getx(path string) (any, error) {
	owner, last, err := b.walk(path)
	if err != nil {
		return nil, err
	}
	return owner.Get(last)
}

// Specs returns the field spec at a dotted path.
func (b *Base) Specs(path string) (*field.Spec, error) {
	owner, last, err := b.walk(path)
	if err != nil {
		return nil, err
	}
	spec, ok := owner.typ.Schema.Lookup(last)
	if !ok {
		return nil, &field.DeclarationError{Type: owner.typ.Name, Field: last, Reason: "not declared"}
	}
	return spec, nil
}

func (b *Base) walk(path string) (*Base, string, error) {
	if err := b.check(); err != nil {
		return nil, "", err
	}
	parts := strings.Split(strings.Trim(path, "."), ".")
	owner := b
	for _, part := range parts[:len(parts)-1] {
		node, err := owner.Node(part)
		if err != nil {
			return nil, "", err
		}
		owner = node.base()
		if err := owner.check(); err != nil {
			return nil, "", err
		}
	}
	return owner, parts[len(parts)-1], nil
}

// SetRun stages keyword arguments for the next calls. Staged kwargs replace
// the ones passed to Call. With once set they are used by the next call only
// and win over persistent ones.
func (b *Base) SetRun(kwargs map[string]any, once bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	target := &b.runKeep
	if once {
		target = &b.runOnce
	}
	if *target == nil {
		*target = map[string]any{}
	}
	for k, v := range kwargs {
		(*target)[k] = v
	}
}

func (b *Base) takeRunOverrides() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.runKeep) == 0 && len(b.runOnce) == 0 {
		return nil
	}
	merged := make(map[string]any, len(b.runKeep)+len(b.runOnce))
	for k, v := range b.runKeep {
		merged[k] = v
	}
	for k, v := range b.runOnce {
		merged[k] = v
	}
	b.runOnce = nil
	return merged
}

// LastRun returns the run record of the latest root call.
func (b *Base) LastRun() *tracker.Tracker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastRun
}

func (b *Base) replaceLastRun(t *tracker.Tracker) {
	b.mu.Lock()
	previous := b.lastRun
	b.lastRun = t
	b.mu.Unlock()
	if previous != nil && previous != t {
		previous.Close()
	}
}

// Describe returns the dumped definition of the component.
func (b *Base) Describe() (map[string]any, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return Dump(b.self)
}

// Call runs the component as the root of a new run.
func (b *Base) Call(ctx context.Context, in Input) (any, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	return Call(ctx, b.self, in)
}

func (b *Base) check() error {
	if !b.ready() {
		return fmt.Errorf("component is not initialized")
	}
	return nil
}

// NodeDefault is a field option that gives a node slot a fresh component of
// typeName per owning instance, built with the owner's settings.
func NodeDefault(typeName string, values map[string]any) field.Option {
	return field.DefaultFunc(func(r field.Resolver) (any, error) {
		var opts []Option
		if owner, ok := r.Owner().(Component); ok {
			opts = append(opts, WithSettings(owner.base().Settings()))
		}
		return New(typeName, values, opts...)
	})
}

// coerceNode turns plain runners into Proxy components built with settings.
func coerceNode(name string, v any, settings *Settings) (Component, error) {
	switch node := v.(type) {
	case Component:
		return node, nil
	case Runner:
		return NewProxy(node, WithSettings(settings))
	case func(context.Context, Input) (any, error):
		return NewProxy(RunnerFunc(node), WithSettings(settings))
	case nil:
		return nil, fmt.Errorf("node %s is nil", name)
	default:
		return nil, fmt.Errorf("node %s: %T is not a component and has no Run method", name, v)
	}
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
