package runtime

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// Initializer is implemented by plugins that need startup work, such as
// opening a database connection.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Shutdowner is implemented by plugins that hold resources.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// Plugins tracks plugin instances so they can be started and stopped
// together. Their runner methods are exposed as registry symbols.
type Plugins struct {
	registry *Registry
	names    []string
	plugins  map[string]any
}

func NewPlugins(reg *Registry) *Plugins {
	if reg == nil {
		reg = DefaultRegistry
	}
	return &Plugins{registry: reg, plugins: make(map[string]any)}
}

// Register adds a plugin instance. Every exported method with the signature
//
//	func(ctx context.Context, in Input) (any, error)
//
// becomes a symbol named plugin.method (first letter lowercased), so
// definitions can use it as a Proxy target: {"target": "{{ mail.send }}"}.
func (p *Plugins) Register(name string, plugin any) error {
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if _, exists := p.plugins[name]; exists {
		return fmt.Errorf("plugin %s is already registered", name)
	}

	pluginType := reflect.TypeOf(plugin)
	pluginValue := reflect.ValueOf(plugin)
	for i := 0; i < pluginType.NumMethod(); i++ {
		method := pluginType.Method(i)
		if !method.IsExported() || !isRunnerSignature(method.Type) {
			continue
		}
		symbol := fmt.Sprintf("%s.%s", name, toLowerFirst(method.Name))
		if err := p.registry.RegisterSymbol(symbol, &methodRunner{method: pluginValue.Method(i)}); err != nil {
			return err
		}
	}

	p.names = append(p.names, name)
	p.plugins[name] = plugin
	return nil
}

func (p *Plugins) Get(name string) any {
	return p.plugins[name]
}

// Initialize starts plugins in registration order and stops at the first
// failure.
func (p *Plugins) Initialize(ctx context.Context) error {
	for _, name := range p.names {
		if init, ok := p.plugins[name].(Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return fmt.Errorf("plugin %s initialization failed: %w", name, err)
			}
		}
	}
	return nil
}

// Shutdown stops plugins in reverse registration order.
func (p *Plugins) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.names) - 1; i >= 0; i-- {
		name := p.names[i]
		if s, ok := p.plugins[name].(Shutdowner); ok {
			if err := s.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("plugin %s shutdown failed: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// methodRunner is a plugin method exposed as a Runner. It is used by
// pointer so dumps can tell methods apart.
type methodRunner struct {
	method reflect.Value
}

func (m *methodRunner) Run(ctx context.Context, in Input) (any, error) {
	results := m.method.Call([]reflect.Value{reflect.ValueOf(ctx), reflect.ValueOf(in)})
	var err error
	if !results[1].IsNil() {
		err = results[1].Interface().(error)
	}
	return results[0].Interface(), err
}

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	inputType   = reflect.TypeOf(Input{})
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// isRunnerSignature checks a method type including its receiver.
func isRunnerSignature(methodType reflect.Type) bool {
	if methodType.NumIn() != 3 || methodType.NumOut() != 2 {
		return false
	}
	return methodType.In(1) == contextType &&
		methodType.In(2) == inputType &&
		methodType.Out(0) == anyType &&
		methodType.Out(1) == errorType
}

func toLowerFirst(s string) string {
	if s == "" {
		return ""
	}
	return strings.ToLower(s[:1]) + s[1:]
}
