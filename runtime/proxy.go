package runtime

import (
	"context"
	"fmt"

	"github.com/trducng/theflow/runtime/field"
)

// Runner is plain code that can fill a node slot without being a component.
type Runner interface {
	Run(ctx context.Context, in Input) (any, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, in Input) (any, error)

func (f RunnerFunc) Run(ctx context.Context, in Input) (any, error) {
	return f(ctx, in)
}

const ProxyType = "theflow.Proxy"

// Proxy is the component wrapped around a Runner assigned to a node slot.
type Proxy struct {
	Base
}

func init() {
	MustRegister(Type{
		Name: ProxyType,
		New:  func() Component { return &Proxy{} },
		Schema: field.NewSchema(ProxyType).
			Param("target", field.Help("the wrapped runner")).
			MustBuild(),
	})
}

// NewProxy wraps r in a component.
func NewProxy(r Runner, opts ...Option) (*Proxy, error) {
	p := &Proxy{}
	if err := Init(p, map[string]any{"target": r}, opts...); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) Target() (Runner, error) {
	v, err := p.Get("target")
	if err != nil {
		return nil, err
	}
	switch target := v.(type) {
	case Runner:
		return target, nil
	case func(context.Context, Input) (any, error):
		return RunnerFunc(target), nil
	default:
		return nil, fmt.Errorf("proxy target %T has no Run method", v)
	}
}

func (p *Proxy) Run(exec *Execution, in Input) (any, error) {
	target, err := p.Target()
	if err != nil {
		return nil, err
	}
	return target.Run(exec, in)
}

func (p *Proxy) signature() *field.Signature {
	target, err := p.Target()
	if err != nil {
		return nil
	}
	if s, ok := target.(Signatured); ok {
		sig := s.Signature()
		return &sig
	}
	return nil
}
