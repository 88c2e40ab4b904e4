package runtime

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/trducng/theflow/runtime/field"
)

// Components shared by the runtime tests.

type addOne struct{ Base }

func (a *addOne) Run(exec *Execution, in Input) (any, error) {
	increment, err := Value[int](a, "increment")
	if err != nil {
		return nil, err
	}
	label, _ := Value[string](a, "label")
	countRun(label)
	return asInt(in.Arg(0)) + increment, nil
}

type pipeline struct{ Base }

func (p *pipeline) Run(exec *Execution, in Input) (any, error) {
	out := in.Arg(0)
	for _, slot := range []string{"step1", "step2", "step3"} {
		var err error
		if out, err = exec.Call(slot, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type repeat struct{ Base }

func (r *repeat) Run(exec *Execution, in Input) (any, error) {
	times, err := Value[int](r, "times")
	if err != nil {
		return nil, err
	}
	outs := make([]any, 0, times)
	for i := 0; i < times; i++ {
		out, err := exec.Call("step", i)
		if err != nil {
			return nil, err
		}
		outs = append(outs, out)
	}
	return outs, nil
}

type fanout struct{ Base }

func (f *fanout) Run(exec *Execution, in Input) (any, error) {
	tasks := make([]Input, asInt(in.Arg(0)))
	for i := range tasks {
		tasks[i] = Args(i)
	}
	return RunInPool(exec, "step", tasks, 3)
}

type echo struct{ Base }

func (e *echo) Run(exec *Execution, in Input) (any, error) {
	return in.Kwargs, nil
}

type failing struct{ Base }

var errBoom = errors.New("boom")

func (f *failing) Run(exec *Execution, in Input) (any, error) {
	return nil, errBoom
}

type greeter struct{ Base }

func (g *greeter) Run(exec *Execution, in Input) (any, error) {
	return exec.Call("child")
}

type listener struct{ Base }

func (l *listener) Run(exec *Execution, in Input) (any, error) {
	return l.Get("greeting")
}

type loop struct{ Base }

func (l *loop) Run(exec *Execution, in Input) (any, error) {
	return exec.Call("next")
}

type area struct{ Base }

func (a *area) Run(exec *Execution, in Input) (any, error) {
	return a.Get("area")
}

func init() {
	MustRegister(Type{
		Name: "test.AddOne",
		New:  func() Component { return &addOne{} },
		Schema: field.NewSchema("test.AddOne").
			Param("increment", field.Default(1)).
			Param("label", field.Default("")).
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Pipeline",
		New:  func() Component { return &pipeline{} },
		Schema: field.NewSchema("test.Pipeline").
			Node("step1").
			Node("step2").
			Node("step3").
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Repeat",
		New:  func() Component { return &repeat{} },
		Schema: field.NewSchema("test.Repeat").
			Param("times", field.Default(3)).
			Node("step", NodeDefault("test.AddOne", nil)).
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Fanout",
		New:  func() Component { return &fanout{} },
		Schema: field.NewSchema("test.Fanout").
			Node("step", NodeDefault("test.AddOne", map[string]any{"label": "fanout"})).
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Echo",
		New:  func() Component { return &echo{} },
	})
	MustRegister(Type{
		Name: "test.Failing",
		New:  func() Component { return &failing{} },
	})
	MustRegister(Type{
		Name: "test.Greeter",
		New:  func() Component { return &greeter{} },
		Schema: field.NewSchema("test.Greeter").
			Param("greeting").
			Node("child", NodeDefault("test.Listener", nil)).
			Publish().
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Listener",
		New:  func() Component { return &listener{} },
		Schema: field.NewSchema("test.Listener").
			Param("greeting").
			Publish().
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Loop",
		New:  func() Component { return &loop{} },
		Schema: field.NewSchema("test.Loop").
			Node("next").
			MustBuild(),
	})
	MustRegister(Type{
		Name: "test.Area",
		New:  func() Component { return &area{} },
		Schema: field.NewSchema("test.Area").
			Param("width").
			Param("height").
			Param("area", field.Auto(func(r field.Resolver) (any, error) {
				w, err := field.As[int](r, "width")
				if err != nil {
					return nil, err
				}
				h, err := field.As[int](r, "height")
				if err != nil {
					return nil, err
				}
				return w * h, nil
			}), field.DependsOn("width", "height")).
			MustBuild(),
	})
}

var runCounts sync.Map // label -> *atomic.Int64

func countRun(label string) {
	if label == "" {
		return
	}
	v, _ := runCounts.LoadOrStore(label, new(atomic.Int64))
	v.(*atomic.Int64).Add(1)
}

func runCount(label string) int64 {
	v, ok := runCounts.Load(label)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// asInt accepts both fresh ints and int64 values decoded from msgpack.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

// testSettings returns isolated in-memory settings. With no middleware given
// the default chain is used.
func testSettings(t *testing.T, middleware ...Middleware) *Settings {
	t.Helper()
	s := NewSettings()
	s.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	if middleware != nil {
		s.Middleware = middleware
	}
	return s
}

func mustNew(t *testing.T, typeName string, values map[string]any, opts ...Option) Component {
	t.Helper()
	c, err := New(typeName, values, opts...)
	if err != nil {
		t.Fatalf("New(%s) failed: %v", typeName, err)
	}
	return c
}

// newPipeline builds test.Pipeline with three addOne steps labelled
// prefix-1..3.
func newPipeline(t *testing.T, prefix string, opts ...Option) Component {
	t.Helper()
	values := map[string]any{}
	for i := 1; i <= 3; i++ {
		values[fmt.Sprintf("step%d", i)] = mustNew(t, "test.AddOne",
			map[string]any{"label": fmt.Sprintf("%s-%d", prefix, i)}, opts...)
	}
	return mustNew(t, "test.Pipeline", values, opts...)
}
