package field

import (
	"errors"
	"sync"
	"testing"
)

type counter struct {
	mu    sync.Mutex
	calls int
}

func (c *counter) inc() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *counter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestState_FixedDefault(t *testing.T) {
	state := NewState(NewSchema("T").Param("a", Default(3)).MustBuild(), nil)

	for i := 0; i < 2; i++ {
		v, err := state.Get("a")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if v != 3 {
			t.Errorf("Expected 3, got %v", v)
		}
	}

	if err := state.Set("a", 5); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if v, _ := state.Get("a"); v != 5 {
		t.Errorf("Expected assigned value 5, got %v", v)
	}

	state.Delete("a")
	if v, _ := state.Get("a"); v != 3 {
		t.Errorf("Expected default 3 after delete, got %v", v)
	}
}

func TestState_DefaultCallbackComputedOnce(t *testing.T) {
	c := &counter{}
	table := NewSchema("T").
		Param("a", DefaultFunc(func(Resolver) (any, error) {
			c.inc()
			return []int{1, 2}, nil
		})).
		MustBuild()
	state := NewState(table, nil)

	first, _ := state.Get("a")
	second, _ := state.Get("a")

	if c.count() != 1 {
		t.Errorf("Expected callback to run once, ran %d times", c.count())
	}
	if &first.([]int)[0] != &second.([]int)[0] {
		t.Error("Expected identical cached value across reads")
	}

	state.Delete("a")
	state.Get("a")
	if c.count() != 2 {
		t.Errorf("Expected recompute after delete, ran %d times", c.count())
	}
}

func TestState_AutoCallbackDependencyInvalidation(t *testing.T) {
	c := &counter{}
	table := NewSchema("T").
		Param("x", Default(1)).
		Param("y", Default(2)).
		Param("unrelated", Default(0)).
		Param("z", Auto(func(r Resolver) (any, error) {
			c.inc()
			x, err := As[int](r, "x")
			if err != nil {
				return nil, err
			}
			y, err := As[int](r, "y")
			if err != nil {
				return nil, err
			}
			return x + y, nil
		}), DependsOn("y")).
		MustBuild()
	state := NewState(table, nil)

	if v, _ := state.Get("z"); v != 3 {
		t.Errorf("Expected z=3, got %v", v)
	}
	state.Get("z")
	if c.count() != 1 {
		t.Fatalf("Expected 1 computation after repeated reads, got %d", c.count())
	}

	state.Set("unrelated", 10)
	state.Get("z")
	if c.count() != 1 {
		t.Errorf("Expected no recompute after unrelated write, got %d computations", c.count())
	}

	state.Set("y", 5)
	if v, _ := state.Get("z"); v != 6 {
		t.Errorf("Expected z=6 after y changed, got %v", v)
	}
	state.Get("z")
	if c.count() != 2 {
		t.Errorf("Expected exactly one recompute after y changed, got %d computations", c.count())
	}
}

func TestState_AutoCallbackImplicitDependencies(t *testing.T) {
	c := &counter{}
	table := NewSchema("T").
		Param("a", Default(1)).
		Param("b", Default(1)).
		Param("total", Auto(func(r Resolver) (any, error) {
			c.inc()
			a, _ := As[int](r, "a")
			b, _ := As[int](r, "b")
			return a + b, nil
		})).
		MustBuild()
	state := NewState(table, nil)

	state.Get("total")
	state.Get("total")
	state.Set("b", 4)
	v, _ := state.Get("total")

	if v != 5 {
		t.Errorf("Expected total=5, got %v", v)
	}
	if c.count() != 2 {
		t.Errorf("Expected 2 computations, got %d", c.count())
	}
}

func TestState_AutoCallbackNoCache(t *testing.T) {
	c := &counter{}
	table := NewSchema("T").
		Param("now", Auto(func(Resolver) (any, error) {
			c.inc()
			return c.count(), nil
		}), NoCache()).
		MustBuild()
	state := NewState(table, nil)

	state.Get("now")
	state.Get("now")
	if c.count() != 2 {
		t.Errorf("Expected recompute on every read, got %d computations", c.count())
	}
}

func TestState_AutoCallbackIsReadOnly(t *testing.T) {
	table := NewSchema("T").Param("z", Auto(constant(1))).MustBuild()
	state := NewState(table, nil)

	err := state.Set("z", 2)
	var readOnly *ReadOnlyError
	if !errors.As(err, &readOnly) {
		t.Errorf("Expected ReadOnlyError, got %v", err)
	}
}

func TestState_Missing(t *testing.T) {
	table := NewSchema("T").
		Param("required").
		Param("optional", Default(1)).
		Param("computed", Auto(constant(1))).
		Node("child").
		MustBuild()
	state := NewState(table, nil)

	_, err := state.Get("required")
	var missing *MissingError
	if !errors.As(err, &missing) {
		t.Fatalf("Expected MissingError, got %v", err)
	}
	if err.Error() != "Parameter required is not set and has no default value" {
		t.Errorf("Unexpected message: %s", err.Error())
	}

	got := state.Missing()
	if len(got) != 2 || got[0] != "child" || got[1] != "required" {
		t.Errorf("Expected [child required], got %v", got)
	}

	state.Set("required", "ok")
	if got := state.Missing(); len(got) != 1 || got[0] != "child" {
		t.Errorf("Expected [child], got %v", got)
	}
}

func TestState_RuntimeReentrancy(t *testing.T) {
	table := NewSchema("T").
		Param("x", Auto(func(r Resolver) (any, error) { return r.Get("y") }), NoCache()).
		Param("y", DefaultFunc(func(r Resolver) (any, error) { return r.Get("x") })).
		MustBuild()
	state := NewState(table, nil)

	_, err := state.Get("x")
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected cyclic dependency error, got %v", err)
	}
	var cycle *CycleError
	errors.As(err, &cycle)
	if len(cycle.Chain) != 3 || cycle.Chain[0] != "x" || cycle.Chain[2] != "x" {
		t.Errorf("Expected chain x -> y -> x, got %v", cycle.Chain)
	}
}

type selfRef struct {
	state *State
}

func TestState_ReentrancyThroughOwner(t *testing.T) {
	owner := &selfRef{}
	viaOwner := func(name string) Callback {
		return func(r Resolver) (any, error) {
			return r.Owner().(*selfRef).state.Get(name)
		}
	}
	table := NewSchema("T").
		Param("x", DefaultFunc(viaOwner("y"))).
		Param("y", DefaultFunc(viaOwner("x"))).
		Param("z", DefaultFunc(func(r Resolver) (any, error) {
			return r.Owner().(*selfRef).state.Get("w")
		})).
		Param("w", Default(7)).
		MustBuild()
	owner.state = NewState(table, owner)

	_, err := owner.state.Get("x")
	if !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("Expected cyclic dependency error, got %v", err)
	}
	var cycle *CycleError
	errors.As(err, &cycle)
	if len(cycle.Chain) != 3 || cycle.Chain[0] != "x" || cycle.Chain[1] != "y" || cycle.Chain[2] != "x" {
		t.Errorf("Expected chain x -> y -> x, got %v", cycle.Chain)
	}

	// the chain is released once the failing read returns
	v, err := owner.state.Get("z")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != 7 {
		t.Errorf("Expected 7, got %v", v)
	}
}

func TestState_PublishedFallback(t *testing.T) {
	published := map[string]any{"lr": 0.1}
	fallback := func(name string) (any, bool) {
		v, ok := published[name]
		return v, ok
	}

	t.Run("opted in", func(t *testing.T) {
		state := NewState(NewSchema("T").Param("lr").Publish().MustBuild(), nil)
		state.SetFallback(fallback)
		v, err := state.Get("lr")
		if err != nil || v != 0.1 {
			t.Errorf("Expected published 0.1, got %v (%v)", v, err)
		}
		if len(state.Missing()) != 0 {
			t.Errorf("Expected nothing missing, got %v", state.Missing())
		}
	})

	t.Run("not opted in", func(t *testing.T) {
		state := NewState(NewSchema("T").Param("lr").MustBuild(), nil)
		state.SetFallback(fallback)
		if _, err := state.Get("lr"); err == nil {
			t.Error("Expected MissingError without publish opt-in")
		}
	})
}

func TestState_ResolverOwner(t *testing.T) {
	owner := &struct{ name string }{name: "owner"}
	table := NewSchema("T").
		Param("label", DefaultFunc(func(r Resolver) (any, error) {
			return r.Owner().(*struct{ name string }).name, nil
		})).
		MustBuild()

	v, err := NewState(table, owner).Get("label")
	if err != nil || v != "owner" {
		t.Errorf("Expected owner name, got %v (%v)", v, err)
	}
}
