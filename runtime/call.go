package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/trducng/theflow/runtime/store"
	"github.com/trducng/theflow/runtime/tracker"
)

// Call runs c as the root of a new run. Nodes called from c during the run
// share its run id, flow name and context.
func Call(ctx context.Context, c Component, in Input) (any, error) {
	if err := ensureInit(c); err != nil {
		return nil, err
	}
	b := c.base()
	cfg := b.Config()
	settings := b.Settings()

	runID := cfg.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	flowName := cfg.FlowName
	if flowName == "" {
		flowName = b.TypeName()
	}

	run := newRunState(flowName, runID, settings, cfg)
	defer run.cleanup(settings.Logger)

	if err := run.create(store.FlowPartition(flowName, runID)); err != nil {
		return nil, fmt.Errorf("failed to create run context: %w", err)
	}
	if cfg.CycleCheckLimit > 0 {
		if err := DetectLikelyCycle(c, cfg.CycleCheckLimit); err != nil {
			return nil, err
		}
	}
	if b.Table().Publishes() {
		if err := publish(run, b); err != nil {
			return nil, err
		}
	}

	exec := &Execution{
		ctx:       ctx,
		component: c,
		path:      ".",
		run:       run,
		children:  newCallCounts(),
	}
	out, err := invoke(exec, in, nil)
	if t := run.getTracker(); t != nil {
		b.replaceLastRun(t)
	}
	return out, err
}

// CallState locates a call inside a run that started elsewhere.
type CallState struct {
	Name     string `json:"name" msgpack:"name"`
	Prefix   string `json:"prefix" msgpack:"prefix"`
	RunID    string `json:"run_id" msgpack:"run_id"`
	FlowName string `json:"flow_name" msgpack:"flow_name"`
}

// Resume runs c at the position described by state, always in-process. It
// is how a backend server executes a call sent by a remote client; shared
// must be the context the client's run uses.
func Resume(ctx context.Context, c Component, state CallState, in Input, shared *store.Context) (any, error) {
	if err := ensureInit(c); err != nil {
		return nil, err
	}
	b := c.base()
	settings := *b.Settings()
	settings.Context = shared

	run := newRunState(state.FlowName, state.RunID, &settings, b.Config())
	defer run.cleanup(settings.Logger)
	if t, err := tracker.Attach(shared, state.FlowName, state.RunID, tracker.WithLogger(settings.Logger)); err == nil {
		run.setTracker(t)
	}

	exec := &Execution{
		ctx:       ctx,
		component: c,
		name:      state.Name,
		prefix:    state.Prefix,
		path:      childPath(state.Prefix, state.Name),
		run:       run,
		children:  newCallCounts(),
	}
	return invoke(exec, in, LocalBackend{})
}

// invoke runs one node through its backend and middleware. A nil backend
// means the component's own.
func invoke(exec *Execution, in Input, backend Backend) (any, error) {
	c := exec.component
	if err := ensureInit(c); err != nil {
		return nil, wrapNodeError(exec, err)
	}
	b := c.base()
	if err := exec.run.create(exec.Partition()); err != nil {
		return nil, wrapNodeError(exec, err)
	}
	if b.Table().Publishes() && !exec.IsRoot() {
		b.state.SetFallback(exec.run.published)
	}

	in = in.withOverrides(b.takeRunOverrides())
	if backend == nil {
		backend = b.Backend()
	}
	b.mu.RLock()
	chain := b.chain
	b.mu.RUnlock()

	out, err := backend.Exec(exec, in, chain)
	if err == nil {
		return out, nil
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return out, err
	}
	return out, NewNodeError(exec, err).WithMetadata("backend", backendName(backend))
}

func backendName(b Backend) string {
	if p, ok := b.(Persister); ok {
		return p.PersistType()
	}
	if _, ok := b.(LocalBackend); ok {
		return "local"
	}
	return fmt.Sprintf("%T", b)
}

// publish copies the root's param values where subscribing descendants can
// read them.
func publish(run *runState, b *Base) error {
	partition := store.PathPartition(run.flowName, run.runID, publishedPartition)
	if err := run.create(partition); err != nil {
		return err
	}
	for _, name := range b.Table().Params() {
		v, err := b.Get(name)
		if err != nil {
			continue
		}
		if err := run.store.Set(name, v, partition); err != nil {
			run.settings.Logger.Warn("Failed to publish param", "param", name, "error", err)
		}
	}
	return nil
}
