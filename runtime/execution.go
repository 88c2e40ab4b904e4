package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/trducng/theflow/runtime/store"
	"github.com/trducng/theflow/runtime/tracker"
)

var _ context.Context = &Execution{}

const (
	publishedPartition = "__published__"
	fromRunPartition   = "__from_run__"
)

// Execution is the state of one node invocation. It is created per call and
// never shared between calls, so concurrent calls of the same component do
// not see each other's path or counters.
type Execution struct {
	ctx       context.Context
	component Component
	name      string
	prefix    string
	path      string
	run       *runState
	children  *callCounts
}

// runState is shared by every execution of one root call.
type runState struct {
	flowName string
	runID    string
	store    *store.Context
	settings *Settings
	config   Config

	mu         sync.Mutex
	tracker    *tracker.Tracker
	partitions []string
	seen       map[string]bool
}

func newRunState(flowName, runID string, settings *Settings, config Config) *runState {
	return &runState{
		flowName: flowName,
		runID:    runID,
		store:    settings.Context,
		settings: settings,
		config:   config,
		seen:     make(map[string]bool),
	}
}

// create makes a partition and remembers it for cleanup.
func (r *runState) create(partition string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[partition] {
		return nil
	}
	if err := r.store.Create(partition, true); err != nil {
		return err
	}
	r.seen[partition] = true
	r.partitions = append(r.partitions, partition)
	return nil
}

func (r *runState) setTracker(t *tracker.Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = t
}

func (r *runState) getTracker() *tracker.Tracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tracker
}

// cleanup drops the partitions created during the run, newest first.
func (r *runState) cleanup(logger *slog.Logger) {
	r.mu.Lock()
	partitions := r.partitions
	r.partitions = nil
	r.seen = make(map[string]bool)
	r.mu.Unlock()

	for i := len(partitions) - 1; i >= 0; i-- {
		if err := r.store.Remove(partitions[i]); err != nil {
			logger.Warn("Failed to remove partition", "partition", partitions[i], "error", err)
		}
	}
}

func (r *runState) published(name string) (any, bool) {
	v, err := r.store.Get(name, nil, store.PathPartition(r.flowName, r.runID, publishedPartition))
	if err != nil || v == nil {
		return nil, false
	}
	return v, true
}

type callCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCallCounts() *callCounts {
	return &callCounts{counts: make(map[string]int)}
}

// reserve returns n unique child names for slot in call order: slot,
// slot[1], slot[2], ...
func (c *callCounts) reserve(slot string, n int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, n)
	for i := range names {
		count := c.counts[slot]
		if count == 0 {
			names[i] = slot
		} else {
			names[i] = fmt.Sprintf("%s[%d]", slot, count)
		}
		c.counts[slot] = count + 1
	}
	return names
}

// context.Context implementation. Delegates to the embedded ctx so timeouts
// and cancellation reach every node and backend.

func (e *Execution) Deadline() (deadline time.Time, ok bool) {
	return e.ctx.Deadline()
}

func (e *Execution) Done() <-chan struct{} {
	return e.ctx.Done()
}

func (e *Execution) Err() error {
	return e.ctx.Err()
}

func (e *Execution) Value(key any) any {
	return e.ctx.Value(key)
}

// WithContext returns a shallow copy of the Execution with a new embedded
// context. Use this to apply a per-node timeout without mutating the parent.
// Mirrors the http.Request.WithContext pattern.
func (e *Execution) WithContext(ctx context.Context) *Execution {
	copy := *e
	copy.ctx = ctx
	return &copy
}

// Call runs the node in slot with positional arguments.
func (e *Execution) Call(slot string, args ...any) (any, error) {
	return e.CallInput(slot, Input{Args: args})
}

// CallInput runs the node in slot. The child path is derived from this
// execution's path and the number of earlier calls of the same slot.
func (e *Execution) CallInput(slot string, in Input) (any, error) {
	node, err := e.component.base().Node(slot)
	if err != nil {
		return nil, err
	}
	name := e.children.reserve(slot, 1)[0]
	return invoke(e.child(node, name), in, nil)
}

func (e *Execution) child(node Component, name string) *Execution {
	return &Execution{
		ctx:       e.ctx,
		component: node,
		name:      name,
		prefix:    e.path,
		path:      childPath(e.path, name),
		run:       e.run,
		children:  newCallCounts(),
	}
}

func (e *Execution) Component() Component { return e.component }

func (e *Execution) TypeName() string { return e.component.base().TypeName() }

// Name is the child name of this call, empty at the root.
func (e *Execution) Name() string { return e.name }

// Prefix is the path of the calling node, empty at the root.
func (e *Execution) Prefix() string { return e.prefix }

// Path is the absolute path of this call. The root is ".".
func (e *Execution) Path() string { return e.path }

func (e *Execution) IsRoot() bool { return e.name == "" && e.prefix == "" }

func (e *Execution) RunID() string { return e.run.runID }

func (e *Execution) FlowName() string { return e.run.flowName }

// Store is the shared context of the run.
func (e *Execution) Store() *store.Context { return e.run.store }

// Tracker is the progress record of the run, nil when untracked.
func (e *Execution) Tracker() *tracker.Tracker { return e.run.getTracker() }

// Settings are the settings of the component being called.
func (e *Execution) Settings() *Settings { return e.component.base().Settings() }

// RunConfig is the config of the root component.
func (e *Execution) RunConfig() Config { return e.run.config }

func (e *Execution) Logger() *slog.Logger {
	return e.Settings().Logger.With("flow", e.run.flowName, "run_id", e.run.runID, "path", e.path)
}

// Partition is the context partition of this call.
func (e *Execution) Partition() string {
	return store.PathPartition(e.run.flowName, e.run.runID, e.path)
}

// ParentPartition is the partition of the calling node, empty at the root.
func (e *Execution) ParentPartition() string {
	if e.IsRoot() {
		return ""
	}
	return store.PathPartition(e.run.flowName, e.run.runID, e.prefix)
}

// FlowPartition is the partition shared by the whole run.
func (e *Execution) FlowPartition() string {
	return store.FlowPartition(e.run.flowName, e.run.runID)
}

func (e *Execution) fromRunPartition() string {
	return store.PathPartition(e.run.flowName, e.run.runID, fromRunPartition)
}
