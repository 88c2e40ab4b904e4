// Package tracker records what every node of a run received and returned,
// persists the record at the end of a root call, and reloads it so a later
// run can resume from a given node.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/trducng/theflow/runtime/store"
	"gopkg.in/yaml.v3"
)

// Node statuses written to the progress record.
const (
	StatusRun    = "run"
	StatusCached = "cached"
	StatusRerun  = "rerun"
)

const (
	ProgressFile = "progress.msgpack"
	ConfigFile   = "config.yaml"
	// InputFile and OutputFile hold what the root node received and
	// returned, readable without decoding the whole progress map.
	InputFile  = "input.msgpack"
	OutputFile = "output.msgpack"

	progressPartition = "__progress__"
)

// Summary describes a persisted run to notifiers.
type Summary struct {
	FlowName string `json:"flow_name"`
	RunID    string `json:"run_id"`
	Location string `json:"location"`
	Nodes    int    `json:"nodes"`
	Failed   bool   `json:"failed"`
}

// Notifier is told about every persisted run.
type Notifier interface {
	RunPersisted(ctx context.Context, summary Summary) error
}

type Option func(*Tracker)

func WithNotifier(n Notifier) Option {
	return func(t *Tracker) { t.notifier = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Tracker is the run record of one root invocation.
type Tracker struct {
	flow      string
	id        string
	ctx       *store.Context
	partition string
	config    map[string]any
	notifier  Notifier
	logger    *slog.Logger
}

// New creates the progress partition of a run.
func New(ctx *store.Context, flow, runID string, config map[string]any, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		flow:      flow,
		id:        runID,
		ctx:       ctx,
		partition: store.PathPartition(flow, runID, progressPartition),
		config:    config,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := ctx.Create(t.partition, true); err != nil {
		return nil, fmt.Errorf("failed to create progress partition: %w", err)
	}
	return t, nil
}

// Attach joins the record of a run started elsewhere, such as on the client
// side of a remote call.
func Attach(ctx *store.Context, flow, runID string, opts ...Option) (*Tracker, error) {
	partition := store.PathPartition(flow, runID, progressPartition)
	ok, err := ctx.Has(partition)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s of %s is not tracked", runID, flow)
	}
	t := &Tracker{flow: flow, id: runID, ctx: ctx, partition: partition, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Tracker) ID() string { return t.id }

func (t *Tracker) FlowName() string { return t.flow }

// Log merges fields into the record of path.
func (t *Tracker) Log(path string, fields map[string]any) error {
	_, err := t.ctx.Update(path, t.partition, func(current any, ok bool) (any, error) {
		record := make(map[string]any)
		if m, isMap := current.(map[string]any); isMap {
			for k, v := range m {
				record[k] = v
			}
		}
		for k, v := range fields {
			record[k] = v
		}
		return record, nil
	})
	if err != nil {
		return fmt.Errorf("failed to log progress of %s: %w", path, err)
	}
	return nil
}

// Logs returns the record of one path.
func (t *Tracker) Logs(path string) (map[string]any, bool, error) {
	v, err := t.ctx.Get(path, nil, t.partition)
	if err != nil {
		return nil, false, err
	}
	record, ok := v.(map[string]any)
	return record, ok, nil
}

// All returns every record keyed by path.
func (t *Tracker) All() (map[string]any, error) {
	return t.ctx.All(t.partition)
}

// Output returns what the root node returned.
func (t *Tracker) Output() (any, error) {
	record, ok, err := t.Logs(".")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("run %s has no root record", t.id)
	}
	return record["output"], nil
}

// Persist writes the progress map and config snapshot under root/run_id and
// returns the run directory.
func (t *Tracker) Persist(ctx context.Context, root string) (string, error) {
	dir := filepath.Join(root, t.id)
	if err := validateWithinRoot(root, dir); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create run directory: %w", err)
	}

	progress, err := t.All()
	if err != nil {
		return "", err
	}
	data, err := store.Marshal(progress)
	if err != nil {
		return "", fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ProgressFile), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write progress: %w", err)
	}

	if root, ok := progress["."].(map[string]any); ok {
		for name, key := range map[string]string{InputFile: "input", OutputFile: "output"} {
			v, found := root[key]
			if !found {
				continue
			}
			if err := writeValue(filepath.Join(dir, name), v); err != nil {
				return "", err
			}
		}
	}

	config, err := yaml.Marshal(t.config)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), config, 0o644); err != nil {
		return "", fmt.Errorf("failed to write config: %w", err)
	}

	t.logger.Info("Run persisted", "flow", t.flow, "run_id", t.id, "location", dir, "nodes", len(progress))

	if t.notifier != nil {
		summary := Summary{FlowName: t.flow, RunID: t.id, Location: dir, Nodes: len(progress)}
		if root, ok := progress["."].(map[string]any); ok {
			_, summary.Failed = root["error"]
		}
		if err := t.notifier.RunPersisted(ctx, summary); err != nil {
			t.logger.Warn("Run notification failed", "run_id", t.id, "error", err)
		}
	}
	return dir, nil
}

// Close drops the progress partition.
func (t *Tracker) Close() error {
	return t.ctx.Remove(t.partition)
}

// Load reads a persisted progress map from a run directory.
func Load(location string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(location, ProgressFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read run at %s: %w", location, err)
	}
	raw, err := store.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	progress, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("progress file does not hold a map")
	}
	return progress, nil
}

// LoadOutput reads what the root node of a persisted run returned. ok is
// false when the run stored no output.
func LoadOutput(location string) (any, bool, error) {
	return readValue(filepath.Join(location, OutputFile))
}

// LoadInput reads what the root node of a persisted run received.
func LoadInput(location string) (any, bool, error) {
	return readValue(filepath.Join(location, InputFile))
}

// LoadConfig reads the config snapshot of a persisted run.
func LoadConfig(location string) (map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(location, ConfigFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", location, err)
	}
	config := map[string]any{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return config, nil
}

// LoadInto replays a persisted run into a context partition, one key per path.
func LoadInto(location string, ctx *store.Context, partition string) error {
	progress, err := Load(location)
	if err != nil {
		return err
	}
	if err := ctx.Create(partition, true); err != nil {
		return err
	}
	for _, path := range SortedPaths(progress) {
		if err := ctx.Set(path, progress[path], partition); err != nil {
			return fmt.Errorf("failed to replay %s: %w", path, err)
		}
	}
	return nil
}

// SortedPaths returns the paths of a progress map in sorted order.
func SortedPaths(progress map[string]any) []string {
	paths := make([]string, 0, len(progress))
	for p := range progress {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// RunInfo summarizes one persisted run.
type RunInfo struct {
	ID     string
	Status string
	Output any
	Error  any
}

// List returns the runs persisted under root in run id order. Directories
// without a progress file are skipped.
func List(root string) ([]RunInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs in %s: %w", root, err)
	}
	var runs []RunInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ProgressFile)); err != nil {
			continue
		}
		progress, err := Load(dir)
		if err != nil {
			return nil, err
		}
		info := RunInfo{ID: entry.Name()}
		if record, ok := progress["."].(map[string]any); ok {
			info.Status, _ = record["status"].(string)
			info.Error = record["error"]
		}
		if info.Output, _, err = LoadOutput(dir); err != nil {
			return nil, err
		}
		runs = append(runs, info)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].ID < runs[j].ID })
	return runs, nil
}

// Delete removes the persisted run runID under root.
func Delete(root, runID string) error {
	dir := filepath.Join(root, runID)
	if err := validateWithinRoot(root, dir); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, ProgressFile)); err != nil {
		return fmt.Errorf("no run %s in %s: %w", runID, root, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}

func writeValue(path string, v any) error {
	data, err := store.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

func readValue(path string) (any, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	v, err := store.Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}
