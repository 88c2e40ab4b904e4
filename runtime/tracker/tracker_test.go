package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/trducng/theflow/runtime/store"
)

type recordingNotifier struct {
	summaries []Summary
}

func (n *recordingNotifier) RunPersisted(_ context.Context, s Summary) error {
	n.summaries = append(n.summaries, s)
	return nil
}

func newTracker(t *testing.T, opts ...Option) (*Tracker, *store.Context) {
	t.Helper()
	ctx, err := store.NewContext(store.NewMemory())
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	tr, err := New(ctx, "Pipeline", "run-1", map[string]any{"store_result": "out"}, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr, ctx
}

func TestTracker_LogMergesFields(t *testing.T) {
	tr, _ := newTracker(t)

	tr.Log(".step1", map[string]any{"input": map[string]any{"args": []any{1}}})
	tr.Log(".step1", map[string]any{"output": 2, "status": StatusRun})
	tr.Log(".step1", map[string]any{"status": StatusCached})

	record, ok, err := tr.Logs(".step1")
	if err != nil || !ok {
		t.Fatalf("Logs failed: ok=%v err=%v", ok, err)
	}
	want := map[string]any{
		"input":  map[string]any{"args": []any{1}},
		"output": 2,
		"status": StatusCached,
	}
	if diff := cmp.Diff(want, record); diff != "" {
		t.Errorf("Record mismatch (-want +got):\n%s", diff)
	}

	if _, ok, _ := tr.Logs(".missing"); ok {
		t.Error("Expected no record for unknown path")
	}
}

func TestTracker_PersistAndLoad(t *testing.T) {
	notifier := &recordingNotifier{}
	tr, ctx := newTracker(t, WithNotifier(notifier))
	root := t.TempDir()

	tr.Log(".", map[string]any{"output": 16, "status": StatusRun})
	tr.Log(".step1", map[string]any{"output": 11, "status": StatusRun})

	dir, err := tr.Persist(context.Background(), root)
	if err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	if dir != filepath.Join(root, "run-1") {
		t.Errorf("Unexpected run directory %s", dir)
	}
	for _, name := range []string{ProgressFile, ConfigFile, OutputFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("Expected %s to exist: %v", name, err)
		}
	}

	progress, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := progress[".step1"].(map[string]any)["output"]; got != int64(11) {
		t.Errorf("Expected output 11, got %v (%T)", got, got)
	}

	config, err := LoadConfig(dir)
	if err != nil || config["store_result"] != "out" {
		t.Errorf("Expected config snapshot, got %v (%v)", config, err)
	}

	if err := LoadInto(dir, ctx, "resume"); err != nil {
		t.Fatalf("LoadInto failed: %v", err)
	}
	replayed, _ := ctx.Get(".", nil, "resume")
	if replayed.(map[string]any)["output"] != int64(16) {
		t.Errorf("Expected replayed root output, got %v", replayed)
	}

	if len(notifier.summaries) != 1 || notifier.summaries[0].Nodes != 2 || notifier.summaries[0].Failed {
		t.Errorf("Unexpected notifications: %+v", notifier.summaries)
	}
}

func persistRun(t *testing.T, root, runID string, record map[string]any) {
	t.Helper()
	ctx, err := store.NewContext(store.NewMemory())
	if err != nil {
		t.Fatal(err)
	}
	tr, err := New(ctx, "Pipeline", runID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Log(".", record); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Persist(context.Background(), root); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
}

func TestListAndDelete(t *testing.T) {
	root := t.TempDir()
	persistRun(t, root, "run-b", map[string]any{"status": StatusRun, "error": "boom"})
	persistRun(t, root, "run-a", map[string]any{
		"status": StatusCached,
		"input":  map[string]any{"args": []any{1}},
		"output": "done",
	})
	if err := os.Mkdir(filepath.Join(root, "not-a-run"), 0o755); err != nil {
		t.Fatal(err)
	}

	runs, err := List(root)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []RunInfo{
		{ID: "run-a", Status: StatusCached, Output: "done"},
		{ID: "run-b", Status: StatusRun, Error: "boom"},
	}
	if diff := cmp.Diff(want, runs); diff != "" {
		t.Errorf("Runs mismatch (-want +got):\n%s", diff)
	}

	input, ok, err := LoadInput(filepath.Join(root, "run-a"))
	if err != nil || !ok {
		t.Fatalf("LoadInput failed: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(map[string]any{"args": []any{int64(1)}}, input); diff != "" {
		t.Errorf("Input mismatch (-want +got):\n%s", diff)
	}
	if _, ok, _ := LoadOutput(filepath.Join(root, "run-b")); ok {
		t.Error("Expected no output file for a run without output")
	}

	if err := Delete(root, "run-b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "run-b")); !os.IsNotExist(err) {
		t.Errorf("Expected run-b to be removed, got %v", err)
	}

	for _, id := range []string{"run-b", "not-a-run", "../outside", "."} {
		if err := Delete(root, id); err == nil {
			t.Errorf("Expected Delete(%q) to fail", id)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "not-a-run")); err != nil {
		t.Errorf("Expected directories without a run to be kept: %v", err)
	}
}

func TestTracker_Output(t *testing.T) {
	tr, _ := newTracker(t)
	if _, err := tr.Output(); err == nil {
		t.Error("Expected error before the root is logged")
	}
	tr.Log(".", map[string]any{"output": "done"})
	if out, _ := tr.Output(); out != "done" {
		t.Errorf("Expected 'done', got %v", out)
	}
}

func TestTracker_PersistRejectsEscapingRunID(t *testing.T) {
	ctx, _ := store.NewContext(store.NewMemory())
	tr, err := New(ctx, "Pipeline", "../outside", nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := tr.Persist(context.Background(), t.TempDir()); err == nil {
		t.Error("Expected escaping run id to be rejected")
	}
}

func TestValidateWithinRoot(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		wantErr bool
	}{
		{"child", "store/run", false},
		{"nested", "store/a/b", false},
		{"root itself", "store", true},
		{"parent", "store/../other", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWithinRoot("store", tt.target)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}
