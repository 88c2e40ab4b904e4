package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func TestParseKwargs(t *testing.T) {
	tests := []struct {
		name      string
		pairs     []string
		expected  map[string]any
		shouldErr bool
	}{
		{
			name:     "typed scalars",
			pairs:    []string{"count=3", "ratio=0.5", "dry=true", "name=etl"},
			expected: map[string]any{"count": 3, "ratio": 0.5, "dry": true, "name": "etl"},
		},
		{
			name:     "value with equals sign",
			pairs:    []string{"query=a=b"},
			expected: map[string]any{"query": "a=b"},
		},
		{
			name:     "empty value",
			pairs:    []string{"note="},
			expected: map[string]any{"note": nil},
		},
		{
			name:      "missing equals",
			pairs:     []string{"count"},
			shouldErr: true,
		},
		{
			name:      "missing key",
			pairs:     []string{"=3"},
			shouldErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKwargs(tt.pairs)
			if tt.shouldErr {
				if err == nil {
					t.Error("Expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseKwargs failed: %v", err)
			}
			if diff := cmp.Diff(tt.expected, got); diff != "" {
				t.Errorf("Kwargs mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("theflow %s failed: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestRunAndShow(t *testing.T) {
	t.Setenv("LOG_LEVEL", "ERROR")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	flows := t.TempDir()
	runs := t.TempDir()
	def := map[string]any{
		"type":   "theflow.Expr",
		"params": map[string]any{"expression": "kwargs.x * 2"},
	}
	data, err := yaml.Marshal(def)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(flows, "double.yaml"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, "run", flows, "double", "x=21", "--store", runs, "--run-id", "r1")
	if strings.TrimSpace(out) != "42" {
		t.Errorf("Expected 42, got %q", out)
	}

	out = execute(t, "runs", "show", filepath.Join(runs, "r1"))
	if !strings.Contains(out, "theflow.Expr") || !strings.Contains(out, "run") {
		t.Errorf("Expected the root node in the listing, got:\n%s", out)
	}

	out = execute(t, "runs", "show", "--config", filepath.Join(runs, "r1"))
	if !strings.Contains(out, "run_id: r1") {
		t.Errorf("Expected the run config, got:\n%s", out)
	}
	showConfig = false

	execute(t, "run", flows, "double", "x=5", "--store", runs, "--run-id", "r2")
	out = execute(t, "runs", "list", runs)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected a header and two runs, got:\n%s", out)
	}
	for i, want := range [][]string{{"r1", "42"}, {"r2", "10"}} {
		if fields := strings.Fields(lines[i+1]); len(fields) != 3 || fields[0] != want[0] || fields[2] != want[1] {
			t.Errorf("Expected run %s with output %s, got %q", want[0], want[1], lines[i+1])
		}
	}

	execute(t, "runs", "delete", runs, "r1")
	out = execute(t, "runs", "list", runs)
	if strings.Contains(out, "r1") || !strings.Contains(out, "r2") {
		t.Errorf("Expected only r2 after delete, got:\n%s", out)
	}
}
