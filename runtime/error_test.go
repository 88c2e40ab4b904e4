package runtime

import (
	"errors"
	"testing"
)

func TestNodeError_Unwrap(t *testing.T) {
	baseErr := errors.New("boom")
	nodeErr := &NodeError{Path: ".a", Type: "T", Err: baseErr, Metadata: map[string]any{}}

	if !errors.Is(nodeErr, baseErr) {
		t.Error("errors.Is should reach the wrapped error")
	}

	var target *NodeError
	if !errors.As(error(nodeErr), &target) {
		t.Error("errors.As should find NodeError")
	}

	if nodeErr.Error() != "node .a (T) failed: boom" {
		t.Errorf("Unexpected message: %s", nodeErr.Error())
	}
}

func TestNodeError_WithMetadata(t *testing.T) {
	nodeErr := (&NodeError{Err: errors.New("x"), Metadata: map[string]any{}}).
		WithMetadata("backend", "http").
		WithMetadata("attempt", 1)

	if nodeErr.Metadata["backend"] != "http" || nodeErr.Metadata["attempt"] != 1 {
		t.Errorf("Unexpected metadata: %v", nodeErr.Metadata)
	}
}

func TestUnsafeLoadError(t *testing.T) {
	err := &UnsafeLoadError{Name: "pkg.Evil", Kind: "type"}
	if err.Error() != `type "pkg.Evil" is not in the allow-list` {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}
