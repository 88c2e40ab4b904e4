package tracker

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validateWithinRoot rejects run directories that escape the result store,
// e.g. a run id containing "../".
func validateWithinRoot(root, target string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve store root %q: %w", root, err)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("failed to resolve run directory %q: %w", target, err)
	}
	rel, err := filepath.Rel(absRoot, absTarget)
	if err != nil {
		return fmt.Errorf("invalid path relationship between %q and %q: %w", absRoot, absTarget, err)
	}
	if rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("run directory %q escapes store root %q", target, root)
	}
	return nil
}
