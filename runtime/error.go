package runtime

import (
	"errors"
	"fmt"
)

// ErrLikelyCyclic is returned by root calls whose node graph looks
// self-referential.
var ErrLikelyCyclic = errors.New("pipeline is likely cyclic")

// NodeError wraps an error returned by a node's run method with the path and
// type of the failing node. Metadata carries optional details such as the
// backend that executed the call.
type NodeError struct {
	Path     string         // Execution path of the failing node
	Type     string         // Registered type name
	Err      error          // The error returned by Run
	Metadata map[string]any // Extra context (backend, attempt, ...)
}

// Error implements the error interface
func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s (%s) failed: %v", e.Path, e.Type, e.Err)
}

// Unwrap returns the underlying error for errors.Is and errors.As
func (e *NodeError) Unwrap() error {
	return e.Err
}

// NewNodeError creates a node error for the given execution
func NewNodeError(exec *Execution, err error) *NodeError {
	return &NodeError{
		Path:     exec.Path(),
		Type:     exec.TypeName(),
		Err:      err,
		Metadata: make(map[string]any),
	}
}

// WithMetadata adds metadata to the error
func (e *NodeError) WithMetadata(key string, value any) *NodeError {
	e.Metadata[key] = value
	return e
}

// wrapNodeError wraps err unless an inner node already did.
func wrapNodeError(exec *Execution, err error) error {
	if err == nil {
		return nil
	}
	var nodeErr *NodeError
	if errors.As(err, &nodeErr) {
		return err
	}
	return NewNodeError(exec, err)
}

// UnsafeLoadError is returned when a definition names a type or symbol that
// is not in the allow-list used to load it.
type UnsafeLoadError struct {
	Name string
	Kind string // "type", "symbol" or "persisted"
}

func (e *UnsafeLoadError) Error() string {
	return fmt.Sprintf("%s %q is not in the allow-list", e.Kind, e.Name)
}
