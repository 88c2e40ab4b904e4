package field

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCyclicDependency is matched by every CycleError via errors.Is.
var ErrCyclicDependency = errors.New("cyclic dependency")

// DeclarationError reports an invalid field declaration. These are raised
// while a schema is built or a component is constructed and are never retried.
type DeclarationError struct {
	Type   string
	Field  string
	Reason string
}

func (e *DeclarationError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid field %q on %s: %s", e.Field, e.Type, e.Reason)
}

// MissingError is returned when a field has neither a value nor a way to
// compute one.
type MissingError struct {
	Type  string
	Field string
	Node  bool
}

func (e *MissingError) Error() string {
	kind := "Parameter"
	if e.Node {
		kind = "Node"
	}
	return fmt.Sprintf("%s %s is not set and has no default value", kind, e.Field)
}

// ReadOnlyError is returned when assigning to an auto-callback field.
type ReadOnlyError struct {
	Type  string
	Field string
}

func (e *ReadOnlyError) Error() string {
	return fmt.Sprintf("field %q on %s is computed and cannot be assigned", e.Field, e.Type)
}

// CycleError carries the resolution chain that closed a cycle.
type CycleError struct {
	Chain []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency: %s", strings.Join(e.Chain, " -> "))
}

func (e *CycleError) Is(target error) bool {
	return target == ErrCyclicDependency
}
