package registry

import (
	"errors"
	"fmt"
	"strings"
)

// ErrServiceNotFound is returned by lookups when no live instance or factory
// covers the requested key. A miss is an expected outcome, not a failure;
// callers check it with errors.Is.
var ErrServiceNotFound = errors.New("service not found")

// ErrAlreadyStarted is returned when InitializeServices is called on a
// registry that already completed its startup sweep.
var ErrAlreadyStarted = errors.New("registry already started")

// CycleError is a fatal configuration error raised when the dependency graph
// contains a cycle. It is detected before any service Init call is made.
type CycleError struct {
	Key ServiceKey
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected at service %q", e.Key)
}

// CleanupError aggregates every failure collected during a cleanup sweep.
// The sweep never aborts on an individual failure; the aggregate is raised
// once after every node has been visited.
type CleanupError struct {
	Errors []error
}

func (e *CleanupError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("cleanup completed with %d failure(s): %s", len(e.Errors), strings.Join(msgs, "; "))
}

// Unwrap exposes the collected failures to errors.Is and errors.As.
func (e *CleanupError) Unwrap() []error { return e.Errors }
