package types

import (
	"errors"
	"fmt"
)

// Dispatch error taxonomy. Placement and upload failures surface
// synchronously from Spawn; post-launch failures surface as handle events.
var (
	// ErrNoNodeAvailable is returned by Spawn when no node is registered.
	ErrNoNodeAvailable = errors.New("no node available")

	// ErrNodeUnreachable wraps probe or upload transport failures.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrBundleRejected is returned when a node refuses a worker-create
	// request, typically because the bundle fingerprint is not cached.
	ErrBundleRejected = errors.New("bundle rejected by node")

	// ErrWorkerDisconnected is surfaced when the event stream closes
	// before a terminal exit or error event was observed.
	ErrWorkerDisconnected = errors.New("worker event stream disconnected")

	// ErrWorkerAfterExit is returned by handle operations invoked after
	// the worker reached the exited state.
	ErrWorkerAfterExit = errors.New("worker has exited")
)

// FaultError is an error raised inside the child, reconstructed from the
// {name, message, stack} envelope carried on the event stream.
type FaultError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (e *FaultError) Error() string {
	if e.Name == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}
