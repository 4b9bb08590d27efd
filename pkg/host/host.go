// Package host defines the child-process host a node delegates execution
// to. The host is an external collaborator: the dispatcher only depends on
// the interfaces here. ExecHost is a reference implementation; ScriptedHost
// backs the test suites.
package host

import (
	"context"
	"io"

	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// Process is one running child executing a bundle artifact.
type Process interface {
	// Online is closed once the child has begun executing.
	Online() <-chan struct{}

	// Stdout and Stderr stream the child's standard output and error.
	Stdout() io.Reader
	Stderr() io.Reader

	// Messages delivers inter-process messages from the child, in the
	// order the child produced them. Closed after the process ends.
	Messages() <-chan []byte

	// Done is closed when the child has ended; Result is valid after.
	Done() <-chan struct{}

	// Result reports the exit code, or the fault that ended the child.
	Result() (code int, fault error)

	// Send delivers an inter-process message to the child.
	Send(msg []byte) error

	// WriteStdin writes to the child's standard input. The node only
	// calls this when stdin was enabled at spawn.
	WriteStdin(p []byte) (int, error)

	// Terminate requests graceful termination.
	Terminate() error
}

// Host spawns children from bundle artifacts.
type Host interface {
	Spawn(ctx context.Context, entrypoint string, opts *types.SpawnOptions) (Process, error)
}
