package client

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// EventType enumerates handle lifecycle events.
type EventType string

const (
	EventOnline  EventType = "online"
	EventMessage EventType = "message"
	EventError   EventType = "error"
	EventExit    EventType = "exit"
)

// Event is one lifecycle notification from a worker handle.
type Event struct {
	Type     EventType
	Message  []byte
	ExitCode int
	Err      error
}

// Handle is the caller's reference to a remote worker: byte streams,
// messaging, termination, and lifecycle events.
type Handle struct {
	id         string
	node       *NodeClient
	spawnStdin bool
	logger     zerolog.Logger

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	events chan Event
	done   chan struct{}
	ctrl   *controlStream
	cancel context.CancelFunc

	mu          sync.Mutex
	state       types.WorkerState
	exitCode    int
	err         error
	onlineSent  bool
	stdinWarned bool
}

func newHandle(id string, node *NodeClient, spawnStdin bool, cancel context.CancelFunc) *Handle {
	h := &Handle{
		id:         id,
		node:       node,
		spawnStdin: spawnStdin,
		logger:     log.WithWorkerID(id),
		events:     make(chan Event, 128),
		done:       make(chan struct{}),
		cancel:     cancel,
		state:      types.WorkerStatePending,
	}
	h.stdoutR, h.stdoutW = io.Pipe()
	h.stderrR, h.stderrW = io.Pipe()
	h.ctrl = newControlStream(node, id, h.logger)
	return h
}

// ID returns the node-assigned worker identifier.
func (h *Handle) ID() string { return h.id }

// Events delivers lifecycle events in order. The channel closes after the
// terminal event.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed once the worker reached the exited state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stdout streams the worker's standard output.
func (h *Handle) Stdout() io.Reader { return h.stdoutR }

// Stderr streams the worker's standard error.
func (h *Handle) Stderr() io.Reader { return h.stderrR }

// Stdin returns the worker's standard input. Writes without stdin enabled
// at spawn warn once and are dropped; the node would discard them anyway.
func (h *Handle) Stdin() io.Writer { return stdinWriter{h} }

// PostMessage delivers an inter-process message to the worker.
func (h *Handle) PostMessage(msg []byte) error {
	if h.exited() {
		return types.ErrWorkerAfterExit
	}
	return h.ctrl.writeBinary(protocol.ControlWorkerMessage, msg)
}

// Terminate requests graceful termination and waits for the exit event.
func (h *Handle) Terminate(ctx context.Context) error {
	if h.exited() {
		return types.ErrWorkerAfterExit
	}
	if err := h.ctrl.writeText(protocol.ControlTerminate, "true"); err != nil {
		return err
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the worker exits and returns the exit code, or the
// fault / disconnect error that ended the handle.
func (h *Handle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitCode, h.err
}

func (h *Handle) exited() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == types.WorkerStateExited
}

// demux drains the event stream and dispatches each record. A stream that
// ends without a terminal event surfaces ErrWorkerDisconnected.
func (h *Handle) demux(body io.ReadCloser) {
	defer h.cancel()
	parser := protocol.NewParser(h.dispatch)
	_ = parser.Drain(body)
	body.Close()
	h.finish(0, types.ErrWorkerDisconnected)
}

func (h *Handle) dispatch(rec protocol.Record) {
	if h.exited() {
		// The terminal record is always last; anything trailing is noise.
		return
	}
	switch rec.Name {
	case protocol.EventOnline:
		if rec.Value != "true" {
			return
		}
		h.mu.Lock()
		first := !h.onlineSent && h.state == types.WorkerStatePending
		if first {
			h.onlineSent = true
			h.state = types.WorkerStateOnline
		}
		h.mu.Unlock()
		if first {
			h.emit(Event{Type: EventOnline})
		}
	case protocol.EventStdout:
		if payload, err := rec.Payload(); err == nil {
			_, _ = h.stdoutW.Write(payload)
		}
	case protocol.EventStderr:
		if payload, err := rec.Payload(); err == nil {
			_, _ = h.stderrW.Write(payload)
		}
	case protocol.EventMessage:
		if payload, err := rec.Payload(); err == nil {
			h.emit(Event{Type: EventMessage, Message: payload})
		}
	case protocol.EventExit:
		code, err := rec.ExitCode()
		if err != nil {
			return
		}
		h.finish(code, nil)
	case protocol.EventError:
		payload, err := rec.Payload()
		if err != nil {
			return
		}
		var fault types.FaultError
		if err := json.Unmarshal(payload, &fault); err != nil {
			fault = types.FaultError{Name: "Error", Message: string(payload)}
		}
		h.finish(0, &fault)
	}
	// Unknown names are ignored for forward compatibility.
}

// finish marks the handle exited exactly once.
func (h *Handle) finish(code int, err error) {
	h.mu.Lock()
	if h.state == types.WorkerStateExited {
		h.mu.Unlock()
		return
	}
	h.state = types.WorkerStateExited
	h.exitCode = code
	h.err = err
	h.mu.Unlock()

	h.stdoutW.Close()
	h.stderrW.Close()
	h.ctrl.close()

	if err != nil {
		// Surfaced via Wait as well, so a caller that never consumes
		// events still observes the failure.
		h.logger.Error().Err(err).Msg("Worker ended with error")
		h.emit(Event{Type: EventError, Err: err})
	} else {
		h.emit(Event{Type: EventExit, ExitCode: code})
	}
	close(h.events)
	close(h.done)
	h.node.workerExited()
}

func (h *Handle) emit(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.logger.Warn().Str("event", string(ev.Type)).Msg("Event buffer full, dropping event")
	}
}

type stdinWriter struct {
	h *Handle
}

func (sw stdinWriter) Write(p []byte) (int, error) {
	h := sw.h
	if h.exited() {
		return 0, types.ErrWorkerAfterExit
	}
	if !h.spawnStdin {
		h.mu.Lock()
		warned := h.stdinWarned
		h.stdinWarned = true
		h.mu.Unlock()
		if !warned {
			h.logger.Warn().Msg("Worker was spawned without stdin; dropping write")
		}
		return len(p), nil
	}
	if err := h.ctrl.writeBinary(protocol.ControlStdin, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
