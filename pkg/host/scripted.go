package host

import (
	"context"
	"io"
	"sync"

	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// ScriptedHost is an in-memory Host whose children are driven from test
// code. OnSpawn, when set, runs in its own goroutine with each new process.
type ScriptedHost struct {
	OnSpawn func(*ScriptedProcess)

	// OnTerminate overrides the default Terminate behavior (exit 0).
	OnTerminate func(*ScriptedProcess)

	// OnSend observes every message delivered to a child.
	OnSend func(*ScriptedProcess, []byte)

	mu    sync.Mutex
	procs []*ScriptedProcess
}

// Spawn records the spawn and hands the new process to OnSpawn.
func (h *ScriptedHost) Spawn(ctx context.Context, entrypoint string, opts *types.SpawnOptions) (Process, error) {
	if opts == nil {
		opts = &types.SpawnOptions{}
	}
	p := &ScriptedProcess{
		Entrypoint: entrypoint,
		Opts:       opts,
		host:       h,
		online:     make(chan struct{}),
		messages:   make(chan []byte, 64),
		done:       make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()

	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()

	if h.OnSpawn != nil {
		go h.OnSpawn(p)
	}
	return p, nil
}

// Procs returns every process spawned so far.
func (h *ScriptedHost) Procs() []*ScriptedProcess {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*ScriptedProcess{}, h.procs...)
}

// ScriptedProcess is a fake child driven by test code.
type ScriptedProcess struct {
	Entrypoint string
	Opts       *types.SpawnOptions

	host *ScriptedHost

	onlineOnce sync.Once
	online     chan struct{}
	messages   chan []byte
	done       chan struct{}
	exitOnce   sync.Once

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu         sync.Mutex
	code       int
	fault      error
	received   [][]byte
	stdin      []byte
	terminated bool
}

func (p *ScriptedProcess) Online() <-chan struct{} { return p.online }
func (p *ScriptedProcess) Stdout() io.Reader       { return p.stdoutR }
func (p *ScriptedProcess) Stderr() io.Reader       { return p.stderrR }
func (p *ScriptedProcess) Messages() <-chan []byte { return p.messages }
func (p *ScriptedProcess) Done() <-chan struct{}   { return p.done }

func (p *ScriptedProcess) Result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.fault
}

func (p *ScriptedProcess) Send(msg []byte) error {
	select {
	case <-p.done:
		return types.ErrWorkerAfterExit
	default:
	}
	p.mu.Lock()
	p.received = append(p.received, append([]byte{}, msg...))
	p.mu.Unlock()
	if p.host != nil && p.host.OnSend != nil {
		go p.host.OnSend(p, msg)
	}
	return nil
}

func (p *ScriptedProcess) WriteStdin(b []byte) (int, error) {
	p.mu.Lock()
	p.stdin = append(p.stdin, b...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *ScriptedProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()
	if p.host != nil && p.host.OnTerminate != nil {
		go p.host.OnTerminate(p)
		return nil
	}
	p.Exit(0)
	return nil
}

// MarkOnline signals the child has begun executing.
func (p *ScriptedProcess) MarkOnline() {
	p.onlineOnce.Do(func() { close(p.online) })
}

// EmitStdout writes a chunk to the child's stdout.
func (p *ScriptedProcess) EmitStdout(b []byte) {
	_, _ = p.stdoutW.Write(b)
}

// EmitStderr writes a chunk to the child's stderr.
func (p *ScriptedProcess) EmitStderr(b []byte) {
	_, _ = p.stderrW.Write(b)
}

// EmitMessage delivers an inter-process message from the child.
func (p *ScriptedProcess) EmitMessage(b []byte) {
	select {
	case p.messages <- append([]byte{}, b...):
	case <-p.done:
	}
}

// Exit ends the child with an exit code.
func (p *ScriptedProcess) Exit(code int) {
	p.end(code, nil)
}

// Fail ends the child with a fault.
func (p *ScriptedProcess) Fail(fault error) {
	p.end(0, fault)
}

func (p *ScriptedProcess) end(code int, fault error) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.code = code
		p.fault = fault
		p.mu.Unlock()
		close(p.done)
		close(p.messages)
		p.stdoutW.Close()
		p.stderrW.Close()
	})
}

// Received returns the messages delivered to the child via Send.
func (p *ScriptedProcess) Received() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte{}, p.received...)
}

// StdinBytes returns everything written to the child's stdin.
func (p *ScriptedProcess) StdinBytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte{}, p.stdin...)
}

// Terminated reports whether Terminate was called.
func (p *ScriptedProcess) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}
