package host

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// ExecHost runs bundles as operating-system processes through a
// configurable interpreter argv. The child sees the artifact path as its
// first argument after the interpreter args, with two extra file
// descriptors (3 read, 4 write) carrying line-framed inter-process
// messages for children that speak the protocol.
type ExecHost struct {
	// Command is the interpreter argv, e.g. ["node"]. Required.
	Command []string

	// TerminateGrace is how long Terminate waits before SIGKILL.
	// Zero selects 5 seconds.
	TerminateGrace time.Duration

	logger     zerolog.Logger
	loggerOnce sync.Once
}

func (h *ExecHost) log() *zerolog.Logger {
	h.loggerOnce.Do(func() {
		h.logger = log.WithComponent("host")
	})
	return &h.logger
}

// Spawn launches the interpreter on the artifact.
func (h *ExecHost) Spawn(ctx context.Context, entrypoint string, opts *types.SpawnOptions) (Process, error) {
	if len(h.Command) == 0 {
		return nil, fmt.Errorf("exec host has no interpreter command")
	}
	if opts == nil {
		opts = &types.SpawnOptions{}
	}

	argv := append([]string{}, h.Command[1:]...)
	argv = append(argv, opts.ExecArgv...)
	argv = append(argv, resourceLimitFlags(opts.ResourceLimits)...)
	argv = append(argv, entrypoint)
	argv = append(argv, opts.Argv...)

	cmd := exec.CommandContext(ctx, h.Command[0], argv...)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if opts.WorkerData != nil {
		cmd.Env = append(cmd.Env, "WORKER_DATA="+string(opts.WorkerData))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	var stdin io.WriteCloser
	if opts.Stdin {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
		}
	}

	// IPC channel: child reads fd 3, writes fd 4.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ipc pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		childIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("failed to open ipc pipe: %w", err)
	}
	cmd.ExtraFiles = []*os.File{childIn, childOut}

	p := &execProcess{
		cmd:      cmd,
		grace:    h.TerminateGrace,
		stdout:   stdout,
		stderr:   stderr,
		stdin:    stdin,
		ipcOut:   protocol.NewWriter(parentOut),
		ipcOutC:  parentOut,
		online:   make(chan struct{}),
		messages: make(chan []byte, 64),
		done:     make(chan struct{}),
		pumpDone: make(chan struct{}),
	}
	if p.grace == 0 {
		p.grace = 5 * time.Second
	}

	if err := cmd.Start(); err != nil {
		childIn.Close()
		childOut.Close()
		parentIn.Close()
		parentOut.Close()
		return nil, fmt.Errorf("failed to start child: %w", err)
	}
	// The child holds its own pipe ends now.
	childIn.Close()
	childOut.Close()

	// Execution has begun once the process exists.
	close(p.online)

	go p.pumpIPC(parentIn)
	go p.wait(parentIn)

	h.log().Debug().Str("entrypoint", entrypoint).Int("pid", cmd.Process.Pid).Msg("Child started")
	return p, nil
}

// resourceLimitFlags maps the resource-limit blob onto V8 flags, matching
// what a worker-thread host applies natively.
func resourceLimitFlags(rl *types.ResourceLimits) []string {
	if rl == nil {
		return nil
	}
	var flags []string
	if rl.MaxOldGenerationSizeMb > 0 {
		flags = append(flags, "--max-old-space-size="+strconv.Itoa(rl.MaxOldGenerationSizeMb))
	}
	if rl.MaxYoungGenerationSizeMb > 0 {
		flags = append(flags, "--max-semi-space-size="+strconv.Itoa(rl.MaxYoungGenerationSizeMb))
	}
	if rl.StackSizeMb > 0 {
		flags = append(flags, "--stack-size="+strconv.Itoa(rl.StackSizeMb*1024))
	}
	return flags
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration

	stdout io.Reader
	stderr io.Reader
	stdin  io.WriteCloser

	ipcOut  *protocol.Writer
	ipcOutC io.Closer

	online   chan struct{}
	messages chan []byte
	done     chan struct{}
	pumpDone chan struct{}

	mu    sync.Mutex
	code  int
	fault error
}

func (p *execProcess) Online() <-chan struct{} { return p.online }
func (p *execProcess) Stdout() io.Reader       { return p.stdout }
func (p *execProcess) Stderr() io.Reader       { return p.stderr }
func (p *execProcess) Messages() <-chan []byte { return p.messages }
func (p *execProcess) Done() <-chan struct{}   { return p.done }

func (p *execProcess) Result() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.fault
}

func (p *execProcess) Send(msg []byte) error {
	return p.ipcOut.WriteBinary(protocol.EventMessage, msg)
}

func (p *execProcess) WriteStdin(b []byte) (int, error) {
	if p.stdin == nil {
		return len(b), nil
	}
	return p.stdin.Write(b)
}

func (p *execProcess) Terminate() error {
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return err
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(p.grace):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}

// pumpIPC forwards framed messages from the child's write descriptor.
func (p *execProcess) pumpIPC(r io.Reader) {
	defer close(p.pumpDone)
	parser := protocol.NewParser(func(rec protocol.Record) {
		if rec.Name != protocol.EventMessage {
			return
		}
		payload, err := rec.Payload()
		if err != nil {
			return
		}
		select {
		case p.messages <- payload:
		case <-p.done:
		}
	})
	_ = parser.Drain(r)
}

func (p *execProcess) wait(ipcIn io.Closer) {
	err := p.cmd.Wait()

	p.mu.Lock()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.code = exitErr.ExitCode()
		} else {
			p.fault = &types.FaultError{Name: "SpawnError", Message: err.Error()}
		}
	}
	p.mu.Unlock()

	close(p.done)
	// Stop the IPC pump before closing the message channel it sends on.
	ipcIn.Close()
	<-p.pumpDone
	close(p.messages)
	p.ipcOutC.Close()
	if p.stdin != nil {
		p.stdin.Close()
	}
}
