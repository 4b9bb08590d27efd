package node

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/host"
	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/metrics"
	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

var errWorkerExited = errors.New("worker already exited")

// Worker owns one child process and fans its lifecycle and output out to
// every attached event-stream reader.
type Worker struct {
	ID         string
	BundleHash string

	proc         host.Process
	stdinEnabled bool
	grace        time.Duration
	onExit       func(*Worker)
	logger       zerolog.Logger

	// onlineAnnounced gates the data pumps so online strictly precedes
	// stdout/stderr/message records; pumps signals the exit watcher so
	// the terminal record is written last.
	onlineAnnounced chan struct{}
	pumps           sync.WaitGroup

	mu         sync.Mutex
	state      types.WorkerState
	readers    map[*reader]struct{}
	graceTimer *time.Timer
}

// reader is one attached event stream. Lines are fanned in through a
// buffered channel; the channel closing ends the stream.
type reader struct {
	lines chan []byte

	// exitOnEnd marks readers whose closure may schedule child
	// termination (the creating stream, or a reattach that asked for it).
	exitOnEnd bool
}

func newWorker(id string, req *types.CreateWorkerRequest, proc host.Process, grace time.Duration, onExit func(*Worker)) *Worker {
	return &Worker{
		ID:              id,
		BundleHash:      req.BundleHash,
		proc:            proc,
		stdinEnabled:    req.ExtraData.Stdin,
		grace:           grace,
		onExit:          onExit,
		logger:          log.WithWorkerID(id),
		onlineAnnounced: make(chan struct{}),
		state:           types.WorkerStatePending,
		readers:         make(map[*reader]struct{}),
	}
}

// Start launches the pump goroutines. Called after the creating reader is
// attached so no early output is lost.
func (w *Worker) Start() {
	w.pumps.Add(3)
	go w.pumpStream(w.proc.Stdout(), protocol.EventStdout)
	go w.pumpStream(w.proc.Stderr(), protocol.EventStderr)
	go w.pumpMessages()
	go w.watchOnline()
	go w.watchExit()
}

// State returns the current lifecycle state.
func (w *Worker) State() types.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Attach registers a new event-stream reader and returns it together with
// the initial online record, so a late reader learns current state.
func (w *Worker) Attach(exitOnEnd bool) (*reader, []byte, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state == types.WorkerStateExited {
		return nil, nil, errWorkerExited
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	r := &reader{
		lines:     make(chan []byte, 256),
		exitOnEnd: exitOnEnd,
	}
	w.readers[r] = struct{}{}

	flag := "false"
	if w.state == types.WorkerStateOnline {
		flag = "true"
	}
	return r, protocol.AppendText(nil, protocol.EventOnline, flag), nil
}

// Detach removes a reader. When the departing reader carried the
// exit-on-disconnect flag and it was the last one, child termination is
// scheduled after the grace window; any reattach inside the window
// cancels it.
func (w *Worker) Detach(r *reader) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.readers[r]; !ok {
		return
	}
	delete(w.readers, r)
	close(r.lines)

	if !r.exitOnEnd || len(w.readers) > 0 || w.state == types.WorkerStateExited {
		return
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
	}
	w.graceTimer = time.AfterFunc(w.grace, w.terminateIfAbandoned)
	w.logger.Debug().Dur("grace", w.grace).Msg("Last reader gone, termination scheduled")
}

func (w *Worker) terminateIfAbandoned() {
	w.mu.Lock()
	abandoned := len(w.readers) == 0 && w.state != types.WorkerStateExited
	w.mu.Unlock()
	if !abandoned {
		return
	}
	w.logger.Info().Msg("No reader reattached within grace window, terminating child")
	if err := w.proc.Terminate(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to terminate abandoned child")
	}
}

// ReaderCount returns the number of currently attached event streams.
func (w *Worker) ReaderCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.readers)
}

// HandleControl dispatches one control record. Unknown names are ignored.
func (w *Worker) HandleControl(rec protocol.Record) {
	metrics.ControlLinesRead.Inc()
	switch rec.Name {
	case protocol.ControlStdin:
		if !w.stdinEnabled {
			// Data for a worker spawned without stdin is dropped.
			return
		}
		payload, err := rec.Payload()
		if err != nil {
			return
		}
		if _, err := w.proc.WriteStdin(payload); err != nil {
			w.logger.Error().Err(err).Msg("Failed to write child stdin")
		}
	case protocol.ControlWorkerMessage:
		payload, err := rec.Payload()
		if err != nil {
			return
		}
		if err := w.proc.Send(payload); err != nil {
			w.logger.Error().Err(err).Msg("Failed to deliver message to child")
		}
	case protocol.ControlTerminate:
		if err := w.proc.Terminate(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to terminate child")
		}
	}
}

// broadcast fans one encoded record out to every attached reader. A reader
// that cannot keep up is dropped, never affecting the child or the others.
func (w *Worker) broadcast(line []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcastLocked(line)
}

func (w *Worker) broadcastLocked(line []byte) {
	for r := range w.readers {
		select {
		case r.lines <- line:
			metrics.EventLinesWritten.Inc()
		default:
			delete(w.readers, r)
			close(r.lines)
			w.logger.Warn().Msg("Dropping stalled event-stream reader")
		}
	}
}

func (w *Worker) pumpStream(src io.Reader, name string) {
	defer w.pumps.Done()
	<-w.onlineAnnounced
	buf := make([]byte, 16*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			w.broadcast(protocol.AppendBinary(nil, name, buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (w *Worker) pumpMessages() {
	defer w.pumps.Done()
	<-w.onlineAnnounced
	for msg := range w.proc.Messages() {
		w.broadcast(protocol.AppendBinary(nil, protocol.EventMessage, msg))
	}
}

func (w *Worker) watchOnline() {
	defer close(w.onlineAnnounced)
	select {
	case <-w.proc.Online():
	case <-w.proc.Done():
		// A fast exit can race the online signal; the transition still
		// counts if the child did come up.
		select {
		case <-w.proc.Online():
		default:
			return
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != types.WorkerStatePending {
		return
	}
	w.state = types.WorkerStateOnline
	w.broadcastLocked(protocol.AppendText(nil, protocol.EventOnline, "true"))
}

// watchExit waits for the pumps to drain, then writes the terminal record
// and closes every reader. Exactly one terminal event is emitted per
// worker and it is the last one.
func (w *Worker) watchExit() {
	<-w.proc.Done()
	w.pumps.Wait()
	code, fault := w.proc.Result()

	w.mu.Lock()
	if w.state == types.WorkerStateExited {
		w.mu.Unlock()
		return
	}
	w.state = types.WorkerStateExited

	var line []byte
	outcome := "exit"
	if fault != nil {
		outcome = "error"
		var fe *types.FaultError
		if !errors.As(fault, &fe) {
			fe = &types.FaultError{Name: "Error", Message: fault.Error()}
		}
		envelope, err := json.Marshal(fe)
		if err != nil {
			envelope = []byte(`{"name":"Error","message":"unserializable fault"}`)
		}
		line = protocol.AppendBinary(nil, protocol.EventError, envelope)
	} else {
		line = protocol.AppendText(nil, protocol.EventExit, strconv.Itoa(code))
	}

	w.broadcastLocked(line)
	for r := range w.readers {
		delete(w.readers, r)
		close(r.lines)
	}
	if w.graceTimer != nil {
		w.graceTimer.Stop()
		w.graceTimer = nil
	}
	w.mu.Unlock()

	metrics.WorkersExited.WithLabelValues(outcome).Inc()
	w.logger.Info().Str("outcome", outcome).Int("exit_code", code).Msg("Worker ended")
	if w.onExit != nil {
		w.onExit(w)
	}
}
