package client

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

// controlRetryDelay paces reconnection attempts after a broken control
// connection.
const controlRetryDelay = 100 * time.Millisecond

// controlStream is the client half of the control connection. The node's
// read end is stateless, so a broken connection is re-opened to the same
// worker transparently while the worker is alive.
type controlStream struct {
	node   *NodeClient
	id     string
	logger zerolog.Logger

	mu     sync.Mutex
	pw     *io.PipeWriter
	writer *protocol.Writer
	closed bool
}

func newControlStream(node *NodeClient, id string, logger zerolog.Logger) *controlStream {
	cs := &controlStream{node: node, id: id, logger: logger}
	go cs.loop()
	return cs
}

// loop keeps one control request open at a time, reconnecting until the
// stream is closed by worker exit.
func (cs *controlStream) loop() {
	for {
		pr, pw := io.Pipe()

		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			pw.Close()
			return
		}
		cs.pw = pw
		cs.writer = protocol.NewWriter(pw)
		cs.mu.Unlock()

		req, err := cs.node.newRequest(context.Background(), http.MethodPost,
			"/worker/"+cs.id+"/streams-pipe", pr)
		if err == nil {
			req.Header.Set("Content-Type", "application/octet-stream")
			resp, doErr := cs.node.http.Do(req)
			err = doErr
			if doErr == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
		}

		cs.mu.Lock()
		cs.pw = nil
		cs.writer = nil
		done := cs.closed
		cs.mu.Unlock()
		pr.CloseWithError(io.ErrClosedPipe)

		if done {
			return
		}
		if err != nil {
			cs.logger.Debug().Err(err).Msg("Control stream dropped, reconnecting")
		}
		time.Sleep(controlRetryDelay)
	}
}

func (cs *controlStream) writeText(name, value string) error {
	return cs.write(func(w *protocol.Writer) error { return w.WriteText(name, value) })
}

func (cs *controlStream) writeBinary(name string, payload []byte) error {
	return cs.write(func(w *protocol.Writer) error { return w.WriteBinary(name, payload) })
}

// write retries across reconnections for a short window so callers see a
// transparent stream.
func (cs *controlStream) write(fn func(*protocol.Writer) error) error {
	for attempt := 0; attempt < 50; attempt++ {
		cs.mu.Lock()
		if cs.closed {
			cs.mu.Unlock()
			return types.ErrWorkerAfterExit
		}
		writer := cs.writer
		cs.mu.Unlock()

		if writer != nil {
			if err := fn(writer); err == nil {
				return nil
			}
		}
		time.Sleep(controlRetryDelay / 5)
	}
	return types.ErrWorkerDisconnected
}

// close ends the stream for good; the in-flight request finishes with a
// clean EOF.
func (cs *controlStream) close() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.closed {
		return
	}
	cs.closed = true
	if cs.pw != nil {
		cs.pw.Close()
		cs.pw = nil
		cs.writer = nil
	}
}
