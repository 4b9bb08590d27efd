// Package protocol implements the line framing shared by the event and
// control streams: one record per newline, `name: value`, with base64
// values wherever the payload may contain arbitrary bytes.
package protocol

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// Event record names (node -> client).
const (
	EventOnline  = "online"
	EventStdout  = "stdout"
	EventStderr  = "stderr"
	EventMessage = "message"
	EventExit    = "exit"
	EventError   = "error"
)

// Control record names (client -> node).
const (
	ControlStdin         = "stdin"
	ControlWorkerMessage = "worker_message"
	ControlTerminate     = "terminate"
)

const separator = ": "

// Record is one parsed line. Value holds the raw text after the separator;
// binary payloads are recovered with Payload.
type Record struct {
	Name  string
	Value string
}

// Payload base64-decodes the record value.
func (r Record) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(r.Value)
}

// ExitCode parses the value of an exit record.
func (r Record) ExitCode() (int, error) {
	return strconv.Atoi(r.Value)
}

// AppendText encodes a plain-ASCII record (online flag, exit code).
func AppendText(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, separator...)
	dst = append(dst, value...)
	return append(dst, '\n')
}

// AppendBinary encodes a record whose payload may contain arbitrary bytes.
func AppendBinary(dst []byte, name string, payload []byte) []byte {
	return AppendText(dst, name, base64.StdEncoding.EncodeToString(payload))
}

// Writer serializes records onto a stream. Writes are mutex-protected so
// multiple producers (stdin writes, messages, termination requests) can
// share one connection.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteText writes a plain-ASCII record.
func (w *Writer) WriteText(name, value string) error {
	return w.write(AppendText(nil, name, value))
}

// WriteBinary writes a base64-encoded record.
func (w *Writer) WriteBinary(name string, payload []byte) error {
	return w.write(AppendBinary(nil, name, payload))
}

func (w *Writer) write(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Parser reassembles records from arbitrarily chunked stream data. The
// trailing fragment of each chunk carries forward until the next newline.
type Parser struct {
	pending []byte
	handle  func(Record)
}

// NewParser returns a parser dispatching each complete record to handle.
// Lines without a separator are ignored; unknown names are the receiver's
// concern.
func NewParser(handle func(Record)) *Parser {
	return &Parser{handle: handle}
}

// Feed consumes one chunk. Chunk boundaries may fall anywhere, including
// mid-name and mid-value.
func (p *Parser) Feed(chunk []byte) {
	p.pending = append(p.pending, chunk...)
	for {
		idx := bytes.IndexByte(p.pending, '\n')
		if idx < 0 {
			return
		}
		line := p.pending[:idx]
		p.pending = p.pending[idx+1:]
		p.dispatch(line)
	}
}

func (p *Parser) dispatch(line []byte) {
	sep := bytes.Index(line, []byte(separator))
	if sep < 0 {
		return
	}
	p.handle(Record{
		Name:  string(line[:sep]),
		Value: string(line[sep+len(separator):]),
	})
}

// Drain feeds the parser from r until EOF or a read error, which it
// returns (io.EOF is reported as nil).
func (p *Parser) Drain(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
