package node

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackermondev/worker-threads-clusters/pkg/bundle"
	"github.com/hackermondev/worker-threads-clusters/pkg/host"
	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/protocol"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

const (
	testUser = "u"
	testPass = "p"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestNode(t *testing.T, h *host.ScriptedHost, grace time.Duration) (*Server, *httptest.Server) {
	t.Helper()
	srv, err := NewServer(Config{
		Name:        "test-node",
		Credentials: types.Credentials{Username: testUser, Password: testPass},
		BundleDir:   t.TempDir(),
		GraceWindow: grace,
	}, h)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})
	return srv, ts
}

func doReq(t *testing.T, method, url string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	req.SetBasicAuth(testUser, testPass)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func uploadBundle(t *testing.T, baseURL string, data []byte) string {
	t.Helper()
	hash := bundle.FingerprintBytes(data)

	body, err := json.Marshal(types.CreateBundleRequest{Hash: hash})
	require.NoError(t, err)
	resp := doReq(t, http.MethodPost, baseURL+"/bundles/create", bytes.NewReader(body), "application/json")
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doReq(t, http.MethodPost, baseURL+"/bundles/"+hash+"/data?compression=none",
		bytes.NewReader(data), "application/octet-stream")
	resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	return hash
}

// createWorker opens the worker-create stream and collects its records.
func createWorker(t *testing.T, baseURL, hash string, extra types.SpawnOptions, exitOnEnd bool) (string, *http.Response, <-chan protocol.Record) {
	t.Helper()
	body, err := json.Marshal(types.CreateWorkerRequest{
		BundleHash:       hash,
		ExtraData:        extra,
		ExitOnRequestEnd: exitOnEnd,
	})
	require.NoError(t, err)

	resp := doReq(t, http.MethodPost, baseURL+"/worker", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get("x-worker-id")
	require.NotEmpty(t, id)

	records := make(chan protocol.Record, 64)
	go func() {
		defer close(records)
		parser := protocol.NewParser(func(r protocol.Record) { records <- r })
		_ = parser.Drain(resp.Body)
	}()
	return id, resp, records
}

func collect(t *testing.T, records <-chan protocol.Record) []protocol.Record {
	t.Helper()
	var got []protocol.Record
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return got
			}
			got = append(got, rec)
		case <-timeout:
			t.Fatalf("timed out collecting records, got %v", got)
		}
	}
}

func TestAuthRequired(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("WWW-Authenticate"), "worker_threads_nodes")
}

func TestInfoAndServerHeader(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)

	resp := doReq(t, http.MethodGet, ts.URL+"/", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("%s/%s", types.Product, types.Version), resp.Header.Get("Server"))

	var info types.NodeInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&info))
	assert.Equal(t, "test-node", info.Name)
	assert.Equal(t, types.Version, info.NodeVersion)
}

func TestHealth(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)

	resp := doReq(t, http.MethodGet, ts.URL+"/health", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sample types.LoadSample
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sample))
	assert.Equal(t, 0, sample.WorkersRunning)
	for _, v := range sample.CPUUsage {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestBundleEndpoints(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)
	data := []byte("module.exports = 1")
	hash := bundle.FingerprintBytes(data)

	// Describe before upload misses.
	resp := doReq(t, http.MethodGet, ts.URL+"/bundles/"+hash, nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Upload without a reservation misses too.
	resp = doReq(t, http.MethodPost, ts.URL+"/bundles/"+hash+"/data?compression=none",
		bytes.NewReader(data), "application/octet-stream")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	body, _ := json.Marshal(types.CreateBundleRequest{Hash: hash})
	resp = doReq(t, http.MethodPost, ts.URL+"/bundles/create", bytes.NewReader(body), "application/json")
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	// Non-binary body is refused.
	resp = doReq(t, http.MethodPost, ts.URL+"/bundles/"+hash+"/data?compression=none",
		bytes.NewReader(data), "text/plain")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown codecs are refused.
	resp = doReq(t, http.MethodPost, ts.URL+"/bundles/"+hash+"/data?compression=gzip",
		bytes.NewReader(data), "application/octet-stream")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doReq(t, http.MethodPost, ts.URL+"/bundles/"+hash+"/data?compression=none",
		bytes.NewReader(data), "application/octet-stream")
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doReq(t, http.MethodGet, ts.URL+"/bundles/"+hash, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var record types.BundleRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	assert.Equal(t, hash, record.Hash)
	assert.Equal(t, int64(len(data)), record.Size)
}

func TestWorkerCreateUnknownBundle(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)

	body, _ := json.Marshal(types.CreateWorkerRequest{BundleHash: strings.Repeat("ab", 32)})
	resp := doReq(t, http.MethodPost, ts.URL+"/worker", bytes.NewReader(body), "application/json")
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorkerLifecycleOrdering(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) {
			p.MarkOnline()
			p.EmitStdout([]byte("out"))
			p.EmitStderr([]byte("err"))
			p.EmitMessage([]byte("hi"))
			p.Exit(7)
		},
	}
	_, ts := newTestNode(t, h, 0)
	hash := uploadBundle(t, ts.URL, []byte("task"))

	id, resp, records := createWorker(t, ts.URL, hash, types.SpawnOptions{}, false)
	defer resp.Body.Close()

	got := collect(t, records)
	require.NotEmpty(t, got)

	// The stream opens with the current online flag (still pending).
	assert.Equal(t, protocol.EventOnline, got[0].Name)
	assert.Equal(t, "false", got[0].Value)

	onlineIdx, dataIdx, terminals := -1, -1, 0
	for i, rec := range got {
		switch rec.Name {
		case protocol.EventOnline:
			if rec.Value == "true" && onlineIdx < 0 {
				onlineIdx = i
			}
		case protocol.EventStdout, protocol.EventStderr, protocol.EventMessage:
			if dataIdx < 0 {
				dataIdx = i
			}
		case protocol.EventExit, protocol.EventError:
			terminals++
		}
	}
	require.GreaterOrEqual(t, onlineIdx, 0, "online event missing")
	require.GreaterOrEqual(t, dataIdx, 0, "data events missing")
	assert.Less(t, onlineIdx, dataIdx, "online must precede data events")
	assert.Equal(t, 1, terminals, "exactly one terminal event")

	last := got[len(got)-1]
	assert.Equal(t, protocol.EventExit, last.Name)
	code, err := last.ExitCode()
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	// The worker is no longer listed once exited.
	assert.Eventually(t, func() bool {
		listResp := doReq(t, http.MethodGet, ts.URL+"/workers", nil, "")
		defer listResp.Body.Close()
		var ids []string
		if err := json.NewDecoder(listResp.Body).Decode(&ids); err != nil {
			return false
		}
		for _, got := range ids {
			if got == id {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWorkerFaultEvent(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) {
			p.MarkOnline()
			p.Fail(&types.FaultError{Name: "TypeError", Message: "boom", Stack: "at task.js:1"})
		},
	}
	_, ts := newTestNode(t, h, 0)
	hash := uploadBundle(t, ts.URL, []byte("faulty"))

	_, resp, records := createWorker(t, ts.URL, hash, types.SpawnOptions{}, false)
	defer resp.Body.Close()

	got := collect(t, records)
	last := got[len(got)-1]
	require.Equal(t, protocol.EventError, last.Name)

	payload, err := last.Payload()
	require.NoError(t, err)
	var fault types.FaultError
	require.NoError(t, json.Unmarshal(payload, &fault))
	assert.Equal(t, "TypeError", fault.Name)
	assert.Equal(t, "boom", fault.Message)
	assert.Equal(t, "at task.js:1", fault.Stack)
}

func TestControlDispatch(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 0)
	hash := uploadBundle(t, ts.URL, []byte("ctl"))

	id, resp, records := createWorker(t, ts.URL, hash, types.SpawnOptions{Stdin: true}, false)
	defer resp.Body.Close()

	var ctl bytes.Buffer
	cw := protocol.NewWriter(&ctl)
	require.NoError(t, cw.WriteBinary(protocol.ControlStdin, []byte("abc")))
	require.NoError(t, cw.WriteBinary(protocol.ControlWorkerMessage, []byte("ping")))
	require.NoError(t, cw.WriteText("mystery", "ignored"))
	require.NoError(t, cw.WriteText(protocol.ControlTerminate, "true"))

	ctlResp := doReq(t, http.MethodPost, ts.URL+"/worker/"+id+"/streams-pipe", &ctl, "application/octet-stream")
	ctlResp.Body.Close()
	require.Equal(t, http.StatusOK, ctlResp.StatusCode)

	require.Eventually(t, func() bool {
		return len(h.Procs()) == 1 && h.Procs()[0].Terminated()
	}, 2*time.Second, 10*time.Millisecond)

	p := h.Procs()[0]
	assert.Equal(t, []byte("abc"), p.StdinBytes())
	require.Len(t, p.Received(), 1)
	assert.Equal(t, []byte("ping"), p.Received()[0])

	// Default terminate behavior exits 0; the stream ends with it.
	got := collect(t, records)
	last := got[len(got)-1]
	assert.Equal(t, protocol.EventExit, last.Name)
	assert.Equal(t, "0", last.Value)
}

func TestControlStdinDisabledIsDropped(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 0)
	hash := uploadBundle(t, ts.URL, []byte("nostdin"))

	id, resp, _ := createWorker(t, ts.URL, hash, types.SpawnOptions{Stdin: false}, false)
	defer resp.Body.Close()

	var ctl bytes.Buffer
	require.NoError(t, protocol.NewWriter(&ctl).WriteBinary(protocol.ControlStdin, []byte("dropped")))
	ctlResp := doReq(t, http.MethodPost, ts.URL+"/worker/"+id+"/streams-pipe", &ctl, "application/octet-stream")
	ctlResp.Body.Close()
	require.Equal(t, http.StatusOK, ctlResp.StatusCode)

	p := h.Procs()[0]
	assert.Empty(t, p.StdinBytes())
	p.Exit(0)
}

func TestStreamsPipeUnknownWorker(t *testing.T) {
	_, ts := newTestNode(t, &host.ScriptedHost{}, 0)

	resp := doReq(t, http.MethodGet, ts.URL+"/worker/nope/streams-pipe", nil, "")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doReq(t, http.MethodPost, ts.URL+"/worker/nope/streams-pipe", strings.NewReader(""), "application/octet-stream")
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExitOnDisconnectTerminatesAfterGrace(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 100*time.Millisecond)
	hash := uploadBundle(t, ts.URL, []byte("grace"))

	_, resp, _ := createWorker(t, ts.URL, hash, types.SpawnOptions{}, true)
	// Abandon the creating stream without reattaching.
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return h.Procs()[0].Terminated()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExitOnDisconnectReattachCancelsTermination(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 200*time.Millisecond)
	hash := uploadBundle(t, ts.URL, []byte("reattach"))

	id, resp, _ := createWorker(t, ts.URL, hash, types.SpawnOptions{}, true)
	resp.Body.Close()

	// Reattach inside the grace window keeps the worker alive.
	attach := doReq(t, http.MethodGet, ts.URL+"/worker/"+id+"/streams-pipe", nil, "")
	require.Equal(t, http.StatusOK, attach.StatusCode)

	time.Sleep(500 * time.Millisecond)
	p := h.Procs()[0]
	assert.False(t, p.Terminated(), "reattach must cancel the scheduled termination")

	attach.Body.Close()
	p.Exit(0)
}

func TestSecondReaderSeesCurrentOnlineFlag(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 0)
	hash := uploadBundle(t, ts.URL, []byte("late"))

	id, resp, records := createWorker(t, ts.URL, hash, types.SpawnOptions{}, false)
	defer resp.Body.Close()

	// Wait until the first stream saw online:true.
	deadline := time.After(2 * time.Second)
	for online := false; !online; {
		select {
		case rec := <-records:
			online = rec.Name == protocol.EventOnline && rec.Value == "true"
		case <-deadline:
			t.Fatal("never saw online")
		}
	}

	attach := doReq(t, http.MethodGet, ts.URL+"/worker/"+id+"/streams-pipe", nil, "")
	defer attach.Body.Close()
	require.Equal(t, http.StatusOK, attach.StatusCode)

	buf := make([]byte, 64)
	n, err := attach.Body.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "online: true\n", string(buf[:n]))

	h.Procs()[0].Exit(0)
}

func TestDroppedReaderDoesNotAffectWorker(t *testing.T) {
	h := &host.ScriptedHost{
		OnSpawn: func(p *host.ScriptedProcess) { p.MarkOnline() },
	}
	_, ts := newTestNode(t, h, 100*time.Millisecond)
	hash := uploadBundle(t, ts.URL, []byte("iso"))

	id, resp, records := createWorker(t, ts.URL, hash, types.SpawnOptions{}, false)
	defer resp.Body.Close()

	attach := doReq(t, http.MethodGet, ts.URL+"/worker/"+id+"/streams-pipe", nil, "")
	require.Equal(t, http.StatusOK, attach.StatusCode)
	attach.Body.Close()

	time.Sleep(300 * time.Millisecond)
	p := h.Procs()[0]
	assert.False(t, p.Terminated())

	// The surviving stream still receives events.
	p.EmitStdout([]byte("still here"))
	p.Exit(0)
	got := collect(t, records)
	var sawStdout bool
	for _, rec := range got {
		if rec.Name == protocol.EventStdout {
			payload, err := rec.Payload()
			require.NoError(t, err)
			assert.Equal(t, []byte("still here"), payload)
			sawStdout = true
		}
	}
	assert.True(t, sawStdout)
}
