package types

import (
	"encoding/json"
	"time"
)

// Product is the wire-level product name advertised in the Server header.
const Product = "worker_threads_nodes"

// Version is the software version shared by node and client binaries.
// Overridden via ldflags during release builds.
var Version = "1.0.0"

// NodeInfo is the identity a node reports on GET /.
type NodeInfo struct {
	Name        string `json:"name"`
	NodeVersion string `json:"nodeVersion"`
}

// Credentials is the static basic-auth pair configured per node.
type Credentials struct {
	Username string
	Password string
}

// LoadSample is one health reading from a node: per-core utilization in
// [0,1] and the count of currently running workers.
type LoadSample struct {
	WorkersRunning int       `json:"workersRunning"`
	CPUUsage       []float64 `json:"cpuUsage"`
}

// MeanUsage returns the mean per-core utilization, or 0 for an empty sample.
func (s *LoadSample) MeanUsage() float64 {
	if s == nil || len(s.CPUUsage) == 0 {
		return 0
	}
	var sum float64
	for _, v := range s.CPUUsage {
		sum += v
	}
	return sum / float64(len(s.CPUUsage))
}

// BundleRecord describes one cached bundle artifact.
type BundleRecord struct {
	Hash    string    `json:"hash"`
	Size    int64     `json:"size"`
	Created time.Time `json:"created"`
}

// WorkerState is the lifecycle state of a worker on its node.
type WorkerState string

const (
	WorkerStatePending WorkerState = "pending"
	WorkerStateOnline  WorkerState = "online"
	WorkerStateExited  WorkerState = "exited"
)

// ResourceLimits mirrors the child-host resource knobs.
type ResourceLimits struct {
	MaxOldGenerationSizeMb   int `json:"maxOldGenerationSizeMb,omitempty"`
	MaxYoungGenerationSizeMb int `json:"maxYoungGenerationSizeMb,omitempty"`
	CodeRangeSizeMb          int `json:"codeRangeSizeMb,omitempty"`
	StackSizeMb              int `json:"stackSizeMb,omitempty"`
}

// SpawnOptions is the opaque spawn-options blob forwarded to the child host.
// Keys the dispatcher does not recognize round-trip through Extra verbatim.
type SpawnOptions struct {
	Argv           []string          `json:"-"`
	Env            map[string]string `json:"-"`
	ExecArgv       []string          `json:"-"`
	WorkerData     json.RawMessage   `json:"-"`
	TransferList   json.RawMessage   `json:"-"`
	Stdin          bool              `json:"-"`
	ResourceLimits *ResourceLimits   `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

var knownSpawnKeys = map[string]struct{}{
	"argv": {}, "env": {}, "execArgv": {}, "workerData": {},
	"transferList": {}, "stdin": {}, "resourceLimits": {},
}

// MarshalJSON emits the recognized keys plus every Extra key verbatim.
func (o SpawnOptions) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(o.Extra)+7)
	for k, v := range o.Extra {
		if _, known := knownSpawnKeys[k]; known {
			continue
		}
		m[k] = v
	}
	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = raw
		return nil
	}
	if o.Argv != nil {
		if err := put("argv", o.Argv); err != nil {
			return nil, err
		}
	}
	if o.Env != nil {
		if err := put("env", o.Env); err != nil {
			return nil, err
		}
	}
	if o.ExecArgv != nil {
		if err := put("execArgv", o.ExecArgv); err != nil {
			return nil, err
		}
	}
	if o.WorkerData != nil {
		m["workerData"] = o.WorkerData
	}
	if o.TransferList != nil {
		m["transferList"] = o.TransferList
	}
	if o.Stdin {
		if err := put("stdin", o.Stdin); err != nil {
			return nil, err
		}
	}
	if o.ResourceLimits != nil {
		if err := put("resourceLimits", o.ResourceLimits); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits recognized keys out and keeps the rest in Extra.
func (o *SpawnOptions) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*o = SpawnOptions{}
	for key, raw := range m {
		var err error
		switch key {
		case "argv":
			err = json.Unmarshal(raw, &o.Argv)
		case "env":
			err = json.Unmarshal(raw, &o.Env)
		case "execArgv":
			err = json.Unmarshal(raw, &o.ExecArgv)
		case "workerData":
			o.WorkerData = raw
		case "transferList":
			o.TransferList = raw
		case "stdin":
			err = json.Unmarshal(raw, &o.Stdin)
		case "resourceLimits":
			err = json.Unmarshal(raw, &o.ResourceLimits)
		default:
			if o.Extra == nil {
				o.Extra = make(map[string]json.RawMessage)
			}
			o.Extra[key] = raw
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateWorkerRequest is the body of POST /worker.
type CreateWorkerRequest struct {
	BundleHash       string       `json:"bundleHash"`
	ExtraData        SpawnOptions `json:"extraData"`
	ExitOnRequestEnd bool         `json:"exitOnRequestEnd"`
}

// CreateBundleRequest is the body of POST /bundles/create.
type CreateBundleRequest struct {
	Hash string `json:"hash"`
}
