package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnOptionsForwardsUnknownKeys(t *testing.T) {
	raw := []byte(`{
		"argv": ["--fast"],
		"env": {"A": "1"},
		"stdin": true,
		"resourceLimits": {"maxOldGenerationSizeMb": 128},
		"workerData": {"job": 7},
		"futureKnob": {"nested": true}
	}`)

	var opts SpawnOptions
	require.NoError(t, json.Unmarshal(raw, &opts))
	assert.Equal(t, []string{"--fast"}, opts.Argv)
	assert.Equal(t, map[string]string{"A": "1"}, opts.Env)
	assert.True(t, opts.Stdin)
	require.NotNil(t, opts.ResourceLimits)
	assert.Equal(t, 128, opts.ResourceLimits.MaxOldGenerationSizeMb)
	assert.JSONEq(t, `{"job": 7}`, string(opts.WorkerData))
	require.Contains(t, opts.Extra, "futureKnob")

	// Unknown keys survive the round trip verbatim.
	out, err := json.Marshal(opts)
	require.NoError(t, err)
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &m))
	assert.JSONEq(t, `{"nested": true}`, string(m["futureKnob"]))
	assert.JSONEq(t, `{"job": 7}`, string(m["workerData"]))
}

func TestMeanUsage(t *testing.T) {
	assert.Equal(t, 0.0, (*LoadSample)(nil).MeanUsage())
	assert.Equal(t, 0.0, (&LoadSample{}).MeanUsage())
	assert.InDelta(t, 0.5, (&LoadSample{CPUUsage: []float64{0.2, 0.8}}).MeanUsage(), 1e-9)
}
