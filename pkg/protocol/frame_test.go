package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripArbitraryChunks(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		{0x00, 0x0a, 0xff, 0x3a, 0x20}, // newline and separator bytes inside payload
		{},
		bytes.Repeat([]byte{0xde, 0xad}, 500),
	}

	var buf bytes.Buffer
	w := NewWriter(&buf)
	for _, p := range payloads {
		require.NoError(t, w.WriteBinary(EventMessage, p))
	}
	require.NoError(t, w.WriteText(EventExit, "0"))

	// Re-parse under several chunk sizes, including pathological ones.
	for _, chunkSize := range []int{1, 2, 3, 7, 64, buf.Len()} {
		var got []Record
		p := NewParser(func(r Record) { got = append(got, r) })

		data := buf.Bytes()
		for i := 0; i < len(data); i += chunkSize {
			end := i + chunkSize
			if end > len(data) {
				end = len(data)
			}
			p.Feed(data[i:end])
		}

		require.Len(t, got, len(payloads)+1, "chunk size %d", chunkSize)
		for i, want := range payloads {
			assert.Equal(t, EventMessage, got[i].Name)
			decoded, err := got[i].Payload()
			require.NoError(t, err)
			assert.Equal(t, want, decoded)
		}
		last := got[len(got)-1]
		assert.Equal(t, EventExit, last.Name)
		code, err := last.ExitCode()
		require.NoError(t, err)
		assert.Equal(t, 0, code)
	}
}

func TestParserIgnoresMalformedLines(t *testing.T) {
	var got []Record
	p := NewParser(func(r Record) { got = append(got, r) })

	p.Feed([]byte("garbage without separator\n"))
	p.Feed([]byte("online: true\n"))
	p.Feed([]byte("\n"))

	require.Len(t, got, 1)
	assert.Equal(t, EventOnline, got[0].Name)
	assert.Equal(t, "true", got[0].Value)
}

func TestParserCarriesTrailingFragment(t *testing.T) {
	var got []Record
	p := NewParser(func(r Record) { got = append(got, r) })

	p.Feed([]byte("onli"))
	p.Feed([]byte("ne: tr"))
	assert.Empty(t, got)
	p.Feed([]byte("ue\nexit: 1"))
	require.Len(t, got, 1)
	p.Feed([]byte("\n"))
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[1].Value)
}

func TestDrain(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteText(EventOnline, "true"))
	require.NoError(t, w.WriteBinary(EventStdout, []byte("out")))

	var got []Record
	p := NewParser(func(r Record) { got = append(got, r) })
	require.NoError(t, p.Drain(&buf))
	require.Len(t, got, 2)
	assert.Equal(t, EventStdout, got[1].Name)
}
