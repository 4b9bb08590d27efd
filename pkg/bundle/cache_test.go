package bundle

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackermondev/worker-threads-clusters/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestContentAddressing(t *testing.T) {
	c := newTestCache(t)
	data := []byte("module.exports = 42;")
	hash := FingerprintBytes(data)

	require.NoError(t, c.Create(hash))
	require.NoError(t, c.Put(hash, bytes.NewReader(data), "none"))
	first, err := c.Describe(hash)
	require.NoError(t, err)

	// Upload the same artifact again; exactly one cached copy remains and
	// describe still matches.
	require.NoError(t, c.Create(hash))
	require.NoError(t, c.Put(hash, bytes.NewReader(data), "none"))
	second, err := c.Describe(hash)
	require.NoError(t, err)

	assert.Equal(t, first.Hash, second.Hash)
	assert.Equal(t, first.Size, second.Size)
	assert.Equal(t, 1, c.Count())

	path, err := c.Path(hash)
	require.NoError(t, err)
	stored, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestIdempotentCreate(t *testing.T) {
	c := newTestCache(t)
	data := []byte("console.log('hi')")
	hash := FingerprintBytes(data)

	require.NoError(t, c.Create(hash))
	require.NoError(t, c.Create(hash))
	require.NoError(t, c.Put(hash, bytes.NewReader(data), "none"))

	_, err := c.Describe(hash)
	assert.NoError(t, err)
}

func TestDescribeBeforePut(t *testing.T) {
	c := newTestCache(t)
	hash := FingerprintBytes([]byte("pending"))

	_, err := c.Describe(hash)
	assert.ErrorIs(t, err, ErrNotFound)

	// A reservation alone must not be describable.
	require.NoError(t, c.Create(hash))
	_, err = c.Describe(hash)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutRequiresReservation(t *testing.T) {
	c := newTestCache(t)
	data := []byte("orphan")
	err := c.Put(FingerprintBytes(data), bytes.NewReader(data), "none")
	assert.ErrorIs(t, err, ErrNotReserved)
}

func TestPutRefusesUnknownCompression(t *testing.T) {
	c := newTestCache(t)
	data := []byte("zipped")
	hash := FingerprintBytes(data)
	require.NoError(t, c.Create(hash))

	err := c.Put(hash, bytes.NewReader(data), "gzip")
	assert.ErrorIs(t, err, ErrCompression)

	// "none" and the empty default are the only accepted values.
	assert.NoError(t, c.Put(hash, bytes.NewReader(data), ""))
}

func TestStartupBulkClear(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, 3)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		data := []byte(fmt.Sprintf("bundle-%d", i))
		hash := FingerprintBytes(data)
		require.NoError(t, c.Create(hash))
		require.NoError(t, c.Put(hash, bytes.NewReader(data), "none"))
	}
	require.Equal(t, 4, c.Count())
	require.NoError(t, c.Close())

	// Over threshold: reopening wipes everything.
	c, err = NewCache(dir, 3)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 0, c.Count())

	files, err := filepath.Glob(filepath.Join(dir, "*"+artifactExt))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStartupKeepsCacheUnderThreshold(t *testing.T) {
	dir := t.TempDir()
	c, err := NewCache(dir, 3)
	require.NoError(t, err)

	data := []byte("keep me")
	hash := FingerprintBytes(data)
	require.NoError(t, c.Create(hash))
	require.NoError(t, c.Put(hash, bytes.NewReader(data), "none"))
	require.NoError(t, c.Close())

	c, err = NewCache(dir, 3)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Describe(hash)
	assert.NoError(t, err)
}

func TestFingerprintMatchesBytes(t *testing.T) {
	data := []byte("fingerprint me")
	path := filepath.Join(t.TempDir(), "artifact.js")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	hash, size, err := Fingerprint(path)
	require.NoError(t, err)
	assert.Equal(t, FingerprintBytes(data), hash)
	assert.Equal(t, int64(len(data)), size)
}
