// Package bundle holds the content-addressed program artifacts a node
// executes, plus the client-side bundler and fingerprint helpers.
package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/hackermondev/worker-threads-clusters/pkg/log"
	"github.com/hackermondev/worker-threads-clusters/pkg/types"
)

var (
	bucketBundles      = []byte("bundles")
	bucketReservations = []byte("reservations")
)

var (
	// ErrNotFound is returned when no fully-written artifact exists for
	// a fingerprint.
	ErrNotFound = errors.New("bundle not found")

	// ErrNotReserved is returned by Put when no slot was created first.
	ErrNotReserved = errors.New("bundle slot not reserved")

	// ErrCompression is returned for any codec other than "none".
	ErrCompression = errors.New("unsupported compression")
)

// DefaultClearThreshold is the cached-bundle count past which the cache is
// wiped wholesale at startup.
const DefaultClearThreshold = 10

const artifactExt = ".js"

// Cache is the node-side bundle store: artifacts as {fingerprint}.js files
// in a scratch directory, metadata in a bbolt index alongside them.
type Cache struct {
	dir       string
	db        *bolt.DB
	threshold int
	logger    zerolog.Logger
}

// NewCache opens (creating if absent) the cache at dir. When the cache
// already holds more than threshold bundles it is bulk-cleared before use.
// threshold <= 0 selects DefaultClearThreshold.
func NewCache(dir string, threshold int) (*Cache, error) {
	if threshold <= 0 {
		threshold = DefaultClearThreshold
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bundle directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, "index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bundle index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBundles, bucketReservations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &Cache{
		dir:       dir,
		db:        db,
		threshold: threshold,
		logger:    log.WithComponent("bundle-cache"),
	}

	if count := c.Count(); count > threshold {
		c.logger.Info().Int("count", count).Int("threshold", threshold).
			Msg("Bundle cache over threshold, clearing")
		if err := c.clear(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to clear bundle cache: %w", err)
		}
	}
	return c, nil
}

// Close closes the metadata index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Create reserves an empty slot under the fingerprint. Idempotent: a
// repeated reservation, or one for an already-written bundle, succeeds.
func (c *Cache) Create(hash string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReservations).Put([]byte(hash), []byte{})
	})
}

// Put writes the artifact bytes for a reserved fingerprint. The artifact
// is staged to a .part file and renamed, so Describe never observes a
// partial write. Two racing writers converge on identical bytes, so either
// completion suffices.
func (c *Cache) Put(hash string, r io.Reader, compression string) error {
	if compression != "" && compression != "none" {
		return fmt.Errorf("%w: %q", ErrCompression, compression)
	}

	reserved := false
	err := c.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketReservations).Get([]byte(hash)) != nil {
			reserved = true
		} else if tx.Bucket(bucketBundles).Get([]byte(hash)) != nil {
			reserved = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !reserved {
		return ErrNotReserved
	}

	staging := c.artifactPath(hash) + ".part"
	f, err := os.Create(staging)
	if err != nil {
		return fmt.Errorf("failed to stage bundle: %w", err)
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to write bundle: %w", err)
	}
	if err := os.Rename(staging, c.artifactPath(hash)); err != nil {
		os.Remove(staging)
		return fmt.Errorf("failed to commit bundle: %w", err)
	}

	record := &types.BundleRecord{Hash: hash, Size: size, Created: time.Now().UTC()}
	err = c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBundles).Put([]byte(hash), data); err != nil {
			return err
		}
		return tx.Bucket(bucketReservations).Delete([]byte(hash))
	})
	if err != nil {
		return err
	}

	c.logger.Debug().Str("hash", hash).Int64("size", size).Msg("Bundle stored")
	return nil
}

// Describe returns the record for a fully-written bundle. Reservations and
// zero-size entries report ErrNotFound so upload dedupe never skips an
// incomplete artifact.
func (c *Cache) Describe(hash string) (*types.BundleRecord, error) {
	var record types.BundleRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBundles).Get([]byte(hash))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &record)
	})
	if err != nil {
		return nil, err
	}
	if record.Size == 0 {
		return nil, ErrNotFound
	}
	if _, err := os.Stat(c.artifactPath(hash)); err != nil {
		return nil, ErrNotFound
	}
	return &record, nil
}

// Path returns the artifact path for the worker launcher.
func (c *Cache) Path(hash string) (string, error) {
	if _, err := c.Describe(hash); err != nil {
		return "", err
	}
	return c.artifactPath(hash), nil
}

// Count returns the number of fully-written bundles.
func (c *Cache) Count() int {
	count := 0
	_ = c.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(bucketBundles).Stats().KeyN
		return nil
	})
	return count
}

func (c *Cache) artifactPath(hash string) string {
	return filepath.Join(c.dir, hash+artifactExt)
}

// clear removes every artifact, staging file, and index entry.
func (c *Cache) clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasSuffix(name, artifactExt) || strings.HasSuffix(name, ".part") {
			if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
				return err
			}
		}
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBundles, bucketReservations} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}
