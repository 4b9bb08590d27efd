package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// Bundler turns a caller-supplied entrypoint into a single self-contained
// artifact on disk. The real bundler is an external collaborator; the
// dispatcher only needs the produced file, which it deletes after upload.
type Bundler interface {
	Bundle(ctx context.Context, entrypoint string) (artifact string, err error)
}

// FileBundler is the identity bundler: it copies the entrypoint file into
// a temporary artifact. Suitable when the entrypoint is already
// self-contained.
type FileBundler struct {
	// Dir is where artifacts are staged; empty means the OS temp dir.
	Dir string
}

func (b *FileBundler) Bundle(ctx context.Context, entrypoint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	src, err := os.Open(entrypoint)
	if err != nil {
		return "", fmt.Errorf("failed to open entrypoint: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(b.Dir, "bundle-*"+artifactExt)
	if err != nil {
		return "", fmt.Errorf("failed to create artifact: %w", err)
	}
	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return dst.Name(), nil
}

// Fingerprint computes the content digest all participants key bundles by.
// sha256 is used throughout: the cache key must be collision-resistant.
func Fingerprint(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash artifact: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}

// FingerprintBytes hashes an in-memory artifact.
func FingerprintBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
