package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrBlobNotFound is returned when a blob key does not exist.
var ErrBlobNotFound = errors.New("blob not found")

// Blobs is a bucket/key blob store on the local filesystem. Writes are
// atomic (temp file + rename) so readers never observe partial content.
type Blobs struct {
	root string
}

// NewBlobs creates a blob store rooted at dir.
func NewBlobs(dir string) *Blobs {
	return &Blobs{root: dir}
}

// Put writes data under (bucket, key), creating parent directories.
func (b *Blobs) Put(bucket, key string, data []byte) error {
	path, err := b.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close blob: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}
	return nil
}

// Get reads the blob under (bucket, key).
func (b *Blobs) Get(bucket, key string) ([]byte, error) {
	path, err := b.path(bucket, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// Delete removes the blob under (bucket, key). Deleting a missing blob is
// not an error.
func (b *Blobs) Delete(bucket, key string) error {
	path, err := b.path(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// Exists reports whether a blob is present under (bucket, key).
func (b *Blobs) Exists(bucket, key string) (bool, error) {
	path, err := b.path(bucket, key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// path resolves (bucket, key) to a filesystem path, rejecting traversal.
func (b *Blobs) path(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key are required")
	}
	rel := filepath.Join(bucket, filepath.FromSlash(key))
	path := filepath.Join(b.root, rel)
	if !strings.HasPrefix(path, b.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return path, nil
}
