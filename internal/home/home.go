// Package home manages the binder home directory layout.
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the binder home directory.
	DefaultDirName = ".binder"

	// BlobsDirName is the subdirectory acting as the blob-store root.
	BlobsDirName = "blobs"

	// LogsDirName is the subdirectory for rotating service logs.
	LogsDirName = "logs"

	// DatabaseFileName is the SQLite metadata store file.
	DatabaseFileName = "binder.db"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the binder home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.binder).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// BlobsPath returns the blob-store root directory.
func (d *Dir) BlobsPath() string {
	return filepath.Join(d.path, BlobsDirName)
}

// LogsPath returns the logs directory.
func (d *Dir) LogsPath() string {
	return filepath.Join(d.path, LogsDirName)
}

// DatabasePath returns the path to the SQLite metadata store.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.BlobsPath(), d.LogsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
