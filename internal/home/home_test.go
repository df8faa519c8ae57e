package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWithExplicitPath(t *testing.T) {
	d, err := New("/tmp/binder-test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if d.Path() != "/tmp/binder-test" {
		t.Errorf("expected /tmp/binder-test, got %s", d.Path())
	}
	if d.DatabasePath() != "/tmp/binder-test/binder.db" {
		t.Errorf("unexpected database path: %s", d.DatabasePath())
	}
	if d.BlobsPath() != "/tmp/binder-test/blobs" {
		t.Errorf("unexpected blobs path: %s", d.BlobsPath())
	}
}

func TestNewWithEmptyPath(t *testing.T) {
	d, err := New("")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	home, _ := os.UserHomeDir()
	if d.Path() != filepath.Join(home, DefaultDirName) {
		t.Errorf("expected default under user home, got %s", d.Path())
	}
}

func TestEnsureExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "home")
	d, err := New(root)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if d.Exists() {
		t.Fatal("directory should not exist yet")
	}
	if err := d.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}
	if !d.Exists() {
		t.Error("directory should exist after EnsureExists")
	}
	for _, p := range []string{d.BlobsPath(), d.LogsPath()} {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			t.Errorf("expected directory at %s", p)
		}
	}
}
