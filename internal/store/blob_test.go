package store

import (
	"errors"
	"testing"
)

func TestBlobRoundTrip(t *testing.T) {
	b := NewBlobs(t.TempDir())

	if err := b.Put("bucket", "a/b/c.json", []byte(`{"x":1}`)); err != nil {
		t.Fatal(err)
	}
	got, err := b.Get("bucket", "a/b/c.json")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != `{"x":1}` {
		t.Errorf("unexpected content %q", got)
	}

	exists, err := b.Exists("bucket", "a/b/c.json")
	if err != nil || !exists {
		t.Errorf("expected blob to exist: %v", err)
	}

	if err := b.Delete("bucket", "a/b/c.json"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Get("bucket", "a/b/c.json"); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("expected ErrBlobNotFound, got %v", err)
	}

	// Deleting again is not an error.
	if err := b.Delete("bucket", "a/b/c.json"); err != nil {
		t.Errorf("double delete failed: %v", err)
	}
}

func TestBlobRejectsTraversal(t *testing.T) {
	b := NewBlobs(t.TempDir())
	if err := b.Put("bucket", "../../etc/passwd", []byte("nope")); err == nil {
		t.Error("expected traversal rejection")
	}
	if _, err := b.Get("", "key"); err == nil {
		t.Error("expected error for empty bucket")
	}
}
