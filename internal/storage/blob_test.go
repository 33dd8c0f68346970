package storage

import (
	"bytes"
	"errors"
	"testing"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}

	data := []byte("From: a@example.com\r\n\r\nhello")
	id, err := store.Save(data)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(id) != 64 {
		t.Fatalf("expected hex sha256 id, got %q", id)
	}

	// Saving identical content returns the same id.
	id2, err := store.Save(data)
	if err != nil {
		t.Fatalf("Save again: %v", err)
	}
	if id2 != id {
		t.Fatalf("ids differ for identical content: %q vs %q", id, id2)
	}

	got, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("loaded data mismatch")
	}
}

func TestBlobStoreMissing(t *testing.T) {
	t.Parallel()

	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	_, err = store.Load("0000000000000000000000000000000000000000000000000000000000000000")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestBlobStoreDelete(t *testing.T) {
	t.Parallel()

	store, err := NewBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBlobStore: %v", err)
	}
	id, err := store.Save([]byte("payload"))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	// Deleting a missing blob is not an error.
	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}
