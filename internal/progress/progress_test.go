package progress

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStoreFreshRunLoadsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "progress"))
	marker, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if marker != "" {
		t.Fatalf("expected empty marker, got %q", marker)
	}
}

func TestFileStoreSaveLoadClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "progress")
	store := NewFileStore(path)

	if err := store.Save("openrouter/alpha"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	marker, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if marker != "openrouter/alpha" {
		t.Fatalf("expected saved marker, got %q", marker)
	}

	if err := store.Save("openrouter/beta"); err != nil {
		t.Fatalf("second Save error: %v", err)
	}
	marker, _ = store.Load()
	if marker != "openrouter/beta" {
		t.Fatalf("expected overwritten marker, got %q", marker)
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected marker file removed")
	}
	marker, err = store.Load()
	if err != nil {
		t.Fatalf("Load after Clear error: %v", err)
	}
	if marker != "" {
		t.Fatalf("expected empty marker after Clear, got %q", marker)
	}
}

func TestFileStoreClearIsIdempotent(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "progress"))
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear on absent marker: %v", err)
	}
}

func TestFileStoreTrimsWhitespace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "progress")
	if err := os.WriteFile(path, []byte("  model-x \n"), 0o644); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	store := NewFileStore(path)
	marker, err := store.Load()
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if marker != "model-x" {
		t.Fatalf("expected trimmed marker, got %q", marker)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	if err := store.Save("m1"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	marker, _ := store.Load()
	if marker != "m1" {
		t.Fatalf("expected m1, got %q", marker)
	}
	if err := store.Clear(); err != nil {
		t.Fatalf("Clear error: %v", err)
	}
	marker, _ = store.Load()
	if marker != "" {
		t.Fatalf("expected cleared marker, got %q", marker)
	}
}
