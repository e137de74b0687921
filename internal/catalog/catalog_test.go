package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, dir, name string, content []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRefreshListsOnlyVisibleRegularFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "take-01.wav", make([]byte, 1000))
	writeFile(t, dir, "song.mp3", make([]byte, 500))
	writeFile(t, dir, ".DS_Store", []byte("junk"))
	if err := os.Mkdir(filepath.Join(dir, "stems"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, dir, filepath.Join("stems", "nested.wav"), make([]byte, 100))

	cat, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	snap, err := cat.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if len(snap.Files) != 2 {
		t.Fatalf("got %d files, want 2: %+v", len(snap.Files), snap.Files)
	}
	if snap.TotalSize != 1500 {
		t.Fatalf("total size = %d, want 1500", snap.TotalSize)
	}
	for _, f := range snap.Files {
		if f.Path != "take-01.wav" && f.Path != "song.mp3" {
			t.Fatalf("unexpected catalog entry %q", f.Path)
		}
	}
}

func TestRefreshKeepsStableIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "take-01.wav", make([]byte, 1000))

	cat, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := cat.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	second, err := cat.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if first.Files[0].ID != second.Files[0].ID {
		t.Fatalf("file id changed across refreshes of an unchanged file")
	}
}

func TestLookupResolvesPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "take-01.wav", make([]byte, 64))

	cat, err := New(dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	snap, err := cat.Refresh()
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	meta, path, ok := cat.Lookup(snap.Files[0].ID)
	if !ok {
		t.Fatalf("Lookup failed for offered id")
	}
	if meta.Path != "take-01.wav" {
		t.Fatalf("meta path = %q", meta.Path)
	}
	if path != filepath.Join(dir, "take-01.wav") {
		t.Fatalf("resolved path = %q", path)
	}

	if _, _, ok := cat.Lookup(snap.Files[0].ID); !ok {
		t.Fatalf("second lookup failed")
	}
}

func TestNewRejectsMissingDirectory(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "nope"), zerolog.Nop()); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
