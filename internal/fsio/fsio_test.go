package fsio_test

import (
	"os"
	"path/filepath"
	"testing"

	"waveline/internal/fsio"
)

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.json")
	in := map[string]int{"a": 1, "b": 2}
	if err := fsio.WriteJSONAtomic(path, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out map[string]int
	if err := fsio.ReadJSON(path, &out); err != nil {
		t.Fatalf("read: %v", err)
	}
	if out["a"] != 1 || out["b"] != 2 {
		t.Errorf("round trip = %v", out)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file not cleaned up")
	}
}

func TestAppendJSONLAndReadBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	for i := 0; i < 3; i++ {
		if err := fsio.AppendJSONL(path, map[string]int{"n": i}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	lines, err := fsio.ReadJSONLines(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(lines) != 3 {
		t.Errorf("got %d lines, want 3", len(lines))
	}
}

func TestReadJSONLinesRejectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.jsonl")
	if err := os.WriteFile(path, []byte("{\"ok\":true}\n{broken\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := fsio.ReadJSONLines(path); err == nil {
		t.Error("corrupt line accepted")
	}
}

func TestHashFilesIsOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	b := filepath.Join(dir, "b.md")
	if err := os.WriteFile(a, []byte("alpha"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("beta"), 0o644); err != nil {
		t.Fatal(err)
	}

	h1, err := fsio.HashFiles([]string{a, b})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := fsio.HashFiles([]string{b, a})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Error("hash depends on argument order")
	}

	if err := os.WriteFile(b, []byte("gamma"), 0o644); err != nil {
		t.Fatal(err)
	}
	h3, err := fsio.HashFiles([]string{a, b})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h3 == h1 {
		t.Error("content change not reflected in hash")
	}
}

func TestHashFilesDistinguishesRenames(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.md")
	if err := os.WriteFile(a, []byte("same"), 0o644); err != nil {
		t.Fatal(err)
	}
	h1, err := fsio.HashFiles([]string{a})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	renamed := filepath.Join(dir, "z.md")
	if err := os.Rename(a, renamed); err != nil {
		t.Fatal(err)
	}
	h2, err := fsio.HashFiles([]string{renamed})
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 == h2 {
		t.Error("rename with identical content not reflected in hash")
	}
}
