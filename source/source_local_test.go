package source

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func TestNewLocalSourceMissingDir(t *testing.T) {
	_, err := NewLocalSource(filepath.Join(t.TempDir(), "nope"), "")
	if err == nil {
		t.Fatal("expected an error for a missing source directory")
	}
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "b.zip"), "b")
	writeFile(t, filepath.Join(dir, "a.zip"), "a")
	writeFile(t, filepath.Join(dir, "C.ZIP"), "c")
	writeFile(t, filepath.Join(dir, "notes.txt"), "not an archive")
	if err := os.Mkdir(filepath.Join(dir, "subdir.zip"), 0o755); err != nil {
		t.Fatalf("creating decoy directory: %v", err)
	}

	src, err := NewLocalSource(dir, "")
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	archives, err := src.ListArchives()
	if err != nil {
		t.Fatalf("ListArchives: %v", err)
	}
	expected := []string{"C.ZIP", "a.zip", "b.zip"}
	if len(archives) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, archives)
	}
	for i := range expected {
		if archives[i] != expected[i] {
			t.Errorf("position %d: expected %q, got %q", i, expected[i], archives[i])
		}
	}
}

func TestFetch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data.zip"), "12345")

	src, err := NewLocalSource(dir, "")
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	file, err := src.Fetch("data.zip")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if file.RelativePath != "data.zip" || file.Size != 5 || file.Temp {
		t.Errorf("unexpected FileInfo: %+v", file)
	}
	if file.LocalPath != filepath.Join(dir, "data.zip") {
		t.Errorf("unexpected LocalPath: %s", file.LocalPath)
	}

	if _, err := src.Fetch("missing.zip"); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestMoveToProcessed(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "processed")
	writeFile(t, filepath.Join(dir, "data.zip"), "content")

	src, err := NewLocalSource(dir, processed)
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	dest, err := src.MoveToProcessed("data.zip")
	if err != nil {
		t.Fatalf("MoveToProcessed: %v", err)
	}
	if dest != filepath.Join(processed, "data.zip") {
		t.Errorf("unexpected destination %s", dest)
	}
	if _, err := os.Stat(filepath.Join(dir, "data.zip")); !os.IsNotExist(err) {
		t.Error("the original archive should be gone after the move")
	}
	content, err := os.ReadFile(dest)
	if err != nil || string(content) != "content" {
		t.Errorf("moved file content mismatch: %q, %v", content, err)
	}
}

func TestMoveToProcessedCollision(t *testing.T) {
	dir := t.TempDir()
	processed := filepath.Join(dir, "processed")
	if err := os.MkdirAll(processed, 0o755); err != nil {
		t.Fatalf("creating processed dir: %v", err)
	}
	writeFile(t, filepath.Join(dir, "data.zip"), "new")
	writeFile(t, filepath.Join(processed, "data.zip"), "old")

	src, err := NewLocalSource(dir, processed)
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	dest, err := src.MoveToProcessed("data.zip")
	if err != nil {
		t.Fatalf("MoveToProcessed: %v", err)
	}

	// the existing file keeps its content, the new one lands under a stamped name
	old, err := os.ReadFile(filepath.Join(processed, "data.zip"))
	if err != nil || string(old) != "old" {
		t.Errorf("the pre-existing file was touched: %q, %v", old, err)
	}
	base := filepath.Base(dest)
	if !strings.HasPrefix(base, "data_") || !strings.HasSuffix(base, ".zip") {
		t.Errorf("expected a timestamp-suffixed name, got %q", base)
	}
	moved, err := os.ReadFile(dest)
	if err != nil || string(moved) != "new" {
		t.Errorf("moved file content mismatch: %q, %v", moved, err)
	}
}

func TestMoveToProcessedWithoutTarget(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "data.zip"), "x")
	src, err := NewLocalSource(dir, "")
	if err != nil {
		t.Fatalf("NewLocalSource: %v", err)
	}
	if _, err := src.MoveToProcessed("data.zip"); err == nil {
		t.Error("expected an error when no processed directory is configured")
	}
}

func TestDisposeRemovesOnlyTempFiles(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.zip")
	remove := filepath.Join(dir, "remove.zip")
	writeFile(t, keep, "k")
	writeFile(t, remove, "r")

	src := &LocalSource{sourceDir: dir}
	src.Dispose(FileInfo{LocalPath: keep, Temp: false})
	src.Dispose(FileInfo{LocalPath: remove, Temp: true})

	if _, err := os.Stat(keep); err != nil {
		t.Error("a non-temporary file was removed by Dispose")
	}
	if _, err := os.Stat(remove); !os.IsNotExist(err) {
		t.Error("a temporary file survived Dispose")
	}
}
