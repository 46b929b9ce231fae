package logrotate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesServiceDirAndDatedFile(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	f, err := m.Open("app", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	day := f.day
	expected := filepath.Join(root, "app", baseName("web", day))
	if _, err := os.Stat(expected); err != nil {
		t.Fatalf("expected log file at %s: %v", expected, err)
	}
}

func TestWriteRotatesPastMaxSize(t *testing.T) {
	root := t.TempDir()
	m := NewManager(root)
	m.MaxSize = 10
	f, err := m.Open("app", "web")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("0123456789")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := f.Write([]byte("more bytes past threshold")); err != nil {
		t.Fatalf("write: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(root, "app"))
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected rotation to leave at least 2 files, got %d: %v", len(entries), entries)
	}
}

func TestExpireOnceRespectsRetentionKeep(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "app")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	names := []string{
		"web 24-0101.log",
		"web 24-0101 10.log",
		"web 24-0101 11.log",
		"web 24-0101 12.log",
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o640); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}

	m := NewManager(root)
	m.RetentionKeep = 2
	m.ExpireOnce()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files to remain, got %d: %v", len(entries), entries)
	}
}
