package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestAtomicWrite_CreatesParentAndWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	content := []byte("log:\n  level: info\n")
	if err := AtomicWrite(path, content); err != nil {
		t.Fatalf("AtomicWrite error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if string(data) != string(content) {
		t.Fatalf("content mismatch: got %q, want %q", data, content)
	}
}

func TestAtomicWrite_OverwritePreservesMode(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not preserved on windows")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	if err := AtomicWrite(path, []byte("updated")); err != nil {
		t.Fatalf("AtomicWrite error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat error: %v", err)
	}
	if info.Mode().Perm() != 0o644 {
		t.Errorf("mode = %v, want 0644", info.Mode().Perm())
	}
	data, _ := os.ReadFile(path)
	if string(data) != "updated" {
		t.Errorf("content = %q, want %q", data, "updated")
	}
}
