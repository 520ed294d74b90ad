package workspace_test

import (
	"os"
	"path/filepath"
	"testing"

	"packline/internal/cache"
	"packline/internal/storage"
	"packline/internal/workspace"
)

func newAllocator(t *testing.T) (*workspace.Allocator, *storage.Store) {
	t.Helper()
	store, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return workspace.NewAllocator(store), store
}

func seedEntry(t *testing.T) cache.Entry {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "res"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "res", "a.txt"), []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return cache.Entry{ArtifactID: "art-1", Root: root}
}

func TestAllocateCopiesTree(t *testing.T) {
	a, store := newAllocator(t)
	entry := seedEntry(t)

	root, err := a.Allocate("task-1", entry)
	if err != nil {
		t.Fatal(err)
	}
	if root != store.WorkspaceDir("task-1") {
		t.Fatalf("root = %s", root)
	}
	data, err := os.ReadFile(filepath.Join(root, "res", "a.txt"))
	if err != nil || string(data) != "shared" {
		t.Fatalf("copied file: %q %v", data, err)
	}
	info, err := os.Stat(filepath.Join(root, "run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Fatalf("mode = %v, want 0755", info.Mode().Perm())
	}
}

func TestWorkspacesAreIndependent(t *testing.T) {
	a, _ := newAllocator(t)
	entry := seedEntry(t)

	w1, err := a.Allocate("task-1", entry)
	if err != nil {
		t.Fatal(err)
	}
	w2, err := a.Allocate("task-2", entry)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(w1, "res", "a.txt"), []byte("mutated"), 0o644); err != nil {
		t.Fatal(err)
	}

	src, _ := os.ReadFile(filepath.Join(entry.Root, "res", "a.txt"))
	if string(src) != "shared" {
		t.Fatalf("source tree changed: %q", src)
	}
	other, _ := os.ReadFile(filepath.Join(w2, "res", "a.txt"))
	if string(other) != "shared" {
		t.Fatalf("sibling workspace changed: %q", other)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	a, store := newAllocator(t)
	entry := seedEntry(t)
	if _, err := a.Allocate("task-1", entry); err != nil {
		t.Fatal(err)
	}
	if err := a.Remove("task-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(store.WorkspaceDir("task-1")); !os.IsNotExist(err) {
		t.Fatal("workspace survived remove")
	}
	if err := a.Remove("task-1"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
}
