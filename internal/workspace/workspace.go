// Package workspace allocates and tears down per-task mutable copies of a
// cache tree. A workspace belongs to exactly one task; the deep copy is the
// operational guarantee that mutating it cannot touch the cache.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"packline/internal/cache"
	"packline/internal/storage"
)

type Allocator struct {
	store *storage.Store
}

func NewAllocator(store *storage.Store) *Allocator {
	return &Allocator{store: store}
}

// Allocate deep-copies the cache entry's tree into a fresh task-exclusive
// root and returns that root. On any copy failure the partial workspace is
// removed before returning.
func (a *Allocator) Allocate(taskID string, entry cache.Entry) (string, error) {
	root := a.store.WorkspaceDir(taskID)
	if err := copyTree(entry.Root, root); err != nil {
		os.RemoveAll(root)
		return "", fmt.Errorf("copy cache to workspace: %w", err)
	}
	return root, nil
}

// Remove tears the workspace down. It must succeed whether the workspace is
// complete, partial or already gone.
func (a *Allocator) Remove(taskID string) error {
	return os.RemoveAll(a.store.WorkspaceDir(taskID))
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
