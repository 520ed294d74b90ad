// Package cache owns the immutable unpacked tree derived once per artifact.
// After an entry is published its content is never modified by anything but
// Destroy; tasks only ever read from it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/singleflight"

	"packline/internal/domain"
	"packline/internal/sandbox"
	"packline/internal/storage"
	"packline/internal/tool"
)

var (
	ErrNotReady = errors.New("cache not ready")
	ErrNotFile  = errors.New("not a regular file")
)

// treeDir is the published subdirectory of an artifact's cache dir. The
// unpack tool writes into a temp sibling which is renamed into place, so a
// reader either sees the complete tree or nothing.
const treeDir = "unpacked"

// Entry is a ready, read-only unpacked tree.
type Entry struct {
	ArtifactID string
	Root       string
}

type Manager struct {
	store  *storage.Store
	runner tool.Runner
	group  singleflight.Group
}

func NewManager(store *storage.Store, runner tool.Runner) *Manager {
	return &Manager{store: store, runner: runner}
}

func (m *Manager) root(artifactID string) string {
	return filepath.Join(m.store.CacheDir(artifactID), treeDir)
}

// Materialize unpacks the artifact's archive into its cache exactly once.
// Concurrent calls for the same artifact are collapsed onto a single unpack
// invocation; once an entry is ready further calls return it untouched.
func (m *Manager) Materialize(ctx context.Context, artifactID, archivePath string) (Entry, error) {
	v, err, _ := m.group.Do(artifactID, func() (any, error) {
		root := m.root(artifactID)
		if _, err := os.Stat(root); err == nil {
			return Entry{ArtifactID: artifactID, Root: root}, nil
		}
		cacheDir := m.store.CacheDir(artifactID)
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		tmp := filepath.Join(cacheDir, ".unpacking")
		if err := os.RemoveAll(tmp); err != nil {
			return nil, fmt.Errorf("clear stale unpack dir: %w", err)
		}
		if err := m.runner.Unpack(ctx, archivePath, tmp); err != nil {
			os.RemoveAll(cacheDir)
			return nil, err
		}
		if _, err := os.Stat(tmp); err != nil {
			os.RemoveAll(cacheDir)
			return nil, fmt.Errorf("unpack tool produced no tree: %w", err)
		}
		if err := os.Rename(tmp, root); err != nil {
			os.RemoveAll(cacheDir)
			return nil, fmt.Errorf("publish cache tree: %w", err)
		}
		return Entry{ArtifactID: artifactID, Root: root}, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// Open returns the ready entry for an artifact, or ErrNotReady.
func (m *Manager) Open(artifactID string) (Entry, error) {
	root := m.root(artifactID)
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return Entry{}, fmt.Errorf("artifact %s: %w", artifactID, ErrNotReady)
	}
	return Entry{ArtifactID: artifactID, Root: root}, nil
}

// Destroy removes the artifact's whole cache directory. Workspaces copied
// from it earlier are unaffected; their lifetime is independent.
func (m *Manager) Destroy(artifactID string) error {
	return os.RemoveAll(m.store.CacheDir(artifactID))
}

// ListFiles builds the sorted file tree of a ready cache, directories
// before files, names case-insensitively.
func (e Entry) ListFiles() ([]domain.FileNode, error) {
	return buildTree(e.Root, e.Root)
}

func buildTree(dir, base string) ([]domain.FileNode, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})
	var nodes []domain.FileNode
	for _, entry := range entries {
		full := filepath.Join(dir, entry.Name())
		rel, err := filepath.Rel(base, full)
		if err != nil {
			return nil, err
		}
		rel = filepath.ToSlash(rel)
		if entry.IsDir() {
			children, err := buildTree(full, base)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, domain.FileNode{
				Name:        entry.Name(),
				Path:        rel,
				IsDirectory: true,
				Children:    children,
			})
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		size := info.Size()
		nodes = append(nodes, domain.FileNode{
			Name: entry.Name(),
			Path: rel,
			Size: &size,
		})
	}
	return nodes, nil
}

// ReadFile returns the content of one file inside the cache tree. The path
// is sandboxed like every other client-supplied path.
func (e Entry) ReadFile(rel string) ([]byte, error) {
	target, err := sandbox.Resolve(e.Root, rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: %w", rel, ErrNotFile)
	}
	return os.ReadFile(target)
}
