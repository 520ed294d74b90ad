// Package storage owns the on-disk layout: raw uploads, unpacked caches,
// task workspaces and packaged outputs all live under one data directory.
package storage

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// zipMagic is the local file header signature every archive must start with.
var zipMagic = []byte{'P', 'K', 0x03, 0x04}

var ErrInvalidArchive = errors.New("invalid archive")

type Store struct {
	base string
}

// New creates the store rooted at dataDir and ensures the layout exists.
func New(dataDir string) (*Store, error) {
	s := &Store{base: dataDir}
	for _, dir := range []string{s.UploadsDir(), s.CacheBase(), s.WorkspaceBase(), s.OutputDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) UploadsDir() string   { return filepath.Join(s.base, "uploads") }
func (s *Store) CacheBase() string    { return filepath.Join(s.base, "cache") }
func (s *Store) WorkspaceBase() string { return filepath.Join(s.base, "workspace") }
func (s *Store) OutputDir() string    { return filepath.Join(s.base, "output") }

// ArchivePath is the location of an artifact's raw uploaded bytes.
func (s *Store) ArchivePath(artifactID string) string {
	return filepath.Join(s.UploadsDir(), artifactID+".zip")
}

// CacheDir is the directory holding one artifact's unpacked tree.
func (s *Store) CacheDir(artifactID string) string {
	return filepath.Join(s.CacheBase(), artifactID)
}

// WorkspaceDir is the root of one task's mutable copy.
func (s *Store) WorkspaceDir(taskID string) string {
	return filepath.Join(s.WorkspaceBase(), taskID)
}

// OutputPath is the location of one task's repackaged archive.
func (s *Store) OutputPath(taskID string) string {
	return filepath.Join(s.OutputDir(), taskID+".zip")
}

// ValidateArchive checks the ZIP signature, that the archive parses, and
// that it contains requiredEntry (empty means any entry set is accepted).
func ValidateArchive(content []byte, requiredEntry string) error {
	if len(content) < len(zipMagic) || !bytes.Equal(content[:len(zipMagic)], zipMagic) {
		return fmt.Errorf("%w: missing ZIP signature", ErrInvalidArchive)
	}
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if requiredEntry == "" {
		return nil
	}
	for _, f := range zr.File {
		if f.Name == requiredEntry {
			return nil
		}
	}
	return fmt.Errorf("%w: required entry %s not present", ErrInvalidArchive, requiredEntry)
}

// SaveUpload validates and durably stores raw archive bytes for the
// artifact, returning the content checksum.
func (s *Store) SaveUpload(artifactID string, content []byte, requiredEntry string) (string, error) {
	if err := ValidateArchive(content, requiredEntry); err != nil {
		return "", err
	}
	if err := os.WriteFile(s.ArchivePath(artifactID), content, 0o644); err != nil {
		return "", fmt.Errorf("store upload: %w", err)
	}
	return Checksum(content), nil
}

// Checksum returns the hex xxhash digest of content.
func Checksum(content []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(content))
}

// RemoveArchive deletes an artifact's raw bytes. Missing files are fine.
func (s *Store) RemoveArchive(artifactID string) error {
	err := os.Remove(s.ArchivePath(artifactID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// RemoveTaskFiles deletes a task's packaged output and workspace, if any.
func (s *Store) RemoveTaskFiles(taskID string) error {
	if err := os.Remove(s.OutputPath(taskID)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(s.WorkspaceDir(taskID))
}
