// Package sandbox confines relative paths to a root directory. Every
// filesystem access driven by client-supplied paths (rule targets, cache
// reads) resolves through it.
package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var ErrViolation = errors.New("path escapes sandbox")

// Resolve validates rel against root and returns the absolute target path.
// Empty paths, absolute paths and any path containing a parent-directory
// segment are rejected. Resolve never touches the filesystem.
func Resolve(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", fmt.Errorf("%w: empty path", ErrViolation)
	}
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s is absolute", ErrViolation, rel)
	}
	for _, seg := range strings.Split(filepath.ToSlash(rel), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%w: %s contains a parent segment", ErrViolation, rel)
		}
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	// Join cleans the path; re-check containment in case cleaning produced
	// something outside root.
	inside, err := filepath.Rel(root, target)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s resolves outside root", ErrViolation, rel)
	}
	return target, nil
}
