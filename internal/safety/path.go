package safety

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// CleanRelativePath normalizes p and rejects empty, absolute and
// parent-traversing paths as well as the root itself.
func CleanRelativePath(p string) (string, error) {
	if p == "" {
		return "", errors.New("path is empty")
	}

	clean := filepath.Clean(filepath.FromSlash(p))
	switch {
	case clean == ".":
		return "", fmt.Errorf("path %q resolves to the project directory", p)
	case filepath.IsAbs(clean):
		return "", fmt.Errorf("absolute paths are not allowed: %q", p)
	case escapes(clean):
		return "", fmt.Errorf("parent traversal is not allowed: %q", p)
	}
	return clean, nil
}

// SafeJoinUnder joins rel under root and returns the absolute result.
// Work directories and archives are built with it because cleanup
// removes them recursively.
func SafeJoinUnder(root, rel string) (string, error) {
	cleanRel, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}
	return EnsureUnderRoot(root, filepath.Join(root, cleanRel))
}

// EnsureUnderRoot returns the absolute form of candidate if it lies
// under root.
func EnsureUnderRoot(root, candidate string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolve root: %w", err)
	}
	candAbs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve candidate: %w", err)
	}

	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return "", fmt.Errorf("compare paths: %w", err)
	}
	if escapes(rel) {
		return "", fmt.Errorf("path escapes root: %q", candidate)
	}
	return candAbs, nil
}

// RelativeTo returns p relative to root in slash form, and false when p
// is not strictly inside root.
func RelativeTo(root, p string) (string, bool) {
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == "." || escapes(rel) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
