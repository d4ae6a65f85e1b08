package utils

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// NormalizeKey turns a request path into the canonical cache key: forward
// slashes, no leading slash, no "." or ".." elements.
//
// Example:
//
//	NormalizeKey("/series//vol1/./001.jpg") // "series/vol1/001.jpg"
func NormalizeKey(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("path cannot be empty")
	}

	p = strings.ReplaceAll(p, "\\", "/")
	for _, elem := range strings.Split(p, "/") {
		if elem == ".." {
			return "", fmt.Errorf("path contains directory traversal: %s", p)
		}
	}

	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" {
		return "", fmt.Errorf("path resolves to root: %s", p)
	}
	return clean, nil
}

// KeyPrefix returns the directory part of a normalized key ("a/b/001.jpg"
// -> "a/b"). Keys without a directory have an empty prefix.
func KeyPrefix(key string) string {
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return ""
}

// SecureJoin joins a normalized key onto base and ensures the result stays
// within base.
func SecureJoin(base string, elements ...string) (string, error) {
	if base == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	cleanBase := filepath.Clean(base)
	fullPath := filepath.Join(append([]string{cleanBase}, elements...)...)

	if !strings.HasPrefix(fullPath, cleanBase+string(filepath.Separator)) &&
		fullPath != cleanBase {
		return "", fmt.Errorf("path escapes base directory")
	}

	return fullPath, nil
}
