// Package pathutil converts local file paths into object store keys.
package pathutil

import (
	"path"
	"strings"
)

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// ToKey normalizes a relative path to forward slashes. Backslashes are
// treated as separators whatever the host OS, so trees copied from Windows
// produce the same keys.
func ToKey(rel string) string {
	k := strings.ReplaceAll(rel, "\\", "/")
	k = strings.TrimLeft(k, "/")
	for strings.Contains(k, "//") {
		k = strings.ReplaceAll(k, "//", "/")
	}
	return k
}

// JoinKey joins a remote prefix and a relative path into an object key.
// An empty prefix yields the normalized relative path.
func JoinKey(prefix, rel string) string {
	prefix = strings.Trim(ToKey(prefix), "/")
	rel = ToKey(rel)
	if prefix == "" {
		return rel
	}
	return prefix + "/" + rel
}

// ValidKey reports whether k is usable as a deterministic object key: non
// empty, relative, and free of dot segments that stores resolve differently.
func ValidKey(k string) bool {
	if k == "" || strings.HasPrefix(k, "/") || strings.HasSuffix(k, "/") {
		return false
	}
	if HasDotSegments(k) {
		return false
	}
	return path.Clean(k) == k
}
