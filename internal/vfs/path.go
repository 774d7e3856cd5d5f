package vfs

import (
	"strings"

	"blockvfs/internal/vfs/vfserr"
)

// splitPath validates and splits a slash-separated relative path into the
// chain of intermediate directory names (walked from the root) and the
// final component (the file or terminal directory name).
//
// Per spec: the separator is a single forward slash, a leading slash is
// not required (and is tolerated — "/a/b" and "a/b" are equivalent),
// trailing slashes are stripped, and intermediate empty components (from
// a run of slashes, e.g. "a//b") are rejected rather than silently
// collapsed.
func splitPath(path string) (dirs []string, final string, err error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, "", vfserr.ErrInvalidPath
	}

	segments := strings.Split(trimmed, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, "", vfserr.ErrInvalidPath
		}
		if len(seg) > maxNameLen {
			return nil, "", vfserr.ErrNameTooLong
		}
	}

	return segments[:len(segments)-1], segments[len(segments)-1], nil
}
