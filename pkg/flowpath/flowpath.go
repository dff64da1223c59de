// Package flowpath implements the materialized path algebra used to locate a
// flow inside its tree. A path is the ordered list of ancestor ids followed by
// the flow's own id, joined by Separator.
package flowpath

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins path segments. Flow ids must never contain it.
const Separator = "/"

var (
	ErrInvalidPath = errors.New("invalid flow path")
	ErrInvalidID   = errors.New("invalid flow id")
	ErrNotUnder    = errors.New("path is not under prefix")
)

// ValidateID checks that an id can be used as a path segment.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}

	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: %q contains %q", ErrInvalidID, id, Separator)
	}

	return nil
}

// Compute returns the path of a flow with the given id placed under a parent
// path. An empty parent path produces a root path.
func Compute(parentPath, id string) string {
	if parentPath == "" {
		return id
	}

	return parentPath + Separator + id
}

// Segments splits a path into its ids, root first.
func Segments(path string) []string {
	if path == "" {
		return nil
	}

	return strings.Split(path, Separator)
}

// Depth is the number of ancestors of the flow at path. Roots have depth 0.
func Depth(path string) int {
	return strings.Count(path, Separator)
}

// Root returns the id of the tree root encoded in path.
func Root(path string) string {
	root, _, _ := strings.Cut(path, Separator)

	return root
}

// Leaf returns the id of the flow the path points to.
func Leaf(path string) string {
	idx := strings.LastIndex(path, Separator)
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// Parent returns the parent path, or false for a root.
func Parent(path string) (string, bool) {
	idx := strings.LastIndex(path, Separator)
	if idx < 0 {
		return "", false
	}

	return path[:idx], true
}

// Ancestors returns the ids of every ancestor encoded in path, root first.
// The flow's own id is excluded.
func Ancestors(path string) []string {
	segments := Segments(path)
	if len(segments) <= 1 {
		return []string{}
	}

	return segments[:len(segments)-1]
}

// DescendantPrefix is the prefix shared by every strict descendant of path.
func DescendantPrefix(path string) string {
	return path + Separator
}

// IsDescendantOf reports whether path lies strictly below ancestorPath.
// Matching is segment aware: "a/bc" is not under "a/b".
func IsDescendantOf(path, ancestorPath string) bool {
	return strings.HasPrefix(path, DescendantPrefix(ancestorPath))
}

// WouldCycle reports whether re-parenting the flow at movedPath under the flow
// at newParentPath would make the flow its own ancestor.
func WouldCycle(movedPath, newParentPath string) bool {
	return newParentPath == movedPath || IsDescendantOf(newParentPath, movedPath)
}

// Rebase replaces the oldPrefix portion of path with newPrefix. It is used to
// rewrite a whole subtree after its top flow moves.
func Rebase(path, oldPrefix, newPrefix string) (string, error) {
	if path == oldPrefix {
		return newPrefix, nil
	}

	if !IsDescendantOf(path, oldPrefix) {
		return "", fmt.Errorf("%w: %q not under %q", ErrNotUnder, path, oldPrefix)
	}

	return newPrefix + path[len(oldPrefix):], nil
}

// Validate checks that path is well formed: no empty segments and no id
// appearing twice.
func Validate(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidPath)
	}

	seen := make(map[string]struct{})

	for _, segment := range Segments(path) {
		if segment == "" {
			return fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, path)
		}

		if _, ok := seen[segment]; ok {
			return fmt.Errorf("%w: %q repeats id %q", ErrInvalidPath, path, segment)
		}

		seen[segment] = struct{}{}
	}

	return nil
}
