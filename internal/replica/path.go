package replica

import (
	"fmt"
	"net/url"
	"strings"
)

// Path addresses a leaf in the document, e.g. ["disks", "d1", "device"].
type Path []string

// NewPath builds a path from segments.
func NewPath(segments ...string) Path {
	return append(Path(nil), segments...)
}

// Key returns the canonical string form used for map keys and storage.
// Segments are escaped so IDs may contain the separator.
func (p Path) Key() string {
	escaped := make([]string, len(p))
	for i, seg := range p {
		escaped[i] = url.PathEscape(seg)
	}
	return strings.Join(escaped, "/")
}

// String implements fmt.Stringer.
func (p Path) String() string {
	return "/" + p.Key()
}

// ParseKey reverses Key.
func ParseKey(key string) (Path, error) {
	if key == "" {
		return Path{}, nil
	}
	parts := strings.Split(key, "/")
	path := make(Path, len(parts))
	for i, part := range parts {
		seg, err := url.PathUnescape(part)
		if err != nil {
			return nil, fmt.Errorf("parsing path segment %q: %w", part, err)
		}
		path[i] = seg
	}
	return path, nil
}

// HasPrefix reports whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	if len(prefix) > len(p) {
		return false
	}
	for i := range prefix {
		if p[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Child returns a new path with segments appended.
func (p Path) Child(segments ...string) Path {
	out := make(Path, 0, len(p)+len(segments))
	out = append(out, p...)
	return append(out, segments...)
}
