package property

import (
	"fmt"
	"strings"
)

// Path is a parsed dot-separated property path.
type Path []string

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

// ParsePath parses a property path string into segments.
// Supports: "name", "nested.name", "a.b.c".
func ParsePath(path string) (Path, error) {
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}

	segments := strings.Split(path, ".")
	for _, seg := range segments {
		if seg == "" {
			return nil, fmt.Errorf("invalid path %q: empty segment", path)
		}
		if !isValidIdent(seg) {
			return nil, fmt.Errorf("invalid path %q: invalid identifier %q", path, seg)
		}
	}

	return Path(segments), nil
}

// isValidIdent checks if a string is a usable property name: letters,
// digits, underscores and hyphens, not starting with a digit.
func isValidIdent(s string) bool {
	for i, r := range s {
		switch {
		case r == '_' || r == '-':
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return s != ""
}
