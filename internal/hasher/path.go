package hasher

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizePath converts a path to the canonical key form used by the
// store: forward slashes, regular spaces instead of non-breaking ones,
// no repeated or leading/trailing slashes, no "." segments, Unicode NFC.
func NormalizePath(path string) string {
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.ReplaceAll(path, "\u00A0", " ")
	path = strings.ReplaceAll(path, "\u202F", " ")

	parts := strings.Split(path, "/")
	kept := parts[:0]

	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}

		kept = append(kept, p)
	}

	return norm.NFC.String(strings.Join(kept, "/"))
}

// CheckPath returns an error if path is not a normalized relative key.
func CheckPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	if NormalizePath(path) != path {
		return fmt.Errorf("path %q is not normalized", path)
	}

	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return fmt.Errorf("path %q contains a traversal segment", path)
		}
	}

	return nil
}
