package hasher

import (
	"bufio"
	"os"
	"path"
	"strings"
)

// Ignore holds exclusion patterns from an ignore file and configured
// excludes. A pattern without a slash matches an entry's base name at
// any depth; a pattern with a slash matches the root-relative path.
type Ignore struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern  string
	dirOnly  bool // trailing / in source line
	anchored bool // contains / after trimming
}

// NewIgnore builds an Ignore from raw pattern lines. Blank lines and
// lines starting with # are dropped.
func NewIgnore(lines []string) *Ignore {
	ig := &Ignore{}

	for _, line := range lines {
		ig.add(line)
	}

	return ig
}

// LoadIgnore reads patterns from the file at path and appends extra.
// A missing or unreadable file yields only the extra patterns.
func LoadIgnore(path string, extra []string) *Ignore {
	ig := NewIgnore(extra)

	f, err := os.Open(path) //nolint:gosec // G304: ignore file inside the input root
	if err != nil {
		return ig
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		ig.add(scanner.Text())
	}

	return ig
}

func (ig *Ignore) add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}

	p := ignorePattern{pattern: line}
	if strings.HasSuffix(line, "/") {
		p.pattern = strings.TrimSuffix(line, "/")
		p.dirOnly = true
	}

	p.pattern = strings.TrimPrefix(p.pattern, "/")
	p.anchored = strings.Contains(p.pattern, "/")

	if p.pattern != "" {
		ig.patterns = append(ig.patterns, p)
	}
}

// Match reports whether the root-relative path rel is excluded.
func (ig *Ignore) Match(rel string, isDir bool) bool {
	if ig == nil {
		return false
	}

	base := path.Base(rel)

	for _, p := range ig.patterns {
		if p.dirOnly && !isDir {
			continue
		}

		target := base
		if p.anchored {
			target = rel
		}

		if matched, _ := path.Match(p.pattern, target); matched {
			return true
		}
	}

	return false
}

// Len returns the number of active patterns.
func (ig *Ignore) Len() int {
	if ig == nil {
		return 0
	}

	return len(ig.patterns)
}
