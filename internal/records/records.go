// Package records defines the searchable units derived from a source
// file and the default deriver that produces them.
package records

import "context"

// Record is one searchable unit derived from a source file. SourcePath
// and Fingerprint tie it to the file content it came from; the store
// sets both when records are written.
type Record struct {
	SourcePath  string         `json:"source_path"`
	Fingerprint string         `json:"fingerprint"`
	Seq         int            `json:"seq"`
	Heading     string         `json:"heading,omitempty"`
	Content     string         `json:"content"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Deriver turns file content into records. Implementations must not
// retain content after returning.
type Deriver interface {
	Derive(ctx context.Context, path string, content []byte) ([]Record, error)
}

// DeriverFunc adapts a function to the Deriver interface.
type DeriverFunc func(ctx context.Context, path string, content []byte) ([]Record, error)

// Derive calls f.
func (f DeriverFunc) Derive(ctx context.Context, path string, content []byte) ([]Record, error) {
	return f(ctx, path, content)
}
