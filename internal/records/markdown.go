package records

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	kberrors "github.com/alexjbarnes/kb-sync/internal/errors"
)

// DefaultChunkSize is the record size limit in characters when none is
// configured.
const DefaultChunkSize = 2000

// MarkdownDeriver splits files into records at headings and paragraph
// breaks. Markdown frontmatter tags are copied onto every record of the
// file. Non-markdown text files are split at paragraph breaks only.
type MarkdownDeriver struct {
	// ChunkSize is the maximum number of characters per record.
	ChunkSize int
}

// NewMarkdownDeriver returns a deriver with the given chunk size, or
// DefaultChunkSize when size is below 1.
func NewMarkdownDeriver(size int) *MarkdownDeriver {
	if size < 1 {
		size = DefaultChunkSize
	}

	return &MarkdownDeriver{ChunkSize: size}
}

// Derive implements Deriver. Binary content and malformed frontmatter
// are reported as ErrDerivation.
func (d *MarkdownDeriver) Derive(ctx context.Context, relPath string, content []byte) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if bytes.IndexByte(content, 0) >= 0 || !utf8.Valid(content) {
		return nil, fmt.Errorf("%w: %s is not text", kberrors.ErrDerivation, relPath)
	}

	var (
		fm   *Frontmatter
		body = content
	)

	if isMarkdown(relPath) {
		var err error

		fm, body, err = splitFrontmatter(content)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", kberrors.ErrDerivation, relPath, err)
		}
	}

	var sections []section
	if isMarkdown(relPath) {
		sections = splitHeadings(string(body))
	} else {
		sections = []section{{body: string(body)}}
	}

	var out []Record

	for _, s := range sections {
		for _, chunk := range d.chunk(s.body) {
			r := Record{
				SourcePath: relPath,
				Seq:        len(out),
				Heading:    s.heading,
				Content:    chunk,
			}

			if fm != nil {
				r.Tags = append([]string(nil), fm.Tags...)
				if fm.Title != "" {
					r.Metadata = map[string]any{"title": fm.Title}
				}
			}

			out = append(out, r)
		}
	}

	return out, nil
}

type section struct {
	heading string
	body    string
}

// splitHeadings breaks markdown into sections at ATX headings. Headings
// inside fenced code blocks are ignored.
func splitHeadings(text string) []section {
	var (
		out     []section
		cur     section
		buf     strings.Builder
		inFence bool
	)

	flush := func() {
		cur.body = buf.String()
		if strings.TrimSpace(cur.body) != "" || cur.heading != "" {
			out = append(out, cur)
		}

		buf.Reset()
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}

		if !inFence && isHeading(trimmed) {
			flush()
			cur = section{heading: strings.TrimSpace(strings.TrimLeft(trimmed, "#"))}

			continue
		}

		buf.WriteString(line)
	}

	flush()

	return out
}

func isHeading(line string) bool {
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}

	if level == 0 || level > 6 {
		return false
	}

	return level == len(line) || line[level] == ' ' || line[level] == '\t'
}

// chunk splits text at blank lines, packing paragraphs into pieces of at
// most ChunkSize characters. A paragraph longer than the limit is cut at
// the limit.
func (d *MarkdownDeriver) chunk(text string) []string {
	size := d.ChunkSize
	if size < 1 {
		size = DefaultChunkSize
	}

	var (
		out []string
		cur strings.Builder
		n   int
	)

	emit := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}

		cur.Reset()
		n = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		pn := utf8.RuneCountInString(para)

		if n > 0 && n+2+pn > size {
			emit()
		}

		for pn > size {
			cut := byteOffset(para, size)
			if n > 0 {
				emit()
			}

			out = append(out, strings.TrimSpace(para[:cut]))
			para = strings.TrimSpace(para[cut:])
			pn = utf8.RuneCountInString(para)
		}

		if para == "" {
			continue
		}

		if n > 0 {
			cur.WriteString("\n\n")
			n += 2
		}

		cur.WriteString(para)
		n += pn
	}

	emit()

	return out
}

// byteOffset returns the byte index of the n-th rune in s.
func byteOffset(s string, n int) int {
	i := 0
	for idx := range s {
		if i == n {
			return idx
		}
		i++
	}

	return len(s)
}

func isMarkdown(p string) bool {
	ext := strings.ToLower(path.Ext(p))
	return ext == ".md" || ext == ".markdown"
}
