package records

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Frontmatter holds the YAML frontmatter fields copied onto records.
type Frontmatter struct {
	Title string  `yaml:"title"`
	Tags  tagList `yaml:"tags"`
}

// tagList accepts either a YAML sequence or a single scalar.
type tagList []string

func (t *tagList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		if node.Value != "" {
			*t = tagList{node.Value}
		}

		return nil
	}

	var list []string
	if err := node.Decode(&list); err != nil {
		return err
	}

	*t = list

	return nil
}

// splitFrontmatter separates a leading YAML block delimited by "---"
// lines from the body. It returns nil frontmatter and the full content
// when there is no block, and an error when the block is not valid YAML.
func splitFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---")) {
		return nil, content, nil
	}

	rest := content[3:]

	// Skip the rest of the opening line (could be "---\n" or "---\r\n").
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		return nil, content, nil
	}

	if len(bytes.TrimSpace(rest[:idx])) != 0 {
		return nil, content, nil
	}

	rest = rest[idx+1:]

	var block, body []byte

	if bytes.HasPrefix(rest, []byte("---")) {
		block, body = nil, rest[3:]
	} else {
		end := bytes.Index(rest, []byte("\n---"))
		if end < 0 {
			return nil, content, nil
		}

		block, body = rest[:end], rest[end+4:]
	}

	// Drop the remainder of the closing delimiter line.
	if nl := bytes.IndexByte(body, '\n'); nl >= 0 {
		body = body[nl+1:]
	} else {
		body = nil
	}

	var fm Frontmatter
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return nil, nil, fmt.Errorf("parsing frontmatter: %w", err)
	}

	return &fm, body, nil
}
