package note

import (
	"bytes"
	"fmt"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies the frontmatter syntax of a note.
type Format int

const (
	// FormatNone means the note has no frontmatter block.
	FormatNone Format = iota
	// FormatYAML is a block delimited by "---" lines.
	FormatYAML
	// FormatTOML is a block delimited by "+++" lines.
	FormatTOML
)

// String returns a human-readable representation of the format.
func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatTOML:
		return "toml"
	default:
		return "none"
	}
}

// SplitFrontmatter separates the frontmatter block from the body.
// The returned raw block excludes the delimiter lines. Notes without a
// terminated block are returned whole as body.
func SplitFrontmatter(data []byte) (raw []byte, body []byte, format Format) {
	var delim string
	switch {
	case hasDelimLine(data, "---"):
		delim, format = "---", FormatYAML
	case hasDelimLine(data, "+++"):
		delim, format = "+++", FormatTOML
	default:
		return nil, data, FormatNone
	}

	rest := data[lineEnd(data, 0):]
	offset := 0
	for offset < len(rest) {
		end := lineEnd(rest, offset)
		line := bytes.TrimRight(rest[offset:end], "\r\n")
		if string(line) == delim || (format == FormatYAML && string(line) == "...") {
			return rest[:offset], rest[end:], format
		}
		offset = end
	}

	// Unterminated block: treat as plain body.
	return nil, data, FormatNone
}

// ParseFrontmatter decodes the frontmatter of a note into a map.
// Notes without frontmatter yield a nil map and no error.
func ParseFrontmatter(data []byte) (map[string]any, Format, error) {
	raw, _, format := SplitFrontmatter(data)

	fm := make(map[string]any)
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &fm); err != nil {
			return nil, format, fmt.Errorf("failed to parse yaml frontmatter: %w", err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(raw), &fm); err != nil {
			return nil, format, fmt.Errorf("failed to parse toml frontmatter: %w", err)
		}
	default:
		return nil, FormatNone, nil
	}
	return fm, format, nil
}

// SetField sets key to value in the note's frontmatter and returns the
// rewritten note. YAML blocks keep their key order; notes without
// frontmatter gain a YAML block.
func SetField(data []byte, key string, value any) ([]byte, error) {
	raw, body, format := SplitFrontmatter(data)

	switch format {
	case FormatTOML:
		fm := make(map[string]any)
		if _, err := toml.Decode(string(raw), &fm); err != nil {
			return nil, fmt.Errorf("failed to parse toml frontmatter: %w", err)
		}
		fm[key] = value

		var buf bytes.Buffer
		buf.WriteString("+++\n")
		if err := toml.NewEncoder(&buf).Encode(fm); err != nil {
			return nil, fmt.Errorf("failed to encode toml frontmatter: %w", err)
		}
		buf.WriteString("+++\n")
		buf.Write(body)
		return buf.Bytes(), nil

	case FormatYAML:
		var doc yaml.Node
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse yaml frontmatter: %w", err)
		}
		if err := setMappingKey(&doc, key, value); err != nil {
			return nil, err
		}
		return renderYAML(&doc, body)

	default:
		doc := yaml.Node{Kind: yaml.DocumentNode}
		if err := setMappingKey(&doc, key, value); err != nil {
			return nil, err
		}
		return renderYAML(&doc, data)
	}
}

func setMappingKey(doc *yaml.Node, key string, value any) error {
	if doc.Kind == 0 {
		doc.Kind = yaml.DocumentNode
	}
	if len(doc.Content) == 0 {
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return fmt.Errorf("frontmatter is not a mapping")
	}

	var valueNode yaml.Node
	if err := valueNode.Encode(value); err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &valueNode
			return nil
		}
	}

	mapping.Content = append(mapping.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		&valueNode,
	)
	return nil
}

func renderYAML(doc *yaml.Node, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("---\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode yaml frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode yaml frontmatter: %w", err)
	}
	buf.WriteString("---\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

func hasDelimLine(data []byte, delim string) bool {
	first := bytes.TrimRight(data[:lineEnd(data, 0)], "\r\n")
	return string(first) == delim
}

// lineEnd returns the index just past the newline that ends the line
// starting at offset, or len(data).
func lineEnd(data []byte, offset int) int {
	if i := bytes.IndexByte(data[offset:], '\n'); i >= 0 {
		return offset + i + 1
	}
	return len(data)
}
