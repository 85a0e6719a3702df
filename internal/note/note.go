// Package note extracts the minimal file metadata handler predicates need:
// stat information and the note's frontmatter. Predicates receive a
// Metadata value and never touch the filesystem themselves.
package note

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxFrontmatterScan bounds how much of a note is read to find frontmatter.
const maxFrontmatterScan = 64 * 1024

// Metadata is a read-only snapshot of a file taken just before matching.
type Metadata struct {
	// Path is the absolute path of the file.
	Path string
	// Rel is Path relative to the vault root, slash separated.
	Rel string
	// Ext is the lowercase extension including the dot.
	Ext string

	Exists  bool
	IsDir   bool
	Size    int64
	ModTime time.Time

	// Format is the frontmatter syntax found in the note.
	Format Format
	// Frontmatter holds decoded frontmatter keys; nil when absent.
	Frontmatter map[string]any
}

// IsMarkdown reports whether the file is a markdown note.
func (m Metadata) IsMarkdown() bool {
	return m.Ext == ".md" || m.Ext == ".markdown"
}

// String returns a frontmatter value formatted as a string, or "".
func (m Metadata) String(key string) string {
	v, ok := m.Frontmatter[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Tags returns the note's tags whether stored as a list or a
// comma separated string.
func (m Metadata) Tags() []string {
	switch v := m.Frontmatter["tags"].(type) {
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s := strings.TrimSpace(fmt.Sprint(t)); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case []string:
		return v
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if s := strings.TrimSpace(t); s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	default:
		return nil
	}
}

// Read gathers metadata for path. A missing file is not an error: the
// returned Metadata has Exists=false. Frontmatter is decoded only for
// markdown files; a malformed block leaves Frontmatter nil and returns the
// parse error alongside otherwise valid metadata.
func Read(root, path string) (Metadata, error) {
	meta := Metadata{
		Path: path,
		Rel:  relPath(root, path),
		Ext:  strings.ToLower(filepath.Ext(path)),
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	meta.Exists = true
	meta.IsDir = info.IsDir()
	meta.Size = info.Size()
	meta.ModTime = info.ModTime()

	if meta.IsDir || !meta.IsMarkdown() {
		return meta, nil
	}

	// #nosec G304 - path comes from the watcher, inside the vault
	f, err := os.Open(path)
	if err != nil {
		return meta, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	head, err := io.ReadAll(io.LimitReader(f, maxFrontmatterScan))
	if err != nil {
		return meta, fmt.Errorf("failed to read %s: %w", path, err)
	}

	fm, format, err := ParseFrontmatter(head)
	meta.Format = format
	if err != nil {
		return meta, err
	}
	meta.Frontmatter = fm
	return meta, nil
}

// For builds metadata without touching the filesystem, used for
// scheduled events that have no file.
func For(root, path string) Metadata {
	return Metadata{
		Path: path,
		Rel:  relPath(root, path),
		Ext:  strings.ToLower(filepath.Ext(path)),
	}
}

func relPath(root, path string) string {
	if root == "" || path == "" {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
