package note

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSplitFrontmatter(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		wantRaw    string
		wantBody   string
		wantFormat Format
	}{
		{
			name:       "yaml block",
			in:         "---\ntitle: Hello\n---\nbody\n",
			wantRaw:    "title: Hello\n",
			wantBody:   "body\n",
			wantFormat: FormatYAML,
		},
		{
			name:       "toml block",
			in:         "+++\ntitle = \"Hello\"\n+++\nbody\n",
			wantRaw:    "title = \"Hello\"\n",
			wantBody:   "body\n",
			wantFormat: FormatTOML,
		},
		{
			name:       "no frontmatter",
			in:         "# Heading\n",
			wantBody:   "# Heading\n",
			wantFormat: FormatNone,
		},
		{
			name:       "unterminated block",
			in:         "---\ntitle: Hello\n",
			wantBody:   "---\ntitle: Hello\n",
			wantFormat: FormatNone,
		},
		{
			name:       "crlf line endings",
			in:         "---\r\ntitle: Hello\r\n---\r\nbody",
			wantRaw:    "title: Hello\r\n",
			wantBody:   "body",
			wantFormat: FormatYAML,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, body, format := SplitFrontmatter([]byte(tt.in))
			if string(raw) != tt.wantRaw {
				t.Errorf("raw = %q, want %q", raw, tt.wantRaw)
			}
			if string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
			if format != tt.wantFormat {
				t.Errorf("format = %v, want %v", format, tt.wantFormat)
			}
		})
	}
}

func TestParseFrontmatter_TOML(t *testing.T) {
	fm, format, err := ParseFrontmatter([]byte("+++\nvideo = \"abc\"\ntags = [\"x\", \"y\"]\n+++\n"))
	if err != nil {
		t.Fatalf("ParseFrontmatter() error = %v", err)
	}
	if format != FormatTOML {
		t.Fatalf("format = %v, want toml", format)
	}

	meta := Metadata{Frontmatter: fm}
	if got := meta.String("video"); got != "abc" {
		t.Errorf("video = %q, want abc", got)
	}
	if diff := cmp.Diff([]string{"x", "y"}, meta.Tags()); diff != "" {
		t.Errorf("Tags() mismatch (-want +got):\n%s", diff)
	}
}

func TestSetField(t *testing.T) {
	t.Run("adds key and keeps order", func(t *testing.T) {
		in := "---\ntitle: Hello\nauthor: me\n---\nbody\n"
		out, err := SetField([]byte(in), "tags", []string{"go", "notes"})
		if err != nil {
			t.Fatalf("SetField() error = %v", err)
		}
		s := string(out)
		if !strings.HasSuffix(s, "---\nbody\n") {
			t.Errorf("body not preserved: %q", s)
		}
		if strings.Index(s, "title") > strings.Index(s, "author") || strings.Index(s, "author") > strings.Index(s, "tags") {
			t.Errorf("key order not preserved: %q", s)
		}

		fm, _, err := ParseFrontmatter(out)
		if err != nil {
			t.Fatalf("ParseFrontmatter() error = %v", err)
		}
		if diff := cmp.Diff([]string{"go", "notes"}, Metadata{Frontmatter: fm}.Tags()); diff != "" {
			t.Errorf("tags mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("replaces existing key", func(t *testing.T) {
		out, err := SetField([]byte("---\ntags: old\n---\n"), "tags", "new")
		if err != nil {
			t.Fatalf("SetField() error = %v", err)
		}
		if strings.Contains(string(out), "old") {
			t.Errorf("old value still present: %q", out)
		}
	})

	t.Run("creates block when missing", func(t *testing.T) {
		out, err := SetField([]byte("just text\n"), "reviewed", true)
		if err != nil {
			t.Fatalf("SetField() error = %v", err)
		}
		want := "---\nreviewed: true\n---\njust text\n"
		if string(out) != want {
			t.Errorf("SetField() = %q, want %q", out, want)
		}
	})

	t.Run("toml block", func(t *testing.T) {
		out, err := SetField([]byte("+++\ntitle = \"a\"\n+++\nbody"), "draft", false)
		if err != nil {
			t.Fatalf("SetField() error = %v", err)
		}
		fm, format, err := ParseFrontmatter(out)
		if err != nil {
			t.Fatalf("ParseFrontmatter() error = %v", err)
		}
		if format != FormatTOML || fm["draft"] != false || fm["title"] != "a" {
			t.Errorf("unexpected frontmatter %v (%v)", fm, format)
		}
	})
}

func TestRead(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "sub", "Note.MD")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("---\nvideo: video123\ntags: a, b\n---\n# Note\n"), 0644); err != nil {
		t.Fatal(err)
	}

	meta, err := Read(root, path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !meta.Exists || !meta.IsMarkdown() {
		t.Fatalf("expected existing markdown file, got %+v", meta)
	}
	if meta.Rel != "sub/Note.MD" {
		t.Errorf("Rel = %q", meta.Rel)
	}
	if meta.String("video") != "video123" {
		t.Errorf("video = %q", meta.String("video"))
	}
	if diff := cmp.Diff([]string{"a", "b"}, meta.Tags()); diff != "" {
		t.Errorf("Tags() mismatch (-want +got):\n%s", diff)
	}

	missing, err := Read(root, filepath.Join(root, "gone.md"))
	if err != nil {
		t.Fatalf("Read() on missing file error = %v", err)
	}
	if missing.Exists {
		t.Error("missing file reported as existing")
	}
}

func TestRead_MalformedFrontmatter(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bad.md")
	if err := os.WriteFile(path, []byte("---\n: [unclosed\n---\n"), 0644); err != nil {
		t.Fatal(err)
	}

	meta, err := Read(root, path)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !meta.Exists || meta.Frontmatter != nil {
		t.Errorf("unexpected metadata %+v", meta)
	}
}
