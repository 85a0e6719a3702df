package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

const defaultLinkReport = ".vaultd/broken-links.md"

var wikiLink = regexp.MustCompile(`\[\[([^\]\|#\n]+)(?:[#\|][^\]\n]*)?\]\]`)

// LinkScan walks the vault on a schedule and writes a report of
// [[wikilinks]] whose targets do not exist.
type LinkScan struct {
	fs     afero.Fs
	report string
	now    func() time.Time
}

// NewLinkScan builds a link-scan handler. Options: report (vault-relative
// output path, default .vaultd/broken-links.md).
func NewLinkScan(spec handler.Spec, env handler.Env) (handler.Handler, error) {
	opts := handler.Options(spec.Options)
	report := filepath.ToSlash(opts.String("report", defaultLinkReport))
	if path.IsAbs(report) || strings.HasPrefix(path.Clean(report), "..") {
		return nil, fmt.Errorf("report %q must be inside the vault", report)
	}
	return &LinkScan{fs: afero.NewOsFs(), report: path.Clean(report), now: time.Now}, nil
}

// Matches accepts scheduled events only.
func (h *LinkScan) Matches(ev event.Event, _ note.Metadata) bool {
	return ev.Kind == event.KindScheduled
}

// BrokenLink is one unresolved link.
type BrokenLink struct {
	Source string
	Target string
}

// Process scans the vault and rewrites the report.
func (h *LinkScan) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	notes, broken, err := h.Scan(ctx, req.VaultRoot)
	if err != nil {
		return nil, err
	}

	out := filepath.Join(req.VaultRoot, filepath.FromSlash(h.report))
	if err := h.fs.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return nil, fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := afero.WriteFile(h.fs, out, renderLinkReport(broken, notes, h.now()), 0644); err != nil {
		return nil, fmt.Errorf("failed to write report: %w", err)
	}
	return map[string]string{
		"notes":  fmt.Sprint(notes),
		"broken": fmt.Sprint(len(broken)),
		"report": h.report,
	}, nil
}

// Scan returns the number of markdown notes and every broken link,
// ordered by source then target. Hidden directories are skipped.
func (h *LinkScan) Scan(ctx context.Context, root string) (int, []BrokenLink, error) {
	names := make(map[string]bool)
	links := make(map[string][]string)

	err := afero.Walk(h.fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != root && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		rel, _ := filepath.Rel(root, p)
		rel = filepath.ToSlash(rel)
		addTargetNames(names, rel)

		if !strings.EqualFold(path.Ext(rel), ".md") {
			return nil
		}
		data, err := afero.ReadFile(h.fs, p)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		for _, m := range wikiLink.FindAllSubmatch(data, -1) {
			links[rel] = append(links[rel], string(bytes.TrimSpace(m[1])))
		}
		if _, ok := links[rel]; !ok {
			links[rel] = nil
		}
		return nil
	})
	if err != nil {
		return 0, nil, fmt.Errorf("failed to scan vault: %w", err)
	}

	var broken []BrokenLink
	for src, targets := range links {
		seen := make(map[string]bool)
		for _, t := range targets {
			key := strings.ToLower(t)
			if seen[key] || names[key] || names[key+".md"] {
				continue
			}
			seen[key] = true
			broken = append(broken, BrokenLink{Source: src, Target: t})
		}
	}
	sort.Slice(broken, func(i, j int) bool {
		if broken[i].Source == broken[j].Source {
			return broken[i].Target < broken[j].Target
		}
		return broken[i].Source < broken[j].Source
	})
	return len(links), broken, nil
}

// addTargetNames records every way a link may refer to rel: by path and by
// base name, with and without the .md extension.
func addTargetNames(names map[string]bool, rel string) {
	lower := strings.ToLower(rel)
	base := path.Base(lower)
	for _, n := range []string{lower, base} {
		names[n] = true
		names[strings.TrimSuffix(n, ".md")] = true
	}
}

func renderLinkReport(broken []BrokenLink, notes int, at time.Time) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Broken links\n\nScanned %d notes at %s.\n\n", notes, at.Format(time.RFC3339))
	if len(broken) == 0 {
		b.WriteString("No broken links.\n")
		return b.Bytes()
	}
	for _, l := range broken {
		fmt.Fprintf(&b, "- %s → [[%s]]\n", l.Source, l.Target)
	}
	return b.Bytes()
}
