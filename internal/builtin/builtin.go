// Package builtin provides the handler kinds shipped with vaultd.
//
// Each kind is a thin adapter around an external collaborator (a process,
// a WASI plugin, an HTTP endpoint, the Anthropic API) or a small vault
// maintenance job. Kinds are registered on a handler.Factory and built
// from configuration; none of them registers itself.
package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/mschirtzinger/vaultd/internal/handler"
)

// Handler kinds.
const (
	KindExec       = "exec"
	KindWasm       = "wasm"
	KindTranscript = "transcript"
	KindAITagger   = "ai-tagger"
	KindLinkScan   = "link-scan"
)

// Register adds every built-in kind to f.
func Register(f *handler.Factory) {
	f.Register(KindExec, NewExec)
	f.Register(KindWasm, NewWasm)
	f.Register(KindTranscript, NewTranscript)
	f.Register(KindAITagger, NewAITagger)
	f.Register(KindLinkScan, NewLinkScan)
}

// NewFactory returns a factory with every built-in kind registered.
func NewFactory() *handler.Factory {
	f := handler.NewFactory()
	Register(f)
	return f
}

// writeNote replaces path atomically. The temp file is hidden so the
// watcher never reports it.
func writeNote(path string, data []byte) error {
	mode := os.FileMode(0644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}

	tmpPath := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".vaultd-tmp")
	if err := os.WriteFile(tmpPath, data, mode); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// cached runs compute through the shared cache when the request has one.
func cached(ctx context.Context, req *handler.Request, key string, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	if req.Cache == nil {
		return compute(ctx)
	}
	return req.Cache.GetOrCompute(ctx, key, req.CacheTTL, compute)
}

// tail returns at most n trailing bytes of s, trimmed. The cut moves
// forward to a rune boundary so the result stays valid UTF-8.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return "…" + s[i:]
}
