package builtin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

const (
	transcriptHeading  = "## Transcript"
	transcriptMaxBytes = 4 << 20
)

// Transcript fetches the transcript of a video referenced in a note's
// frontmatter and appends it to the note once. Fetched bodies are cached
// under transcript:<id> for the configured cache ttl.
type Transcript struct {
	endpoint string
	keys     []string
	client   *http.Client
}

// NewTranscript builds a transcript handler. Options: endpoint (URL
// containing {id}, required), keys (frontmatter keys holding the video id,
// default video and youtube).
func NewTranscript(spec handler.Spec, env handler.Env) (handler.Handler, error) {
	opts := handler.Options(spec.Options)
	endpoint, err := opts.RequiredString("endpoint")
	if err != nil {
		return nil, err
	}
	if !strings.Contains(endpoint, "{id}") {
		return nil, fmt.Errorf("endpoint %q must contain {id}", endpoint)
	}
	if _, err := url.Parse(strings.ReplaceAll(endpoint, "{id}", "x")); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}

	keys := opts.Strings("keys")
	if len(keys) == 0 {
		keys = []string{"video", "youtube"}
	}
	return &Transcript{endpoint: endpoint, keys: keys, client: env.HTTPClient}, nil
}

func (h *Transcript) videoID(meta note.Metadata) string {
	for _, k := range h.keys {
		if id := strings.TrimSpace(meta.String(k)); id != "" {
			return id
		}
	}
	return ""
}

// Matches accepts markdown notes with a video id and no transcript yet.
func (h *Transcript) Matches(ev event.Event, meta note.Metadata) bool {
	if ev.Kind != event.KindFile || ev.Op == event.OpDeleted || !meta.IsMarkdown() {
		return false
	}
	if _, done := meta.Frontmatter["transcript"]; done {
		return false
	}
	return h.videoID(meta) != ""
}

// Process fetches (or reuses) the transcript and appends it.
func (h *Transcript) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	id := h.videoID(req.Meta)
	if id == "" {
		return map[string]string{"skipped": "no video id"}, nil
	}

	fetched := false
	body, err := cached(ctx, req, "transcript:"+id, func(ctx context.Context) ([]byte, error) {
		fetched = true
		return h.fetch(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	meta := map[string]string{"video": id, "cached": fmt.Sprint(!fetched)}

	data, err := os.ReadFile(req.Event.Path)
	if err != nil {
		return meta, fmt.Errorf("failed to read note: %w", err)
	}
	if hasHeading(data, transcriptHeading) {
		meta["skipped"] = "already present"
		return meta, nil
	}

	data, err = note.SetField(data, "transcript", true)
	if err != nil {
		return meta, err
	}
	var buf bytes.Buffer
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n\n" + transcriptHeading + "\n\n")
	buf.Write(bytes.TrimSpace(body))
	buf.WriteString("\n")

	if err := writeNote(req.Event.Path, buf.Bytes()); err != nil {
		return meta, err
	}
	meta["bytes"] = fmt.Sprint(len(body))
	return meta, nil
}

func (h *Transcript) fetch(ctx context.Context, id string) ([]byte, error) {
	u := strings.ReplaceAll(h.endpoint, "{id}", url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transcript %s: %w", id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transcript %s: unexpected status %s", id, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, transcriptMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript %s: %w", id, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("transcript %s is empty", id)
	}
	return body, nil
}

func hasHeading(data []byte, heading string) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		if string(bytes.TrimRight(line, "\r ")) == heading {
			return true
		}
	}
	return false
}
