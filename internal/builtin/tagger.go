package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cespare/xxhash/v2"

	"github.com/mschirtzinger/vaultd/internal/event"
	"github.com/mschirtzinger/vaultd/internal/handler"
	"github.com/mschirtzinger/vaultd/internal/note"
)

const (
	defaultTaggerModel = "claude-3-5-haiku-latest"
	taggerMaxInput     = 16 * 1024
)

const taggerSystemPrompt = `You tag notes in a personal knowledge base.
Reply with a single line of comma separated, lowercase tags (at most %d).
Use hyphens instead of spaces. Do not add any other text.`

// AITagger asks Claude for tags for markdown notes that have none and
// writes them into the note's frontmatter. Suggestions are cached by
// content hash, so an unchanged note never costs a second request.
type AITagger struct {
	client    anthropic.Client
	model     string
	maxTags   int
	maxTokens int64
}

// NewAITagger builds an ai-tagger handler. Options: api_key (defaults to
// $ANTHROPIC_API_KEY), model, max_tags (default 5), base_url.
func NewAITagger(spec handler.Spec, env handler.Env) (handler.Handler, error) {
	opts := handler.Options(spec.Options)

	apiKey := opts.String("api_key", os.Getenv("ANTHROPIC_API_KEY"))
	if apiKey == "" {
		return nil, fmt.Errorf("option %q or ANTHROPIC_API_KEY is required", "api_key")
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(env.HTTPClient),
		option.WithMaxRetries(opts.Int("max_retries", 2)),
	}
	if base := opts.String("base_url", ""); base != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}

	maxTags := opts.Int("max_tags", 5)
	if maxTags <= 0 {
		return nil, fmt.Errorf("max_tags must be positive")
	}
	return &AITagger{
		client:    anthropic.NewClient(reqOpts...),
		model:     opts.String("model", defaultTaggerModel),
		maxTags:   maxTags,
		maxTokens: int64(opts.Int("max_tokens", 128)),
	}, nil
}

// Matches accepts markdown notes without tags.
func (h *AITagger) Matches(ev event.Event, meta note.Metadata) bool {
	if ev.Kind != event.KindFile || ev.Op == event.OpDeleted {
		return false
	}
	return meta.Exists && meta.IsMarkdown() && len(meta.Tags()) == 0
}

// Process suggests tags and writes them to the frontmatter.
func (h *AITagger) Process(ctx context.Context, req *handler.Request) (map[string]string, error) {
	data, err := os.ReadFile(req.Event.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read note: %w", err)
	}
	fm, _, err := note.ParseFrontmatter(data)
	if err != nil {
		return nil, err
	}
	if len(note.Metadata{Frontmatter: fm}.Tags()) > 0 {
		return map[string]string{"skipped": "already tagged"}, nil
	}

	_, body, _ := note.SplitFrontmatter(data)
	if len(body) > taggerMaxInput {
		body = body[:taggerMaxInput]
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return map[string]string{"skipped": "empty note"}, nil
	}

	key := fmt.Sprintf("tags:%s:%016x", h.model, xxhash.Sum64(body))
	raw, err := cached(ctx, req, key, func(ctx context.Context) ([]byte, error) {
		return h.suggest(ctx, req.Meta.Rel, string(body))
	})
	if err != nil {
		return nil, err
	}

	tags := parseTags(string(raw), h.maxTags)
	if len(tags) == 0 {
		return map[string]string{"skipped": "no tags suggested"}, nil
	}

	updated, err := note.SetField(data, "tags", tags)
	if err != nil {
		return nil, err
	}
	if err := writeNote(req.Event.Path, updated); err != nil {
		return nil, err
	}
	return map[string]string{"tags": strings.Join(tags, ",")}, nil
}

func (h *AITagger) suggest(ctx context.Context, rel, body string) ([]byte, error) {
	msg, err := h.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(h.model),
		MaxTokens: h.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: fmt.Sprintf(taggerSystemPrompt, h.maxTags)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(fmt.Sprintf("Note %s:\n\n%s", rel, body))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tag request failed: %w", err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return nil, fmt.Errorf("tag response had no text")
	}
	return []byte(out.String()), nil
}

// parseTags normalizes a comma or newline separated reply.
func parseTags(s string, max int) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, f := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' }) {
		t := strings.ToLower(strings.TrimSpace(f))
		t = strings.TrimLeft(t, "#")
		t = strings.Join(strings.Fields(t), "-")
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
		if len(tags) == max {
			break
		}
	}
	return tags
}
