// Package content generates and validates the articles, polls and comments
// that adapters publish.
package content

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// GenerateOptions tunes a single text generation call.
type GenerateOptions struct {
	System      string
	Temperature float32
	MaxTokens   int
	JSON        bool
}

// TextGenerator is the narrow capability consumed from an AI backend.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// Request describes what to write about.
type Request struct {
	TargetURL string
	Anchor    string
	Language  string
	Wish      string
	PageMeta  promotion.PageMeta
}

// Attempt is one body generation and its link analysis.
type Attempt struct {
	HTML  string
	Stats promotion.LinkStats
	Err   error
}

func (a Attempt) score() int {
	return a.Stats.Own + a.Stats.External
}

// Generator produces validated content.
type Generator struct {
	text   TextGenerator
	logger *zap.Logger
}

// NewGenerator constructs a Generator.
func NewGenerator(text TextGenerator, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{text: text, logger: logger}
}

const systemPrompt = "You are a professional copywriter. Follow formatting instructions exactly."

// Article generates a title and an HTML body with the three-link layout.
// An invalid body is regenerated exactly once with a stricter prompt and the
// attempt with more own+external links is kept.
func (g *Generator) Article(ctx context.Context, req Request) (promotion.Article, error) {
	title, err := g.text.Generate(ctx, titlePrompt(req), GenerateOptions{System: systemPrompt, Temperature: 0.8, MaxTokens: 64})
	if err != nil {
		return promotion.Article{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	title = cleanTitle(title)
	if title == "" {
		title = req.Anchor
	}

	first := g.attempt(ctx, bodyPrompt(req, title), req)
	kept := first
	if first.Err != nil || !LinksValid(first.Stats) {
		g.logger.Info("regenerating article body",
			zap.String("target_url", req.TargetURL),
			zap.Int("own_links", first.Stats.Own),
			zap.Int("external_links", first.Stats.External),
			zap.Int("total_links", first.Stats.Total),
			zap.Error(first.Err),
		)
		second := g.attempt(ctx, strictBodyPrompt(req, title, first), req)
		kept = best(first, second)
	}
	if kept.Err != nil {
		if errors.Is(kept.Err, &promotion.ContentError{Code: promotion.CodeEmptyArticle}) {
			return promotion.Article{}, kept.Err
		}
		return promotion.Article{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: kept.Err}
	}
	if kept.Stats.Own == 0 {
		return promotion.Article{}, &promotion.ContentError{
			Code: promotion.CodeLinkValidationFailed,
			Err:  fmt.Errorf("no links to %s after regeneration", req.TargetURL),
		}
	}

	normalized, err := Normalize(kept.HTML)
	if err != nil {
		return promotion.Article{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	return promotion.Article{Title: title, HTML: normalized, Links: kept.Stats}, nil
}

func (g *Generator) attempt(ctx context.Context, prompt string, req Request) Attempt {
	raw, err := g.text.Generate(ctx, prompt, GenerateOptions{System: systemPrompt, Temperature: 0.7, MaxTokens: 2048})
	if err != nil {
		return Attempt{Err: err}
	}
	body := stripFences(raw)
	if plainText(body) == "" {
		return Attempt{Err: &promotion.ContentError{Code: promotion.CodeEmptyArticle}}
	}
	return Attempt{HTML: body, Stats: AnalyzeLinks(body, req.TargetURL, req.Anchor)}
}

// best keeps the higher-scoring successful attempt; ties keep the first.
func best(first, second Attempt) Attempt {
	switch {
	case first.Err != nil && second.Err != nil:
		return second
	case first.Err != nil:
		return second
	case second.Err != nil:
		return first
	case second.score() > first.score():
		return second
	default:
		return first
	}
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "#")
	return strings.Trim(strings.TrimSpace(s), "\"'«»“”*")
}

// Poll generates a structured poll.
func (g *Generator) Poll(ctx context.Context, req Request) (promotion.Poll, error) {
	raw, err := g.text.Generate(ctx, pollPrompt(req), GenerateOptions{System: systemPrompt, Temperature: 0.7, MaxTokens: 512, JSON: true})
	if err != nil {
		return promotion.Poll{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	var poll promotion.Poll
	if err := decodeJSONObject(raw, &poll); err != nil {
		return promotion.Poll{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	poll.Question = strings.TrimSpace(poll.Question)
	options := poll.Options[:0]
	for _, o := range poll.Options {
		if o = strings.TrimSpace(o); o != "" {
			options = append(options, o)
		}
	}
	poll.Options = options
	if poll.Question == "" || len(poll.Options) < 2 {
		return promotion.Poll{}, &promotion.ContentError{
			Code: promotion.CodeGenerationFailed,
			Err:  errors.New("poll needs a question and at least two options"),
		}
	}
	return poll, nil
}

// Comment generates a crowd message that mentions the target URL.
func (g *Generator) Comment(ctx context.Context, req Request) (promotion.Comment, error) {
	raw, err := g.text.Generate(ctx, commentPrompt(req), GenerateOptions{System: systemPrompt, Temperature: 0.9, MaxTokens: 400, JSON: true})
	if err != nil {
		return promotion.Comment{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	var c promotion.Comment
	if err := decodeJSONObject(raw, &c); err != nil {
		return promotion.Comment{}, &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
	}
	c.Message = strings.TrimSpace(c.Message)
	if c.Message == "" {
		return promotion.Comment{}, &promotion.ContentError{Code: promotion.CodeEmptyArticle}
	}
	if !strings.Contains(c.Message, req.TargetURL) {
		c.Message += "\n" + req.TargetURL
	}
	return c, nil
}

func decodeJSONObject(raw string, v any) error {
	raw = stripFences(raw)
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end < start {
		return errors.New("response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return fmt.Errorf("decode JSON response: %w", err)
	}
	return nil
}
