// Package browserform publishes content by filling and submitting a web form
// in a headless browser. Selectors come from the adapter descriptor options.
package browserform

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/browser"
	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Session is the browser surface the form poster needs.
type Session interface {
	captcha.Page
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	LastStatus() int
	Exists(ctx context.Context, selector string) (bool, error)
	SetValue(ctx context.Context, selector, value string) error
	SetHTML(ctx context.Context, selector, html string) error
	ClickSelector(ctx context.Context, selector string) error
	Wait(ctx context.Context, d time.Duration) error
	Text(ctx context.Context, selector string) (string, error)
	Attribute(ctx context.Context, selector, name string) (string, error)
}

// OpenFunc opens a browser session. The returned func releases it.
type OpenFunc func(ctx context.Context) (Session, func(), error)

// ChromeOpener adapts a browser.Browser to OpenFunc.
func ChromeOpener(b *browser.Browser) OpenFunc {
	return func(ctx context.Context) (Session, func(), error) {
		s, release, err := b.Open(ctx)
		if err != nil {
			return nil, nil, err
		}
		return s, release, nil
	}
}

// CaptchaSolver clears captchas on the current page.
type CaptchaSolver interface {
	SolveIfCaptcha(ctx context.Context, page captcha.Page) (captcha.Result, error)
}

// Descriptor option keys.
const (
	OptURL             = "url"
	OptLoginMarker     = "login_marker"
	OptTitleSelector   = "title_selector"
	OptBodySelector    = "body_selector"
	OptBodyFormat      = "body_format"
	OptOptionSelector  = "option_selector"
	OptNameSelector    = "name_selector"
	OptEmailSelector   = "email_selector"
	OptSubjectSelector = "subject_selector"
	OptMessageSelector = "message_selector"
	OptSubmitSelector  = "submit_selector"
	OptResult          = "result"
	OptSettle          = "settle"
)

// Publisher fills one form per job.
type Publisher struct {
	desc    promotion.AdapterDescriptor
	open    OpenFunc
	solver  CaptchaSolver
	logger  *zap.Logger
	settle  time.Duration
	formURL string
}

// New builds a form Publisher for desc.
func New(desc promotion.AdapterDescriptor, open OpenFunc, solver CaptchaSolver, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	settle := 2 * time.Second
	if v := desc.Options[OptSettle]; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settle = d
		}
	}
	return &Publisher{
		desc:    desc,
		open:    open,
		solver:  solver,
		logger:  logger.Named("browserform").With(zap.String("adapter", desc.Slug)),
		settle:  settle,
		formURL: desc.Options[OptURL],
	}
}

type field struct {
	selector string
	value    string
	html     bool
}

// Publish opens the form, fills it, clears any captcha, submits and reads the published URL.
func (p *Publisher) Publish(ctx context.Context, job promotion.Job) (promotion.Result, error) {
	if p.formURL == "" {
		return promotion.Result{}, p.fail(promotion.CodeFormNotFound, true, errors.New("no form url configured"))
	}
	fields, verification, title, err := p.fields(job)
	if err != nil {
		return promotion.Result{}, err
	}

	session, release, err := p.open(ctx)
	if err != nil {
		return promotion.Result{}, p.fail(promotion.CodeBrowserError, false, err)
	}
	defer release()

	if err := session.Navigate(ctx, p.formURL); err != nil {
		return promotion.Result{}, p.browserErr(ctx, err)
	}
	if status := session.LastStatus(); status >= 400 {
		return promotion.Result{}, p.fail(promotion.HTTPStatusCode(status), false, nil)
	}
	if marker := p.desc.Options[OptLoginMarker]; marker != "" {
		present, err := session.Exists(ctx, marker)
		if err != nil {
			return promotion.Result{}, p.browserErr(ctx, err)
		}
		if present {
			return promotion.Result{}, p.fail(promotion.CodeLoginRequired, true, nil)
		}
	}

	for _, f := range fields {
		present, err := session.Exists(ctx, f.selector)
		if err != nil {
			return promotion.Result{}, p.browserErr(ctx, err)
		}
		if !present {
			return promotion.Result{}, p.fail(promotion.CodeFormNotFound, true, fmt.Errorf("selector %q not found", f.selector))
		}
		if f.html {
			err = session.SetHTML(ctx, f.selector, f.value)
		} else {
			err = session.SetValue(ctx, f.selector, f.value)
		}
		if err != nil {
			return promotion.Result{}, p.browserErr(ctx, err)
		}
	}

	if p.solver != nil {
		res, err := p.solver.SolveIfCaptcha(ctx, session)
		if err != nil {
			p.logger.Warn("captcha not cleared", zap.String("captcha_kind", string(res.Kind)), zap.Error(err))
			return promotion.Result{}, err
		}
		if res.Kind != captcha.KindNone {
			p.logger.Info("captcha handled",
				zap.String("captcha_kind", string(res.Kind)),
				zap.Bool("solved", res.Solved),
				zap.String("provider", res.Provider),
			)
		}
	}

	submit := p.desc.Options[OptSubmitSelector]
	if submit == "" {
		return promotion.Result{}, p.fail(promotion.CodeSubmitNotFound, true, errors.New("no submit selector configured"))
	}
	present, err := session.Exists(ctx, submit)
	if err != nil {
		return promotion.Result{}, p.browserErr(ctx, err)
	}
	if !present {
		return promotion.Result{}, p.fail(promotion.CodeSubmitNotFound, true, fmt.Errorf("selector %q not found", submit))
	}
	if err := session.ClickSelector(ctx, submit); err != nil {
		return promotion.Result{}, p.browserErr(ctx, err)
	}
	if err := session.Wait(ctx, p.settle); err != nil {
		return promotion.Result{}, p.browserErr(ctx, err)
	}
	if status := session.LastStatus(); status >= 400 {
		return promotion.Result{}, p.fail(promotion.HTTPStatusCode(status), false, nil)
	}

	published, err := p.publishedURL(ctx, session)
	if err != nil {
		return promotion.Result{}, err
	}
	return promotion.Result{
		OK:           true,
		Network:      p.desc.Slug,
		Title:        title,
		PublishedURL: published,
		Verification: verification,
	}, nil
}

// fields maps the job content onto the configured selectors.
func (p *Publisher) fields(job promotion.Job) ([]field, *promotion.Verification, string, error) {
	opts := p.desc.Options
	var out []field
	add := func(key, value string, html bool) {
		if sel := opts[key]; sel != "" && value != "" {
			out = append(out, field{selector: sel, value: value, html: html})
		}
	}

	switch {
	case job.Comment != nil:
		c := job.Comment
		add(OptNameSelector, c.AuthorName, false)
		add(OptEmailSelector, c.AuthorEmail, false)
		add(OptSubjectSelector, c.Subject, false)
		if opts[OptMessageSelector] == "" {
			return nil, nil, "", p.fail(promotion.CodeFormNotFound, true, errors.New("no message selector configured"))
		}
		add(OptMessageSelector, c.Message, false)
		return out, &promotion.Verification{SupportsTextCheck: true, Text: c.Message}, c.Subject, nil

	case job.PreparedPoll != nil:
		poll := job.PreparedPoll
		add(OptTitleSelector, poll.Question, false)
		add(OptBodySelector, poll.Description, false)
		tmpl := opts[OptOptionSelector]
		if tmpl == "" {
			return nil, nil, "", p.fail(promotion.CodeFormNotFound, true, errors.New("no option selector configured"))
		}
		for i, o := range poll.Options {
			out = append(out, field{selector: strings.ReplaceAll(tmpl, "{n}", strconv.Itoa(i+1)), value: o})
		}
		return out, &promotion.Verification{SupportsTextCheck: true, Text: poll.Question}, poll.Question, nil

	case job.PreparedArticle != nil && strings.TrimSpace(job.PreparedArticle.HTML) != "":
		article := job.PreparedArticle
		if opts[OptBodySelector] == "" {
			return nil, nil, "", p.fail(promotion.CodeFormNotFound, true, errors.New("no body selector configured"))
		}
		body, asHTML, err := formatBody(article, opts[OptBodyFormat], opts[OptTitleSelector] == "")
		if err != nil {
			return nil, nil, "", &promotion.ContentError{Code: promotion.CodeGenerationFailed, Err: err}
		}
		add(OptTitleSelector, article.Title, false)
		add(OptBodySelector, body, asHTML)
		return out, &promotion.Verification{SupportsLinkCheck: true, LinkURL: job.URL}, article.Title, nil
	}
	return nil, nil, "", &promotion.ContentError{Code: promotion.CodeEmptyArticle}
}

// formatBody renders the article for the editor. Without a title field the
// title is placed at the top of the body.
func formatBody(article *promotion.Article, format string, inlineTitle bool) (string, bool, error) {
	switch format {
	case FormatMarkdown:
		body, err := Markdown(article.HTML)
		if inlineTitle && article.Title != "" {
			body = "# " + article.Title + "\n\n" + body
		}
		return body, false, err
	case FormatText:
		body, err := PlainText(article.HTML)
		if inlineTitle && article.Title != "" {
			body = article.Title + "\n\n" + body
		}
		return body, false, err
	case FormatHTMLSource:
		return withHTMLTitle(article, inlineTitle), false, nil
	default:
		return withHTMLTitle(article, inlineTitle), true, nil
	}
}

func withHTMLTitle(article *promotion.Article, inlineTitle bool) string {
	if inlineTitle && article.Title != "" {
		return "<h2>" + article.Title + "</h2>" + article.HTML
	}
	return article.HTML
}

// publishedURL reads the result either from the address bar or from a selector
// given as result: "selector:<css>".
func (p *Publisher) publishedURL(ctx context.Context, session Session) (string, error) {
	mode := p.desc.Options[OptResult]
	if sel, ok := strings.CutPrefix(mode, "selector:"); ok {
		href, err := session.Attribute(ctx, sel, "href")
		if err != nil || href == "" {
			text, textErr := session.Text(ctx, sel)
			if textErr != nil || strings.TrimSpace(text) == "" {
				return "", p.fail(promotion.CodeNoURLInResponse, true, fmt.Errorf("result selector %q: %w", sel, errors.Join(err, textErr)))
			}
			href = strings.TrimSpace(text)
		}
		return href, nil
	}

	loc, err := session.Location(ctx)
	if err != nil {
		return "", p.browserErr(ctx, err)
	}
	if loc == "" || sameURL(loc, p.formURL) {
		return "", p.fail(promotion.CodeNoURLInResponse, true, errors.New("location did not change after submit"))
	}
	return loc, nil
}

func sameURL(a, b string) bool {
	return strings.TrimRight(a, "/") == strings.TrimRight(b, "/")
}

func (p *Publisher) fail(code string, manual bool, err error) error {
	return &promotion.AdapterError{Code: code, Network: p.desc.Slug, ManualFallback: manual, Err: err}
}

func (p *Publisher) browserErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return p.fail(promotion.CodeAdapterTimeout, false, err)
	}
	return p.fail(promotion.CodeBrowserError, false, err)
}
