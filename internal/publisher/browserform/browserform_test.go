package browserform

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

type fakeSession struct {
	present   map[string]bool
	values    map[string]string
	htmls     map[string]string
	clicked   []string
	status    int
	afterURL  string
	location  string
	attrs     map[string]string
	navErr    error
	released  bool
	submitted bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		present: map[string]bool{},
		values:  map[string]string{},
		htmls:   map[string]string{},
		attrs:   map[string]string{},
	}
}

func (f *fakeSession) URL() string { return f.location }

func (f *fakeSession) Frames(context.Context) ([]captcha.Frame, error) {
	return nil, nil
}

func (f *fakeSession) Screenshot(context.Context, captcha.Rect) ([]byte, error) {
	return nil, nil
}

func (f *fakeSession) Click(context.Context, captcha.Point) error {
	return nil
}

func (f *fakeSession) Navigate(_ context.Context, url string) error {
	f.location = url
	return f.navErr
}

func (f *fakeSession) Location(context.Context) (string, error) {
	if f.submitted && f.afterURL != "" {
		return f.afterURL, nil
	}
	return f.location, nil
}

func (f *fakeSession) LastStatus() int { return f.status }

func (f *fakeSession) Exists(_ context.Context, sel string) (bool, error) {
	return f.present[sel], nil
}

func (f *fakeSession) SetValue(_ context.Context, sel, v string) error {
	f.values[sel] = v
	return nil
}

func (f *fakeSession) SetHTML(_ context.Context, sel, v string) error {
	f.htmls[sel] = v
	return nil
}

func (f *fakeSession) ClickSelector(_ context.Context, sel string) error {
	f.clicked = append(f.clicked, sel)
	f.submitted = true
	return nil
}

func (f *fakeSession) Wait(context.Context, time.Duration) error { return nil }

func (f *fakeSession) Text(context.Context, string) (string, error) {
	return "", errors.New("no text")
}

func (f *fakeSession) Attribute(_ context.Context, sel, name string) (string, error) {
	return f.attrs[sel+"@"+name], nil
}

type fakeSolver struct {
	calls int
	res   captcha.Result
	err   error
}

func (s *fakeSolver) SolveIfCaptcha(context.Context, captcha.Page) (captcha.Result, error) {
	s.calls++
	return s.res, s.err
}

func opener(s *fakeSession) OpenFunc {
	return func(context.Context) (Session, func(), error) {
		return s, func() { s.released = true }, nil
	}
}

func articleDesc(format string) promotion.AdapterDescriptor {
	return promotion.AdapterDescriptor{
		Slug: "paste",
		Options: map[string]string{
			OptURL:            "https://paste.example/",
			OptBodySelector:   "#body",
			OptBodyFormat:     format,
			OptSubmitSelector: "#go",
			OptResult:         "location",
			OptSettle:         "1ms",
		},
	}
}

func articleJob() promotion.Job {
	return promotion.Job{
		URL: "https://site",
		PreparedArticle: &promotion.Article{
			Title: "Headline",
			HTML:  `<h2>Intro</h2><p>Visit <a href="https://site">our site</a>.</p>`,
		},
	}
}

func TestPublishArticleMarkdown(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	s.present["#body"] = true
	s.present["#go"] = true
	s.afterURL = "https://paste.example/abc"
	solver := &fakeSolver{res: captcha.Result{Kind: captcha.KindRecaptchaV3}}

	res, err := New(articleDesc(FormatMarkdown), opener(s), solver, nil).Publish(context.Background(), articleJob())
	require.NoError(t, err)
	require.True(t, res.OK)
	require.Equal(t, "https://paste.example/abc", res.PublishedURL)
	require.Equal(t, "Headline", res.Title)
	require.Equal(t, "# Headline\n\n## Intro\n\nVisit [our site](https://site).", s.values["#body"])
	require.Equal(t, []string{"#go"}, s.clicked)
	require.Equal(t, 1, solver.calls)
	require.True(t, s.released)
	require.True(t, res.Verification.SupportsLinkCheck)
}

func TestPublishArticleHTMLWithTitleField(t *testing.T) {
	t.Parallel()

	desc := articleDesc(FormatHTML)
	desc.Options[OptTitleSelector] = "#title"
	desc.Options[OptResult] = "selector:a.share"
	s := newFakeSession()
	s.present["#title"] = true
	s.present["#body"] = true
	s.present["#go"] = true
	s.attrs["a.share@href"] = "https://paste.example/share/1"

	res, err := New(desc, opener(s), nil, nil).Publish(context.Background(), articleJob())
	require.NoError(t, err)
	require.Equal(t, "https://paste.example/share/1", res.PublishedURL)
	require.Equal(t, "Headline", s.values["#title"])
	require.Equal(t, articleJob().PreparedArticle.HTML, s.htmls["#body"])
}

func TestPublishCommentAndPoll(t *testing.T) {
	t.Parallel()

	desc := promotion.AdapterDescriptor{Slug: "guestbook", Options: map[string]string{
		OptURL:             "https://gb.example/sign",
		OptNameSelector:    "#name",
		OptMessageSelector: "#msg",
		OptSubmitSelector:  "#send",
		OptSettle:          "1ms",
	}}
	s := newFakeSession()
	s.present["#name"] = true
	s.present["#msg"] = true
	s.present["#send"] = true
	s.afterURL = "https://gb.example/thanks"
	job := promotion.Job{URL: "https://site", Comment: &promotion.Comment{Message: "hello https://site", AuthorName: "Ann"}}
	res, err := New(desc, opener(s), nil, nil).Publish(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "Ann", s.values["#name"])
	require.Equal(t, "hello https://site", s.values["#msg"])
	require.True(t, res.Verification.SupportsTextCheck)

	desc = promotion.AdapterDescriptor{Slug: "poll", Options: map[string]string{
		OptURL:            "https://poll.example/new",
		OptTitleSelector:  "#q",
		OptOptionSelector: "#opt-{n}",
		OptSubmitSelector: "#create",
		OptSettle:         "1ms",
	}}
	s = newFakeSession()
	for _, sel := range []string{"#q", "#opt-1", "#opt-2", "#create"} {
		s.present[sel] = true
	}
	s.afterURL = "https://poll.example/p/9"
	job = promotion.Job{PreparedPoll: &promotion.Poll{Question: "Best?", Options: []string{"A", "B"}}}
	res, err = New(desc, opener(s), nil, nil).Publish(context.Background(), job)
	require.NoError(t, err)
	require.Equal(t, "https://poll.example/p/9", res.PublishedURL)
	require.Equal(t, "B", s.values["#opt-2"])
}

func TestPublishFailureCodes(t *testing.T) {
	t.Parallel()

	run := func(mutate func(*fakeSession, *promotion.AdapterDescriptor), solver CaptchaSolver) error {
		desc := articleDesc(FormatText)
		s := newFakeSession()
		s.present["#body"] = true
		s.present["#go"] = true
		s.afterURL = "https://paste.example/ok"
		mutate(s, &desc)
		_, err := New(desc, opener(s), solver, nil).Publish(context.Background(), articleJob())
		return err
	}

	err := run(func(_ *fakeSession, d *promotion.AdapterDescriptor) { delete(d.Options, OptURL) }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: promotion.CodeFormNotFound})

	err = run(func(s *fakeSession, _ *promotion.AdapterDescriptor) { s.status = 503 }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: "HTTP_503"})

	err = run(func(s *fakeSession, d *promotion.AdapterDescriptor) {
		d.Options[OptLoginMarker] = "#login"
		s.present["#login"] = true
	}, nil)
	var ae *promotion.AdapterError
	require.True(t, errors.As(err, &ae))
	require.Equal(t, promotion.CodeLoginRequired, ae.Code)
	require.True(t, ae.ManualFallback)

	err = run(func(s *fakeSession, _ *promotion.AdapterDescriptor) { s.present["#body"] = false }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: promotion.CodeFormNotFound})

	err = run(func(s *fakeSession, _ *promotion.AdapterDescriptor) { s.present["#go"] = false }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: promotion.CodeSubmitNotFound})

	err = run(func(s *fakeSession, _ *promotion.AdapterDescriptor) { s.afterURL = "" }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: promotion.CodeNoURLInResponse})

	err = run(func(s *fakeSession, _ *promotion.AdapterDescriptor) { s.navErr = errors.New("net::ERR") }, nil)
	require.ErrorIs(t, err, &promotion.AdapterError{Code: promotion.CodeBrowserError})

	captchaErr := &promotion.CaptchaError{Code: promotion.CodeSolveTimeout}
	err = run(func(*fakeSession, *promotion.AdapterDescriptor) {}, &fakeSolver{res: captcha.Result{Kind: captcha.KindHCaptcha}, err: captchaErr})
	require.ErrorIs(t, err, promotion.ErrSolveTimeout)

	_, err = New(articleDesc(FormatText), opener(newFakeSession()), nil, nil).Publish(context.Background(), promotion.Job{})
	require.ErrorIs(t, err, &promotion.ContentError{Code: promotion.CodeEmptyArticle})
}

func TestPlainText(t *testing.T) {
	t.Parallel()

	out, err := PlainText(`<h2>Intro</h2><p>See <a href="https://a">A</a> and <a href="https://b">https://b</a></p><p> </p>`)
	require.NoError(t, err)
	require.Equal(t, "Intro\n\nSee A (https://a) and https://b", out)
}
