// Package browser drives headless Chrome sessions used by form-posting adapters
// and the captcha resolver.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/linkcascade/internal/captcha"
)

// Config controls the behavior of the browser pool.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	Headless          bool
	ExecPath          string
}

// Browser owns a Chrome allocator and bounds concurrent sessions.
type Browser struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// New creates a Browser backed by chromedp.
func New(cfg Config) (*Browser, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Browser{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (b *Browser) Close() {
	b.allocCancel()
}

// Open starts a new tab. The returned func closes the tab and frees the slot.
func (b *Browser) Open(ctx context.Context) (*Session, func(), error) {
	if err := b.acquire(ctx); err != nil {
		return nil, nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(b.allocator)
	s := &Session{tab: tabCtx, cfg: b.cfg, meta: &responseMeta{}}
	chromedp.ListenTarget(tabCtx, s.meta.captureEvent)
	closeFn := func() {
		tabCancel()
		b.release()
	}
	return s, closeFn, nil
}

func (b *Browser) acquire(ctx context.Context) error {
	if b.limiter == nil {
		return nil
	}
	select {
	case b.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (b *Browser) release() {
	if b.limiter == nil {
		return
	}
	select {
	case <-b.limiter:
	default:
	}
}

// Session is one browser tab. It implements captcha.Page.
type Session struct {
	tab  context.Context
	cfg  Config
	meta *responseMeta

	mu  sync.RWMutex
	url string
}

var _ captcha.Page = (*Session)(nil)

// run executes actions on the tab while honoring ctx cancellation.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Navigate loads url and waits for the body to be ready.
func (s *Session) Navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, s.cfg.NavigationTimeout)
	defer cancel()
	var final string
	err := s.run(navCtx,
		s.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&final),
	)
	if err != nil {
		return err
	}
	s.setURL(final)
	return nil
}

func (s *Session) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(s.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (s *Session) setURL(u string) {
	s.mu.Lock()
	s.url = u
	s.mu.Unlock()
}

// URL returns the last observed location.
func (s *Session) URL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.url
}

// Location refreshes and returns the current location.
func (s *Session) Location(ctx context.Context) (string, error) {
	var u string
	if err := s.run(ctx, chromedp.Location(&u)); err != nil {
		return "", err
	}
	s.setURL(u)
	return u, nil
}

// LastStatus is the HTTP status of the most recent document response.
func (s *Session) LastStatus() int {
	return s.meta.status()
}

// Exists reports whether selector matches at least one element.
func (s *Session) Exists(ctx context.Context, selector string) (bool, error) {
	var nodes []*cdp.Node
	err := s.run(ctx, chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)))
	if err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

// SetValue types value into an input or textarea.
func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	return s.run(ctx,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SetValue(selector, value, chromedp.ByQuery),
	)
}

// SetHTML replaces the content of a contenteditable element.
func (s *Session) SetHTML(ctx context.Context, selector, html string) error {
	sel, err := json.Marshal(selector)
	if err != nil {
		return err
	}
	body, err := json.Marshal(html)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.innerHTML = %s;
  el.dispatchEvent(new Event('input', {bubbles: true}));
  return true;
})()`, sel, body)
	var ok bool
	if err := s.run(ctx, chromedp.Evaluate(script, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("element %q not found", selector)
	}
	return nil
}

// ClickSelector clicks the first element matching selector.
func (s *Session) ClickSelector(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible))
}

// Wait pauses for d on the tab.
func (s *Session) Wait(ctx context.Context, d time.Duration) error {
	return s.run(ctx, chromedp.Sleep(d))
}

// Text returns the inner text of the first element matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := s.run(ctx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return text, nil
}

// Attribute returns an attribute of the first element matching selector.
func (s *Session) Attribute(ctx context.Context, selector, name string) (string, error) {
	var (
		value string
		ok    bool
	)
	if err := s.run(ctx, chromedp.AttributeValue(selector, name, &value, &ok, chromedp.ByQuery)); err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("attribute %q missing on %q", name, selector)
	}
	return value, nil
}

// Frames lists the main document followed by every child frame.
func (s *Session) Frames(ctx context.Context) ([]captcha.Frame, error) {
	var tree *page.FrameTree
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		tree, err = page.GetFrameTree().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	var out []captcha.Frame
	for i, f := range flattenFrames(tree) {
		out = append(out, &frame{session: s, id: f.ID, url: f.URL, main: i == 0})
	}
	return out, nil
}

// flattenFrames walks the tree depth-first, main frame first.
func flattenFrames(tree *page.FrameTree) []*cdp.Frame {
	if tree == nil || tree.Frame == nil {
		return nil
	}
	out := []*cdp.Frame{tree.Frame}
	for _, child := range tree.ChildFrames {
		out = append(out, flattenFrames(child)...)
	}
	return out
}

// Screenshot captures clip in page coordinates as PNG.
func (s *Session) Screenshot(ctx context.Context, clip captcha.Rect) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		buf, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatPng).
			WithClip(&page.Viewport{X: clip.X, Y: clip.Y, Width: clip.Width, Height: clip.Height, Scale: 1}).
			Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Click dispatches a mouse click at a page coordinate.
func (s *Session) Click(ctx context.Context, at captcha.Point) error {
	return s.run(ctx, chromedp.MouseClickXY(at.X, at.Y))
}

// Evaluate runs script in the main world of the top document.
func (s *Session) Evaluate(ctx context.Context, script string, out any) error {
	return s.run(ctx, chromedp.Evaluate(script, out))
}

type frame struct {
	session *Session
	id      cdp.FrameID
	url     string
	main    bool
}

func (f *frame) URL() string { return f.url }

// Evaluate uses the page's main world for the top document so library
// globals are visible, and an isolated world for child frames.
func (f *frame) Evaluate(ctx context.Context, script string, out any) error {
	if f.main {
		return f.session.Evaluate(ctx, script, out)
	}
	return f.session.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		execID, err := page.CreateIsolatedWorld(f.id).WithWorldName("linkcascade").Do(ctx)
		if err != nil {
			return fmt.Errorf("create isolated world: %w", err)
		}
		res, exc, err := runtime.Evaluate(script).
			WithContextID(execID).
			WithReturnByValue(true).
			WithAwaitPromise(true).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("evaluate: %w", err)
		}
		if exc != nil {
			return fmt.Errorf("evaluate: %s", exc.Text)
		}
		if res == nil || len(res.Value) == 0 {
			return errors.New("evaluate: empty result")
		}
		return json.Unmarshal([]byte(res.Value), out)
	}))
}

func (f *frame) Offset(ctx context.Context) (captcha.Point, error) {
	if f.main {
		return captcha.Point{}, nil
	}
	var pt captcha.Point
	err := f.session.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		backendID, _, err := dom.GetFrameOwner(f.id).Do(ctx)
		if err != nil {
			return fmt.Errorf("frame owner: %w", err)
		}
		box, err := dom.GetBoxModel().WithBackendNodeID(backendID).Do(ctx)
		if err != nil {
			return fmt.Errorf("frame box: %w", err)
		}
		pt = quadOrigin(box.Content)
		return nil
	}))
	return pt, err
}

func quadOrigin(q dom.Quad) captcha.Point {
	if len(q) < 2 {
		return captcha.Point{}
	}
	return captcha.Point{X: q[0], Y: q[1]}
}

type responseMeta struct {
	mu         sync.RWMutex
	lastStatus int
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	m.lastStatus = int(event.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) status() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastStatus
}
