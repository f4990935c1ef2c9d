package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

type fakeFrame struct {
	mu        sync.Mutex
	url       string
	states    []fingerprint
	detects   int
	injected  []string
	offset    Point
	injectOut injection
	evalErr   error
}

func (f *fakeFrame) URL() string { return f.url }

func (f *fakeFrame) Offset(context.Context) (Point, error) { return f.offset, nil }

func (f *fakeFrame) Evaluate(_ context.Context, script string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return f.evalErr
	}
	var v any
	if script == fingerprintScript {
		i := f.detects
		if i >= len(f.states) {
			i = len(f.states) - 1
		}
		f.detects++
		v = f.states[i]
	} else {
		f.injected = append(f.injected, script)
		v = f.injectOut
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeFrame) detections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detects
}

type fakePage struct {
	frames      []*fakeFrame
	clicks      []Point
	screenshots []Rect
}

func (p *fakePage) URL() string { return "https://site.example/form" }

func (p *fakePage) Frames(context.Context) ([]Frame, error) {
	out := make([]Frame, 0, len(p.frames))
	for _, f := range p.frames {
		out = append(out, f)
	}
	return out, nil
}

func (p *fakePage) Screenshot(_ context.Context, clip Rect) ([]byte, error) {
	p.screenshots = append(p.screenshots, clip)
	return []byte("png"), nil
}

func (p *fakePage) Click(_ context.Context, at Point) error {
	p.clicks = append(p.clicks, at)
	return nil
}

type fakeProvider struct {
	mu         sync.Mutex
	name       string
	tokenCalls int
	coordCalls int
	token      string
	points     []Point
	blockUntil bool
	err        error
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) SolveToken(ctx context.Context, _ TokenTask) (string, error) {
	p.mu.Lock()
	p.tokenCalls++
	p.mu.Unlock()
	if p.blockUntil {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.token, p.err
}

func (p *fakeProvider) SolveCoordinates(ctx context.Context, _ CoordinatesTask) ([]Point, error) {
	p.mu.Lock()
	p.coordCalls++
	p.mu.Unlock()
	if p.blockUntil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.points, p.err
}

func factoryFor(providers ...*fakeProvider) ProviderFactory {
	byName := map[string]*fakeProvider{}
	for _, p := range providers {
		byName[p.name] = p
	}
	return func(creds promotion.ProviderCredentials) (Provider, error) {
		p, ok := byName[creds.Name]
		if !ok {
			return nil, errors.New("unknown provider")
		}
		return p, nil
	}
}

func chain(names ...string) promotion.CaptchaSettings {
	cfg := promotion.CaptchaSettings{Deadline: 50 * time.Millisecond}
	for _, n := range names {
		cfg.Chain = append(cfg.Chain, promotion.ProviderCredentials{Name: n, APIKey: "key-" + n})
	}
	return cfg
}

func challengeState() fingerprint {
	return fingerprint{SiteKey: "site-key", DataS: "s-token", ChallengeFrame: true, RecaptchaScript: true}
}

func TestV3BadgeIsNotSolvedAndNoProviderCalled(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "2captcha", token: "tok"}
	page := &fakePage{frames: []*fakeFrame{{states: []fingerprint{{Badge: true, RecaptchaScript: true}}}}}
	r := NewResolver(chain("2captcha"), factoryFor(provider), nil)

	res, err := r.SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, KindRecaptchaV3, res.Kind)
	require.False(t, res.Solved)
	require.Zero(t, provider.tokenCalls)
	require.Zero(t, provider.coordCalls)
	require.Zero(t, res.Attempts)
}

func TestAnchorOnlyIsNotSolved(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "2captcha", token: "tok"}
	page := &fakePage{frames: []*fakeFrame{
		{states: []fingerprint{{RecaptchaWidget: true, SiteKey: "k"}}},
		{states: []fingerprint{{Anchor: true}}},
	}}
	res, err := NewResolver(chain("2captcha"), factoryFor(provider), nil).SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, KindRecaptchaAnchor, res.Kind)
	require.False(t, res.Solved)
	require.Zero(t, provider.tokenCalls)
}

func TestPrimaryTimeoutFallsBackOnceWithFreshDetection(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "2captcha", blockUntil: true}
	fallback := &fakeProvider{name: "anticaptcha", token: "tok-123"}
	main := &fakeFrame{states: []fingerprint{challengeState()}, injectOut: injection{Fields: 1, Patched: 2}}
	page := &fakePage{frames: []*fakeFrame{main}}

	res, err := NewResolver(chain("2captcha", "anticaptcha"), factoryFor(primary, fallback), nil).
		SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.True(t, res.Solved)
	require.Equal(t, "anticaptcha", res.Provider)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, 1, primary.tokenCalls)
	require.Equal(t, 1, fallback.tokenCalls)
	require.Equal(t, 2, main.detections(), "detection is re-run before the fallback")
	require.Len(t, main.injected, 1)
	require.Contains(t, main.injected[0], `"tok-123"`)
}

func TestAllProvidersFailReturnsTypedError(t *testing.T) {
	t.Parallel()

	primary := &fakeProvider{name: "2captcha", blockUntil: true}
	page := &fakePage{frames: []*fakeFrame{{states: []fingerprint{challengeState()}}}}
	res, err := NewResolver(chain("2captcha"), factoryFor(primary), nil).SolveIfCaptcha(context.Background(), page)
	require.ErrorIs(t, err, promotion.ErrSolveTimeout)
	require.False(t, res.Solved)
	require.Equal(t, 1, primary.tokenCalls)

	res, err = NewResolver(promotion.CaptchaSettings{}, factoryFor(), nil).SolveIfCaptcha(context.Background(), page)
	require.ErrorIs(t, err, promotion.ErrProviderDown)
	require.False(t, res.Solved)

	cfg := promotion.CaptchaSettings{Chain: []promotion.ProviderCredentials{{Name: "2captcha"}}}
	_, err = NewResolver(cfg, factoryFor(primary), nil).SolveIfCaptcha(context.Background(), page)
	require.ErrorIs(t, err, promotion.ErrProviderDown)
	require.Equal(t, 1, primary.tokenCalls, "unconfigured entries are skipped")
}

func TestGenericCaptchaUnsupported(t *testing.T) {
	t.Parallel()

	page := &fakePage{frames: []*fakeFrame{{states: []fingerprint{{CaptchaText: true}}}}}
	_, err := NewResolver(chain("2captcha"), factoryFor(), nil).SolveIfCaptcha(context.Background(), page)
	require.ErrorIs(t, err, promotion.ErrUnsupportedCaptcha)
}

func TestNoCaptcha(t *testing.T) {
	t.Parallel()

	page := &fakePage{frames: []*fakeFrame{{states: []fingerprint{{}}}, {evalErr: errors.New("cross-origin")}}}
	res, err := NewResolver(chain("2captcha"), factoryFor(), nil).SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.Equal(t, KindNone, res.Kind)
	require.False(t, res.Solved)
}

func gridState() fingerprint {
	return fingerprint{
		Grid: &gridSignal{
			Rect:   Rect{X: 0, Y: 100, Width: 300, Height: 300},
			Rows:   3,
			Cols:   3,
			Verify: &Rect{X: 200, Y: 420, Width: 100, Height: 40},
		},
		Instruction: "Select all images with buses",
	}
}

func TestGridSolvedWhenChallengeDisappears(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "2captcha", points: []Point{{X: 10, Y: 10}, {X: 20, Y: 20}, {X: 250, Y: 150}}}
	main := &fakeFrame{states: []fingerprint{challengeState()}}
	bframe := &fakeFrame{states: []fingerprint{gridState(), {}}, offset: Point{X: 50, Y: 5}}
	page := &fakePage{frames: []*fakeFrame{main, bframe}}

	res, err := NewResolver(chain("2captcha"), factoryFor(provider), nil, WithSettleDelay(0)).
		SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.True(t, res.Solved)
	require.Equal(t, KindGrid, res.Kind)
	require.Equal(t, []Rect{{X: 50, Y: 105, Width: 300, Height: 300}}, page.screenshots)
	require.Equal(t, []Point{{X: 100, Y: 155}, {X: 300, Y: 255}, {X: 300, Y: 445}}, page.clicks)
	require.Zero(t, provider.tokenCalls)
}

func TestGridStillPresentIsUnsolved(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{name: "2captcha", points: []Point{{X: 10, Y: 10}}}
	bframe := &fakeFrame{states: []fingerprint{gridState()}}
	page := &fakePage{frames: []*fakeFrame{bframe}}

	res, err := NewResolver(chain("2captcha"), factoryFor(provider), nil, WithSettleDelay(0)).
		SolveIfCaptcha(context.Background(), page)
	require.NoError(t, err)
	require.False(t, res.Solved)
	require.Equal(t, 1, provider.coordCalls)
	require.Equal(t, "unsolved", res.Reason)
}

func TestTileCenters(t *testing.T) {
	t.Parallel()

	grid := Rect{X: 0, Y: 0, Width: 400, Height: 400}
	got := TileCenters([]Point{{X: 1, Y: 1}, {X: 99, Y: 99}, {X: 399, Y: 399}, {X: 500, Y: 5}}, grid, 4, 4)
	require.Equal(t, []Point{{X: 50, Y: 50}, {X: 350, Y: 350}}, got)
	require.Nil(t, TileCenters([]Point{{X: 1, Y: 1}}, grid, 0, 4))
}

func TestInjectScriptQuotesToken(t *testing.T) {
	t.Parallel()

	script, err := InjectScript(`a"b`)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(script, `("a\"b")`))
	require.Contains(t, script, "grecaptcha.enterprise")
	require.Contains(t, script, "hcaptcha")
}
