package captcha

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Observer receives one callback per provider attempt.
type Observer interface {
	ObserveSolve(provider string, kind Kind, solved bool, elapsed time.Duration)
}

// Resolver walks an explicit provider chain until one solves the captcha.
type Resolver struct {
	chain    []promotion.ProviderCredentials
	factory  ProviderFactory
	deadline time.Duration
	settle   time.Duration
	logger   *zap.Logger
	observer Observer
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithSettleDelay sets the pause between grid clicks and re-detection.
func WithSettleDelay(d time.Duration) Option {
	return func(r *Resolver) { r.settle = d }
}

// WithObserver installs a metrics observer.
func WithObserver(o Observer) Option {
	return func(r *Resolver) { r.observer = o }
}

// NewResolver builds a Resolver. deadline bounds each provider attempt.
func NewResolver(cfg promotion.CaptchaSettings, factory ProviderFactory, logger *zap.Logger, opts ...Option) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = 3 * time.Minute
	}
	r := &Resolver{
		chain:    append([]promotion.ProviderCredentials(nil), cfg.Chain...),
		factory:  factory,
		deadline: deadline,
		settle:   time.Second,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SolveIfCaptcha detects and, when a solvable captcha is present, solves it.
// Badge-only and checkbox-only reCAPTCHA are reported unsolved without
// contacting any provider.
func (r *Resolver) SolveIfCaptcha(ctx context.Context, page Page) (Result, error) {
	det, err := Detect(ctx, page)
	if err != nil {
		return Result{}, err
	}
	if det.Kind == KindNone {
		return Result{Reason: "no captcha detected"}, nil
	}
	if det.Kind == KindGeneric {
		return Result{Kind: det.Kind}, &promotion.CaptchaError{
			Code: promotion.CodeUnsupportedType,
			Err:  errors.New(det.Evidence),
		}
	}
	if !det.Kind.Solvable() {
		r.logger.Info("captcha not challenged; skipping solve",
			zap.String("captcha_kind", string(det.Kind)),
			zap.String("page_url", det.PageURL),
		)
		return Result{Kind: det.Kind, Reason: det.Evidence}, nil
	}

	var lastErr error
	res := Result{Kind: det.Kind}
	for i, creds := range r.chain {
		if i > 0 {
			// Site state may have changed while the previous provider worked.
			det, err = Detect(ctx, page)
			if err != nil {
				return res, err
			}
			res.Kind = det.Kind
			if det.Kind == KindNone {
				res.Solved = true
				res.Reason = "captcha cleared"
				return res, nil
			}
			if !det.Kind.Solvable() {
				res.Reason = det.Evidence
				return res, nil
			}
		}
		if creds.Name == "" || creds.APIKey == "" {
			lastErr = &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: creds.Name, Err: errors.New("not configured")}
			continue
		}
		provider, err := r.factory(creds)
		if err != nil {
			lastErr = &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: creds.Name, Err: err}
			continue
		}
		res.Attempts++
		start := time.Now()
		solved, err := r.attempt(ctx, page, det, provider)
		if r.observer != nil {
			r.observer.ObserveSolve(provider.Name(), det.Kind, solved, time.Since(start))
		}
		logger := r.logger.With(
			zap.String("provider", provider.Name()),
			zap.String("captcha_kind", string(det.Kind)),
		)
		if solved {
			logger.Info("captcha solved", zap.Duration("elapsed", time.Since(start)))
			res.Solved = true
			res.Provider = provider.Name()
			res.Reason = ""
			return res, nil
		}
		logger.Warn("captcha provider failed", zap.Error(err))
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil && len(r.chain) == 0 {
		lastErr = &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Err: errors.New("no providers configured")}
	}
	if res.Reason == "" {
		res.Reason = "unsolved"
	}
	return res, lastErr
}

func (r *Resolver) attempt(ctx context.Context, page Page, det Detection, provider Provider) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()
	var err error
	solved := false
	switch det.Kind {
	case KindGrid:
		solved, err = r.solveGrid(ctx, page, det, provider)
	default:
		solved, err = r.solveToken(ctx, page, det, provider)
	}
	if err != nil {
		err = classifyErr(provider.Name(), err)
	}
	return solved, err
}

func classifyErr(provider string, err error) error {
	var ce *promotion.CaptchaError
	if errors.As(err, &ce) {
		if ce.Provider == "" {
			ce.Provider = provider
		}
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &promotion.CaptchaError{Code: promotion.CodeSolveTimeout, Provider: provider, Err: err}
	}
	return &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: provider, Err: err}
}

func (r *Resolver) solveGrid(ctx context.Context, page Page, det Detection, provider Provider) (bool, error) {
	offset, err := det.Frame.Offset(ctx)
	if err != nil {
		return false, fmt.Errorf("frame offset: %w", err)
	}
	clip := Rect{X: det.Grid.X + offset.X, Y: det.Grid.Y + offset.Y, Width: det.Grid.Width, Height: det.Grid.Height}
	img, err := page.Screenshot(ctx, clip)
	if err != nil {
		return false, fmt.Errorf("screenshot grid: %w", err)
	}
	points, err := provider.SolveCoordinates(ctx, CoordinatesTask{Image: img, Instruction: det.Instruction})
	if err != nil {
		return false, err
	}
	for _, p := range TileCenters(points, clip, det.Rows, det.Cols) {
		if err := page.Click(ctx, p); err != nil {
			return false, fmt.Errorf("click tile: %w", err)
		}
	}
	if det.Verify != nil {
		c := det.Verify.Center()
		if err := page.Click(ctx, Point{X: c.X + offset.X, Y: c.Y + offset.Y}); err != nil {
			return false, fmt.Errorf("click verify: %w", err)
		}
	}
	if r.settle > 0 {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.settle):
		}
	}
	after, err := Detect(ctx, page)
	if err != nil {
		return false, err
	}
	return after.Kind != KindGrid, nil
}

// TileCenters maps provider points (relative to the grid image) to the
// centers of the tiles they fall in, in page coordinates, without duplicates.
func TileCenters(points []Point, grid Rect, rows, cols int) []Point {
	if rows <= 0 || cols <= 0 || grid.Width <= 0 || grid.Height <= 0 {
		return nil
	}
	tw := grid.Width / float64(cols)
	th := grid.Height / float64(rows)
	seen := make(map[int]bool)
	var out []Point
	for _, p := range points {
		col := int(math.Floor(p.X / tw))
		row := int(math.Floor(p.Y / th))
		if col < 0 || col >= cols || row < 0 || row >= rows {
			continue
		}
		idx := row*cols + col
		if seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, Point{
			X: grid.X + (float64(col)+0.5)*tw,
			Y: grid.Y + (float64(row)+0.5)*th,
		})
	}
	return out
}
