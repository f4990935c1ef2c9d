// Package captcha detects captchas on an automated page session and solves
// them through an ordered chain of solving providers.
package captcha

import (
	"context"

	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Kind classifies a detected captcha.
type Kind string

// Captcha kinds. KindNone means nothing was detected.
const (
	KindNone               Kind = ""
	KindGrid               Kind = "grid"
	KindRecaptchaAnchor    Kind = "recaptcha-anchor"
	KindRecaptchaChallenge Kind = "recaptcha-challenge"
	KindRecaptchaV3        Kind = "recaptcha-v3"
	KindHCaptcha           Kind = "hcaptcha"
	KindGeneric            Kind = "generic"
)

// Solvable reports whether a provider should be asked to solve k.
func (k Kind) Solvable() bool {
	switch k {
	case KindGrid, KindRecaptchaChallenge, KindHCaptcha:
		return true
	default:
		return false
	}
}

// Point is a coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the midpoint of r.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Frame is one document (main or child) of a page.
type Frame interface {
	URL() string
	// Evaluate runs script in the frame and decodes its JSON-compatible result into out.
	Evaluate(ctx context.Context, script string, out any) error
	// Offset is the frame viewport origin in page coordinates.
	Offset(ctx context.Context) (Point, error)
}

// Page is an automated browser session.
type Page interface {
	URL() string
	// Frames returns the main document first, then every child frame.
	Frames(ctx context.Context) ([]Frame, error)
	Screenshot(ctx context.Context, clip Rect) ([]byte, error)
	Click(ctx context.Context, at Point) error
}

// TokenTask asks a provider for a reCAPTCHA or hCaptcha response token.
type TokenTask struct {
	Kind       Kind
	SiteKey    string
	PageURL    string
	DataS      string
	Enterprise bool
}

// CoordinatesTask asks a provider which points of an image to click.
type CoordinatesTask struct {
	Image       []byte
	Instruction string
}

// Provider is one captcha solving service.
type Provider interface {
	Name() string
	SolveToken(ctx context.Context, task TokenTask) (string, error)
	SolveCoordinates(ctx context.Context, task CoordinatesTask) ([]Point, error)
}

// ProviderFactory builds a Provider from chain credentials.
type ProviderFactory func(creds promotion.ProviderCredentials) (Provider, error)

// Result reports what SolveIfCaptcha did.
type Result struct {
	Kind     Kind
	Solved   bool
	Provider string
	Attempts int
	Reason   string
}
