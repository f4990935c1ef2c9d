// Package providers implements captcha.Provider for the supported solving services.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Options tunes provider HTTP behaviour.
type Options struct {
	PollInterval time.Duration
	HTTPClient   *http.Client
	// BaseURLs overrides the service root per provider name (tests, self-hosted mirrors).
	BaseURLs map[string]string
}

// Service roots.
const (
	TwoCaptchaURL  = "https://2captcha.com"
	RuCaptchaURL   = "https://rucaptcha.com"
	AntiCaptchaURL = "https://api.anti-captcha.com"
	CapSolverURL   = "https://api.capsolver.com"
)

// Factory returns a captcha.ProviderFactory bound to opts.
func Factory(opts Options) captcha.ProviderFactory {
	return func(creds promotion.ProviderCredentials) (captcha.Provider, error) {
		return New(creds, opts)
	}
}

// New builds the provider named in creds.
func New(creds promotion.ProviderCredentials, opts Options) (captcha.Provider, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	name := strings.ToLower(strings.TrimSpace(creds.Name))
	base := func(def string) string {
		if u, ok := opts.BaseURLs[name]; ok && u != "" {
			return strings.TrimRight(u, "/")
		}
		return def
	}
	switch name {
	case "2captcha":
		return newInRes(name, creds.APIKey, base(TwoCaptchaURL), opts), nil
	case "rucaptcha":
		return newInRes(name, creds.APIKey, base(RuCaptchaURL), opts), nil
	case "anticaptcha", "anti-captcha":
		return newTaskAPI("anticaptcha", creds.APIKey, base(AntiCaptchaURL), flavorAnti, opts), nil
	case "capsolver":
		return newTaskAPI(name, creds.APIKey, base(CapSolverURL), flavorCapSolver, opts), nil
	default:
		return nil, fmt.Errorf("unknown captcha provider %q", creds.Name)
	}
}

// poll calls fn every interval until it reports done, fails, or ctx ends.
func poll(ctx context.Context, interval time.Duration, fn func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return &promotion.CaptchaError{Code: promotion.CodeSolveTimeout, Err: ctx.Err()}
		case <-ticker.C:
		}
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
