package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// injectScript writes the token into every known response field and patches
// the captcha library accessors so in-page code reads the same token.
const injectScript = `((token) => {
  let fields = 0;
  document.querySelectorAll('textarea[name="g-recaptcha-response"], #g-recaptcha-response, textarea[name="h-captcha-response"], input[name="g-recaptcha-response"], input[name="h-captcha-response"]').forEach((el) => {
    el.style.display = 'block';
    el.value = token;
    el.innerHTML = token;
    el.dispatchEvent(new Event('input', {bubbles: true}));
    el.dispatchEvent(new Event('change', {bubbles: true}));
    fields++;
  });
  let patched = 0;
  const patch = (obj) => {
    if (obj && typeof obj === 'object') {
      obj.getResponse = () => token;
      patched++;
    }
  };
  if (window.grecaptcha) {
    patch(window.grecaptcha);
    patch(window.grecaptcha.enterprise);
  }
  patch(window.hcaptcha);
  const holder = document.querySelector('[data-callback]');
  if (holder) {
    const cb = window[holder.getAttribute('data-callback')];
    if (typeof cb === 'function') {
      try { cb(token); } catch (e) {}
    }
  }
  return {fields: fields, patched: patched};
})(%s)`

type injection struct {
	Fields  int `json:"fields"`
	Patched int `json:"patched"`
}

// InjectScript renders the injection script for token.
func InjectScript(token string) (string, error) {
	quoted, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("quote token: %w", err)
	}
	return fmt.Sprintf(injectScript, quoted), nil
}

func (r *Resolver) solveToken(ctx context.Context, page Page, det Detection, provider Provider) (bool, error) {
	if det.SiteKey == "" {
		return false, errors.New("site key not found")
	}
	token, err := provider.SolveToken(ctx, TokenTask{
		Kind:       det.Kind,
		SiteKey:    det.SiteKey,
		PageURL:    det.PageURL,
		DataS:      det.DataS,
		Enterprise: det.Enterprise,
	})
	if err != nil {
		return false, err
	}
	if token == "" {
		return false, errors.New("provider returned empty token")
	}
	script, err := InjectScript(token)
	if err != nil {
		return false, err
	}
	frames, err := page.Frames(ctx)
	if err != nil {
		return false, fmt.Errorf("list frames: %w", err)
	}
	if len(frames) == 0 {
		return false, errors.New("page has no frames")
	}
	var out injection
	if err := frames[0].Evaluate(ctx, script, &out); err != nil {
		return false, fmt.Errorf("inject token: %w", err)
	}
	return out.Fields > 0 || out.Patched > 0, nil
}
