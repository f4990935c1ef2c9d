package captcha

import (
	"context"
	"fmt"
	"strings"
)

// fingerprintScript collects raw captcha signals from the current document.
// Classification happens in Go so the rules stay testable.
const fingerprintScript = `(() => {
  const visible = (el) => {
    if (!el) return false;
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    return r.width > 0 && r.height > 0 && s.visibility !== 'hidden' && s.display !== 'none';
  };
  const rect = (el) => {
    const r = el.getBoundingClientRect();
    return {x: r.left, y: r.top, width: r.width, height: r.height};
  };
  const param = (src, name) => {
    try { return new URL(src, location.href).searchParams.get(name) || ''; } catch (e) { return ''; }
  };
  const out = {url: location.href};
  const scripts = Array.from(document.querySelectorAll('script[src]')).map(s => s.src);
  out.recaptchaScript = scripts.some(s => /recaptcha\/(api|enterprise)\.js/.test(s));
  out.enterprise = scripts.some(s => /recaptcha\/enterprise\.js/.test(s)) || !!(window.grecaptcha && window.grecaptcha.enterprise);
  out.badge = !!document.querySelector('.grecaptcha-badge');
  out.anchor = !!document.querySelector('#recaptcha-anchor');

  const widget = document.querySelector('.g-recaptcha[data-sitekey], [data-sitekey]:not(.h-captcha)');
  const anchorFrame = Array.from(document.querySelectorAll('iframe[src*="recaptcha/api2/anchor"], iframe[src*="recaptcha/enterprise/anchor"]')).find(visible);
  const challengeFrame = Array.from(document.querySelectorAll('iframe[src*="recaptcha/api2/bframe"], iframe[src*="recaptcha/enterprise/bframe"], iframe[title*="recaptcha challenge"]')).find(visible);
  out.recaptchaWidget = visible(widget) || !!anchorFrame;
  out.challengeFrame = !!challengeFrame;
  out.sitekey = (widget && widget.getAttribute('data-sitekey')) || (anchorFrame && param(anchorFrame.src, 'k')) || (challengeFrame && param(challengeFrame.src, 'k')) || '';
  out.dataS = (widget && widget.getAttribute('data-s')) || '';

  const h = document.querySelector('.h-captcha[data-sitekey], iframe[src*="hcaptcha.com"]');
  out.hcaptcha = !!h;
  out.hcaptchaSitekey = h ? (h.getAttribute('data-sitekey') || param(h.src || '', 'sitekey')) : '';

  const table = document.querySelector('table[class*="rc-imageselect-table"], .task-grid');
  if (table && visible(table)) {
    const rows = table.querySelectorAll('tr').length;
    const cells = table.querySelectorAll('td').length;
    const cols = rows > 0 ? Math.round(cells / rows) : 0;
    const verify = document.querySelector('#recaptcha-verify-button, .button-submit');
    out.grid = Object.assign(rect(table), {rows: rows, cols: cols, verify: verify ? rect(verify) : null});
  }
  const instr = document.querySelector('.rc-imageselect-desc-wrapper, .rc-imageselect-desc, .rc-imageselect-instructions, .prompt-text');
  out.instruction = instr ? instr.innerText.trim() : '';

  const text = (document.body && document.body.innerText || '').toLowerCase();
  out.captchaText = /captcha|i'm not a robot|i am not a robot|verify you are human|я не робот/.test(text);
  return out;
})()`

type gridSignal struct {
	Rect
	Rows   int   `json:"rows"`
	Cols   int   `json:"cols"`
	Verify *Rect `json:"verify"`
}

type fingerprint struct {
	URL             string      `json:"url"`
	RecaptchaScript bool        `json:"recaptchaScript"`
	Enterprise      bool        `json:"enterprise"`
	Badge           bool        `json:"badge"`
	Anchor          bool        `json:"anchor"`
	RecaptchaWidget bool        `json:"recaptchaWidget"`
	ChallengeFrame  bool        `json:"challengeFrame"`
	SiteKey         string      `json:"sitekey"`
	DataS           string      `json:"dataS"`
	HCaptcha        bool        `json:"hcaptcha"`
	HCaptchaSiteKey string      `json:"hcaptchaSitekey"`
	Grid            *gridSignal `json:"grid"`
	Instruction     string      `json:"instruction"`
	CaptchaText     bool        `json:"captchaText"`
}

// Detection is the strongest captcha found on a page.
type Detection struct {
	Kind        Kind
	Frame       Frame
	FrameIndex  int
	PageURL     string
	SiteKey     string
	DataS       string
	Enterprise  bool
	Instruction string
	// Grid and Verify are in frame-local coordinates.
	Grid     Rect
	Rows     int
	Cols     int
	Verify   *Rect
	Evidence string
}

// Higher wins when several frames match.
var kindRank = map[Kind]int{
	KindNone:               0,
	KindGeneric:            1,
	KindRecaptchaV3:        2,
	KindRecaptchaAnchor:    3,
	KindHCaptcha:           4,
	KindRecaptchaChallenge: 5,
	KindGrid:               6,
}

func classify(fp fingerprint) (Kind, string) {
	switch {
	case fp.Grid != nil && fp.Grid.Rows > 0 && fp.Grid.Cols > 0 && fp.Instruction != "":
		return KindGrid, "image grid with instruction"
	case fp.HCaptcha && fp.HCaptchaSiteKey != "":
		return KindHCaptcha, "hcaptcha widget"
	case fp.SiteKey != "" && fp.ChallengeFrame:
		return KindRecaptchaChallenge, "visible recaptcha challenge frame"
	case fp.Anchor || fp.RecaptchaWidget:
		return KindRecaptchaAnchor, "recaptcha checkbox only"
	case fp.Badge || fp.RecaptchaScript:
		return KindRecaptchaV3, "recaptcha badge or script only"
	case fp.HCaptcha || fp.CaptchaText:
		return KindGeneric, "captcha text heuristic"
	default:
		return KindNone, ""
	}
}

// Detect inspects the main document and then every child frame and returns
// the highest-ranked captcha. Token fields are merged from whichever frame
// exposes them since the site key usually lives in the host document.
func Detect(ctx context.Context, page Page) (Detection, error) {
	frames, err := page.Frames(ctx)
	if err != nil {
		return Detection{}, fmt.Errorf("list frames: %w", err)
	}
	det := Detection{PageURL: page.URL()}
	for i, frame := range frames {
		var fp fingerprint
		if err := frame.Evaluate(ctx, fingerprintScript, &fp); err != nil {
			// Cross-origin or detached frames are skipped.
			continue
		}
		if det.SiteKey == "" && fp.SiteKey != "" {
			det.SiteKey = fp.SiteKey
			det.DataS = fp.DataS
		}
		det.Enterprise = det.Enterprise || fp.Enterprise
		kind, evidence := classify(fp)
		if kindRank[kind] <= kindRank[det.Kind] {
			continue
		}
		det.Kind = kind
		det.Frame = frame
		det.FrameIndex = i
		det.Evidence = evidence
		switch kind {
		case KindGrid:
			det.Instruction = fp.Instruction
			det.Grid = fp.Grid.Rect
			det.Rows = fp.Grid.Rows
			det.Cols = fp.Grid.Cols
			det.Verify = fp.Grid.Verify
		case KindHCaptcha:
			det.SiteKey = fp.HCaptchaSiteKey
			det.DataS = ""
		}
	}
	if det.PageURL == "" && len(frames) > 0 {
		det.PageURL = strings.TrimSpace(frames[0].URL())
	}
	return det, nil
}
