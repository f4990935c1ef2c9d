package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// inRes speaks the in.php/res.php protocol shared by 2captcha and rucaptcha.
type inRes struct {
	name   string
	apiKey string
	base   string
	opts   Options
}

type inResResponse struct {
	Status  int             `json:"status"`
	Request json.RawMessage `json:"request"`
}

func newInRes(name, apiKey, base string, opts Options) *inRes {
	return &inRes{name: name, apiKey: apiKey, base: base, opts: opts}
}

func (p *inRes) Name() string { return p.name }

func (p *inRes) SolveToken(ctx context.Context, task captcha.TokenTask) (string, error) {
	form := url.Values{}
	form.Set("pageurl", task.PageURL)
	switch task.Kind {
	case captcha.KindHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", task.SiteKey)
	default:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", task.SiteKey)
		if task.Enterprise {
			form.Set("enterprise", "1")
		}
		if task.DataS != "" {
			form.Set("data-s", task.DataS)
		}
	}
	raw, err := p.solve(ctx, form)
	if err != nil {
		return "", err
	}
	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return "", p.unavailable(fmt.Errorf("decode token: %w", err))
	}
	return token, nil
}

func (p *inRes) SolveCoordinates(ctx context.Context, task captcha.CoordinatesTask) ([]captcha.Point, error) {
	form := url.Values{}
	form.Set("method", "base64")
	form.Set("coordinatescaptcha", "1")
	form.Set("body", base64.StdEncoding.EncodeToString(task.Image))
	form.Set("textinstructions", task.Instruction)
	raw, err := p.solve(ctx, form)
	if err != nil {
		return nil, err
	}
	var coords []struct {
		X json.Number `json:"x"`
		Y json.Number `json:"y"`
	}
	if err := json.Unmarshal(raw, &coords); err != nil {
		return nil, p.unavailable(fmt.Errorf("decode coordinates: %w", err))
	}
	out := make([]captcha.Point, 0, len(coords))
	for _, c := range coords {
		x, errX := c.X.Float64()
		y, errY := c.Y.Float64()
		if errX != nil || errY != nil {
			continue
		}
		out = append(out, captcha.Point{X: x, Y: y})
	}
	return out, nil
}

func (p *inRes) solve(ctx context.Context, form url.Values) (json.RawMessage, error) {
	form.Set("key", p.apiKey)
	form.Set("json", "1")
	created, err := p.call(ctx, http.MethodPost, p.base+"/in.php", form)
	if err != nil {
		return nil, err
	}
	if created.Status != 1 {
		return nil, p.unavailable(fmt.Errorf("submit rejected: %s", requestText(created.Request)))
	}
	id := requestText(created.Request)

	query := url.Values{}
	query.Set("key", p.apiKey)
	query.Set("action", "get")
	query.Set("id", id)
	query.Set("json", "1")
	var result json.RawMessage
	err = poll(ctx, p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		res, err := p.call(ctx, http.MethodGet, p.base+"/res.php?"+query.Encode(), nil)
		if err != nil {
			return false, err
		}
		if res.Status == 1 {
			result = res.Request
			return true, nil
		}
		msg := requestText(res.Request)
		if msg == "CAPCHA_NOT_READY" || msg == "CAPTCHA_NOT_READY" {
			return false, nil
		}
		return false, p.unavailable(fmt.Errorf("solve failed: %s", msg))
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *inRes) call(ctx context.Context, method, endpoint string, form url.Values) (inResResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return inResResponse{}, p.unavailable(err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return inResResponse{}, transportErr(ctx, p.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return inResResponse{}, p.unavailable(fmt.Errorf("status %d", resp.StatusCode))
	}
	var decoded inResResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return inResResponse{}, p.unavailable(fmt.Errorf("decode response: %w", err))
	}
	return decoded, nil
}

func (p *inRes) unavailable(err error) error {
	return &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: p.name, Err: err}
}

// requestText renders the "request" field, which is a string or a number.
func requestText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return strconv.Quote(string(raw))
}

func transportErr(ctx context.Context, provider string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return &promotion.CaptchaError{Code: promotion.CodeSolveTimeout, Provider: provider, Err: err}
	}
	return &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: provider, Err: err}
}
