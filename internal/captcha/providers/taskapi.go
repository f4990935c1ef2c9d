package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/JakeFAU/linkcascade/internal/captcha"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

type flavor int

const (
	flavorAnti flavor = iota
	flavorCapSolver
)

// taskAPI speaks the createTask/getTaskResult protocol of anti-captcha and capsolver.
type taskAPI struct {
	name   string
	apiKey string
	base   string
	flavor flavor
	opts   Options
}

type taskEnvelope struct {
	ClientKey string         `json:"clientKey"`
	Task      map[string]any `json:"task,omitempty"`
	TaskID    any            `json:"taskId,omitempty"`
}

type taskResponse struct {
	ErrorID          int             `json:"errorId"`
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	TaskID           json.RawMessage `json:"taskId"`
	Status           string          `json:"status"`
	Solution         struct {
		GRecaptchaResponse string      `json:"gRecaptchaResponse"`
		Token              string      `json:"token"`
		Coordinates        [][]float64 `json:"coordinates"`
	} `json:"solution"`
}

func newTaskAPI(name, apiKey, base string, f flavor, opts Options) *taskAPI {
	return &taskAPI{name: name, apiKey: apiKey, base: base, flavor: f, opts: opts}
}

func (p *taskAPI) Name() string { return p.name }

func (p *taskAPI) taskType(kind captcha.Kind, enterprise bool) string {
	switch {
	case kind == captcha.KindHCaptcha && p.flavor == flavorCapSolver:
		return "HCaptchaTaskProxyLess"
	case kind == captcha.KindHCaptcha:
		return "HCaptchaTaskProxyless"
	case enterprise && p.flavor == flavorCapSolver:
		return "ReCaptchaV2EnterpriseTaskProxyLess"
	case enterprise:
		return "RecaptchaV2EnterpriseTaskProxyless"
	case p.flavor == flavorCapSolver:
		return "ReCaptchaV2TaskProxyLess"
	default:
		return "RecaptchaV2TaskProxyless"
	}
}

func (p *taskAPI) SolveToken(ctx context.Context, task captcha.TokenTask) (string, error) {
	spec := map[string]any{
		"type":       p.taskType(task.Kind, task.Enterprise),
		"websiteURL": task.PageURL,
		"websiteKey": task.SiteKey,
	}
	if task.DataS != "" {
		if task.Enterprise {
			spec["enterprisePayload"] = map[string]string{"s": task.DataS}
		} else {
			spec["recaptchaDataSValue"] = task.DataS
		}
	}
	res, err := p.run(ctx, spec)
	if err != nil {
		return "", err
	}
	if res.Solution.GRecaptchaResponse != "" {
		return res.Solution.GRecaptchaResponse, nil
	}
	return res.Solution.Token, nil
}

func (p *taskAPI) SolveCoordinates(ctx context.Context, task captcha.CoordinatesTask) ([]captcha.Point, error) {
	if p.flavor == flavorCapSolver {
		return nil, &promotion.CaptchaError{
			Code:     promotion.CodeUnsupportedType,
			Provider: p.name,
			Err:      fmt.Errorf("coordinate tasks are not offered"),
		}
	}
	res, err := p.run(ctx, map[string]any{
		"type":    "ImageToCoordinatesTask",
		"body":    base64.StdEncoding.EncodeToString(task.Image),
		"comment": task.Instruction,
		"mode":    "points",
	})
	if err != nil {
		return nil, err
	}
	out := make([]captcha.Point, 0, len(res.Solution.Coordinates))
	for _, c := range res.Solution.Coordinates {
		if len(c) < 2 {
			continue
		}
		out = append(out, captcha.Point{X: c[0], Y: c[1]})
	}
	return out, nil
}

func (p *taskAPI) run(ctx context.Context, spec map[string]any) (taskResponse, error) {
	created, err := p.call(ctx, "/createTask", taskEnvelope{ClientKey: p.apiKey, Task: spec})
	if err != nil {
		return taskResponse{}, err
	}
	var taskID any
	if err := json.Unmarshal(created.TaskID, &taskID); err != nil || taskID == nil {
		return taskResponse{}, p.unavailable(fmt.Errorf("missing task id"))
	}
	var result taskResponse
	err = poll(ctx, p.opts.PollInterval, func(ctx context.Context) (bool, error) {
		res, err := p.call(ctx, "/getTaskResult", taskEnvelope{ClientKey: p.apiKey, TaskID: taskID})
		if err != nil {
			return false, err
		}
		if res.Status == "ready" {
			result = res
			return true, nil
		}
		return false, nil
	})
	return result, err
}

func (p *taskAPI) call(ctx context.Context, path string, body taskEnvelope) (taskResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return taskResponse{}, p.unavailable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.base+path, bytes.NewReader(payload))
	if err != nil {
		return taskResponse{}, p.unavailable(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return taskResponse{}, transportErr(ctx, p.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return taskResponse{}, p.unavailable(fmt.Errorf("status %d", resp.StatusCode))
	}
	var decoded taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return taskResponse{}, p.unavailable(fmt.Errorf("decode response: %w", err))
	}
	if decoded.ErrorID != 0 {
		return taskResponse{}, p.unavailable(fmt.Errorf("%s: %s", decoded.ErrorCode, decoded.ErrorDescription))
	}
	return decoded, nil
}

func (p *taskAPI) unavailable(err error) error {
	return &promotion.CaptchaError{Code: promotion.CodeProviderUnavailable, Provider: p.name, Err: err}
}
