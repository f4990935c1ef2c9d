package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/linkcascade/internal/config"
	"github.com/JakeFAU/linkcascade/internal/coordinator"
	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
	"github.com/JakeFAU/linkcascade/internal/report"
)

type fakeRuns struct {
	mu        sync.Mutex
	runs      map[string]promotion.Run
	createErr error
	cancelErr error
	created   []coordinator.CreateRequest
	latest    []string
}

func newFakeRuns(runs ...promotion.Run) *fakeRuns {
	f := &fakeRuns{runs: map[string]promotion.Run{}}
	for _, r := range runs {
		f.runs[r.ID] = r
	}
	return f
}

func (f *fakeRuns) Create(_ context.Context, req coordinator.CreateRequest) (promotion.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	if f.createErr != nil {
		return promotion.Run{}, f.createErr
	}
	run := promotion.Run{
		ID:            "run-new",
		ProjectID:     req.ProjectID,
		TargetURL:     req.TargetURL,
		Status:        promotion.RunIdle,
		Required:      map[promotion.Level]int{promotion.Level1: 3},
		LevelsEnabled: promotion.LevelsEnabled{Level1: true},
	}
	f.runs[run.ID] = run
	return run, nil
}

func (f *fakeRuns) Start(ctx context.Context, runID string) (coordinator.Status, error) {
	f.mu.Lock()
	run := f.runs[runID]
	run.Status = promotion.RunLevel1Active
	f.runs[runID] = run
	f.mu.Unlock()
	return f.Status(ctx, runID)
}

func (f *fakeRuns) Cancel(ctx context.Context, runID string) (coordinator.Status, error) {
	if f.cancelErr != nil {
		return coordinator.Status{}, f.cancelErr
	}
	f.mu.Lock()
	run, ok := f.runs[runID]
	if !ok {
		f.mu.Unlock()
		return coordinator.Status{}, &promotion.RunError{Code: promotion.CodeRunNotFound, RunID: runID}
	}
	run.Status = promotion.RunCancelled
	f.runs[runID] = run
	f.mu.Unlock()
	return f.Status(ctx, runID)
}

func (f *fakeRuns) Status(_ context.Context, runID string) (coordinator.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return coordinator.Status{}, promotion.ErrRunNotFound
	}
	snap := promotion.Snapshot{Run: run}
	return coordinator.Status{Run: run, Summary: progress.Aggregate(snap)}, nil
}

func (f *fakeRuns) Report(_ context.Context, runID string) (report.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return report.Document{}, promotion.ErrRunNotFound
	}
	return report.NewDocument(promotion.Snapshot{Run: run}), nil
}

func (f *fakeRuns) Latest(_ context.Context, projectID, targetURL, linkID string) (promotion.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = append(f.latest, projectID+"|"+targetURL+"|"+linkID)
	for _, r := range f.runs {
		if r.ProjectID == projectID && (r.TargetURL == targetURL || (linkID != "" && r.LinkID == linkID)) {
			return r, nil
		}
	}
	return promotion.Run{}, promotion.ErrRunNotFound
}

type fakeProjects struct{ owns bool }

func (p fakeProjects) Owns(context.Context, string, string) (bool, error) { return p.owns, nil }

type fakeBilling struct{ err error }

func (b fakeBilling) Charge(context.Context, string, string, float64) error { return b.err }

func existingRun() promotion.Run {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return promotion.Run{
		ID:            "run-1",
		ProjectID:     "proj-1",
		LinkID:        "link-1",
		TargetURL:     "https://example.com/page",
		Status:        promotion.RunLevel2Active,
		Required:      map[promotion.Level]int{promotion.Level1: 3, promotion.Level2: 2},
		LevelsEnabled: promotion.LevelsEnabled{Level1: true, Level2: true},
		CreatedAt:     now,
		StartedAt:     &now,
		UpdatedAt:     now,
	}
}

func newTestServer(t *testing.T, runs Runs, mut func(*Options)) http.Handler {
	t.Helper()
	opts := Options{Runs: runs, Logger: zaptest.NewLogger(t)}
	if mut != nil {
		mut(&opts)
	}
	return NewServer(opts).Handler()
}

func do(t *testing.T, h http.Handler, method, target string, body []byte, header http.Header) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out map[string]any
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestPromoteCreatesAndStartsRun(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	h := newTestServer(t, runs, nil)

	rec, out := do(t, h, http.MethodPost, "/promote",
		[]byte(`{"project_id":"proj-1","url":"https://example.com","link_id":"l-9","charge_amount":5,"wish":"tech"}`), nil)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, "run-new", out["run_id"])
	require.Equal(t, "level1_active", out["status"])
	require.Equal(t, "level 1 in progress (0/3)", out["stage"])
	require.EqualValues(t, 3, out["target"])
	require.EqualValues(t, 0, out["done"])
	require.Equal(t, "https://example.com", out["target_url"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	require.Len(t, runs.created, 1)
	require.Equal(t, "l-9", runs.created[0].LinkID)
	require.Equal(t, "tech", runs.created[0].Wish)
}

func TestPromoteValidation(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeRuns(), nil)

	rec, out := do(t, h, http.MethodPost, "/promote", []byte("{invalid"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, out["ok"])
	require.Equal(t, promotion.CodeInvalidRequest, out["error"])

	rec, out = do(t, h, http.MethodPost, "/promote", []byte(`{"url":"https://example.com"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, promotion.CodeInvalidRequest, out["error"])
}

func TestPromoteMapsCoordinatorErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"active", &promotion.RunError{Code: promotion.CodeRunActive, RunID: "run-1"}, http.StatusConflict, promotion.CodeRunActive},
		{"level1 disabled", promotion.ErrLevel1Disabled, http.StatusUnprocessableEntity, promotion.CodeLevel1Disabled},
		{"invalid", &promotion.RunError{Code: promotion.CodeInvalidRequest}, http.StatusBadRequest, promotion.CodeInvalidRequest},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, promotion.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			runs := newFakeRuns()
			runs.createErr = tc.err
			h := newTestServer(t, runs, nil)

			rec, out := do(t, h, http.MethodPost, "/promote", []byte(`{"project_id":"p","url":"https://example.com"}`), nil)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, out["error"])
			if tc.code == promotion.CodeRunActive {
				require.Equal(t, "run-1", out["run_id"])
			}
		})
	}
}

func TestPromoteRelaysProjectAndBilling(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns()
	h := newTestServer(t, runs, func(o *Options) { o.Projects = fakeProjects{owns: false} })
	rec, out := do(t, h, http.MethodPost, "/promote", []byte(`{"project_id":"p","url":"https://example.com"}`), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, CodeURLNotInProject, out["error"])
	require.Empty(t, runs.created)

	h = newTestServer(t, runs, func(o *Options) {
		o.Projects = fakeProjects{owns: true}
		o.Billing = fakeBilling{err: &FundsError{Required: 10, Balance: 4, Shortfall: 6}}
	})
	rec, out = do(t, h, http.MethodPost, "/promote", []byte(`{"project_id":"p","url":"https://example.com","charge_amount":10}`), nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, CodeInsufficientFunds, out["error"])
	require.EqualValues(t, 10, out["required"])
	require.EqualValues(t, 4, out["balance"])
	require.EqualValues(t, 6, out["shortfall"])
	require.Empty(t, runs.created)
}

func TestStatusByRunID(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeRuns(existingRun()), nil)

	rec, out := do(t, h, http.MethodGet, "/status?project_id=proj-1&run_id=run-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, "run-1", out["run_id"])
	require.Equal(t, "level2_active", out["status"])
	require.EqualValues(t, 5, out["target"])
	require.Equal(t, false, out["report_ready"])
	require.Nil(t, out["finished_at"])

	levels, ok := out["levels"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, levels, "1")
	require.Contains(t, levels, "2")
	require.Contains(t, levels, "3")
	level2 := levels["2"].(map[string]any)
	require.EqualValues(t, 2, level2["required"])

	crowd, ok := out["crowd"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"planned", "total", "target", "attempted", "completed", "running", "queued", "failed", "manual_fallback"} {
		require.Contains(t, crowd, key)
	}

	rec, out = do(t, h, http.MethodGet, "/status?project_id=other&run_id=run-1", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, promotion.CodeRunNotFound, out["error"])
}

func TestStatusByTarget(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns(existingRun())
	h := newTestServer(t, runs, nil)

	q := url.Values{"project_id": {"proj-1"}, "url": {"https://example.com/page"}}
	rec, out := do(t, h, http.MethodGet, "/status?"+q.Encode(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "run-1", out["run_id"])

	rec, out = do(t, h, http.MethodGet, "/status?project_id=proj-1&link_id=link-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "run-1", out["run_id"])
	require.Equal(t, []string{"proj-1|https://example.com/page|", "proj-1||link-1"}, runs.latest)

	rec, out = do(t, h, http.MethodGet, "/status?project_id=proj-1&link_id=nope", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, promotion.CodeRunNotFound, out["error"])

	rec, out = do(t, h, http.MethodGet, "/status?project_id=proj-1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, promotion.CodeInvalidRequest, out["error"])
}

func TestReportReturnsDocument(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeRuns(existingRun()), nil)

	rec, out := do(t, h, http.MethodGet, "/report?project_id=proj-1&run_id=run-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, out["ok"])
	require.Equal(t, "https://example.com/page", out["target_url"])
	enabled := out["levels_enabled"].(map[string]any)
	require.Equal(t, true, enabled["level2"])
	require.Equal(t, false, enabled["crowd"])
	body := out["report"].(map[string]any)
	for _, key := range []string{"level1", "level2", "level3", "crowd"} {
		require.Equal(t, []any{}, body[key])
	}

	rec, _ = do(t, h, http.MethodGet, "/report?project_id=proj-1&run_id=missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	t.Parallel()

	runs := newFakeRuns(existingRun())
	h := newTestServer(t, runs, nil)

	rec, out := do(t, h, http.MethodPost, "/cancel?run_id=run-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", out["status"])

	rec, out = do(t, h, http.MethodPost, "/cancel", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, promotion.CodeInvalidRequest, out["error"])

	rec, out = do(t, h, http.MethodPost, "/cancel?run_id=ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, promotion.CodeRunNotFound, out["error"])

	runs.cancelErr = &promotion.RunError{Code: promotion.CodeRunAlreadyTerminal, RunID: "run-1"}
	rec, out = do(t, h, http.MethodPost, "/cancel?run_id=run-1", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, promotion.CodeRunAlreadyTerminal, out["error"])
}

func TestAPIKeyAuth(t *testing.T) {
	t.Parallel()

	h := newTestServer(t, newFakeRuns(existingRun()), func(o *Options) {
		o.Auth = config.AuthConfig{Mode: config.AuthAPIKey, APIKey: "secret"}
	})

	rec, out := do(t, h, http.MethodGet, "/status?run_id=run-1", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, CodeUnauthorized, out["error"])

	rec, _ = do(t, h, http.MethodGet, "/status?run_id=run-1", nil, http.Header{"X-Api-Key": {"secret"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/status?run_id=run-1&api_key=secret", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTAuth(t *testing.T) {
	t.Parallel()

	secret := []byte("hmac-secret")
	h := newTestServer(t, newFakeRuns(existingRun()), func(o *Options) {
		o.Auth = config.AuthConfig{Mode: config.AuthJWT, JWTSecret: string(secret), JWTIssuer: "linkcascade-ui"}
	})
	sign := func(key []byte, issuer string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   "user-7",
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		})
		s, err := tok.SignedString(key)
		require.NoError(t, err)
		return s
	}
	bearer := func(tok string) http.Header { return http.Header{"Authorization": {"Bearer " + tok}} }

	rec, _ := do(t, h, http.MethodGet, "/status?run_id=run-1", nil, bearer(sign(secret, "linkcascade-ui")))
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/status?run_id=run-1", nil, bearer(sign([]byte("other"), "linkcascade-ui")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/status?run_id=run-1", nil, bearer(sign(secret, "someone-else")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/status?run_id=run-1", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProbes(t *testing.T) {
	t.Parallel()

	healthy := newTestServer(t, newFakeRuns(), nil)
	rec, out := do(t, healthy, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", out["status"])

	down := newTestServer(t, newFakeRuns(), func(o *Options) {
		o.Ready = func(context.Context) error { return errors.New("db down") }
	})
	rec, _ = do(t, down, http.MethodGet, "/readyz", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec, _ = do(t, healthy, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}
