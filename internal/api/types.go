package api

import (
	"fmt"
	"time"

	"github.com/JakeFAU/linkcascade/internal/coordinator"
	"github.com/JakeFAU/linkcascade/internal/progress"
	"github.com/JakeFAU/linkcascade/internal/promotion"
)

// Codes produced by the HTTP layer and its collaborators.
const (
	CodeURLNotInProject   = "URL_NOT_IN_PROJECT"
	CodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	CodeUnauthorized      = "UNAUTHORIZED"
)

// FundsError is returned by Billing when the project balance is too low.
type FundsError struct {
	Required  float64
	Balance   float64
	Shortfall float64
}

func (e *FundsError) Error() string {
	return fmt.Sprintf("%s: required %.2f, balance %.2f", CodeInsufficientFunds, e.Required, e.Balance)
}

type promoteRequest struct {
	ProjectID    string            `json:"project_id"`
	URL          string            `json:"url"`
	LinkID       string            `json:"link_id"`
	ChargeAmount float64           `json:"charge_amount"`
	Anchor       string            `json:"anchor"`
	Language     string            `json:"language"`
	Wish         string            `json:"wish"`
	TestMode     bool              `json:"test_mode"`
	Tags         map[string]string `json:"tags"`
}

type promoteResponse struct {
	OK        bool                `json:"ok"`
	RunID     string              `json:"run_id"`
	Status    promotion.RunStatus `json:"status"`
	Stage     string              `json:"stage"`
	Target    int                 `json:"target"`
	Done      int                 `json:"done"`
	TargetURL string              `json:"target_url"`
}

type statusResponse struct {
	OK          bool                                       `json:"ok"`
	Status      promotion.RunStatus                        `json:"status"`
	Stage       string                                     `json:"stage"`
	RunID       string                                     `json:"run_id"`
	TargetURL   string                                     `json:"target_url"`
	Target      int                                        `json:"target"`
	Done        int                                        `json:"done"`
	Levels      map[promotion.Level]progress.LevelProgress `json:"levels"`
	Crowd       progress.CrowdProgress                     `json:"crowd"`
	ReportReady bool                                       `json:"report_ready"`
	ReportURI   string                                     `json:"report_uri,omitempty"`
	Error       string                                     `json:"error,omitempty"`
	CreatedAt   time.Time                                  `json:"created_at"`
	StartedAt   *time.Time                                 `json:"started_at"`
	UpdatedAt   time.Time                                  `json:"updated_at"`
	FinishedAt  *time.Time                                 `json:"finished_at"`
}

func newStatusResponse(st coordinator.Status) statusResponse {
	return statusResponse{
		OK:          true,
		Status:      st.Summary.Status,
		Stage:       st.Summary.Stage,
		RunID:       st.Run.ID,
		TargetURL:   st.Run.TargetURL,
		Target:      st.Summary.Target,
		Done:        st.Summary.Done,
		Levels:      st.Summary.Levels,
		Crowd:       st.Summary.Crowd,
		ReportReady: st.Summary.ReportReady,
		ReportURI:   st.Run.ReportURI,
		Error:       st.Run.Error,
		CreatedAt:   st.Run.CreatedAt,
		StartedAt:   st.Run.StartedAt,
		UpdatedAt:   st.Run.UpdatedAt,
		FinishedAt:  st.Run.FinishedAt,
	}
}

type cancelResponse struct {
	OK     bool                `json:"ok"`
	RunID  string              `json:"run_id"`
	Status promotion.RunStatus `json:"status"`
}

type failure struct {
	OK        bool     `json:"ok"`
	Error     string   `json:"error"`
	Message   string   `json:"message,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
	Required  *float64 `json:"required,omitempty"`
	Balance   *float64 `json:"balance,omitempty"`
	Shortfall *float64 `json:"shortfall,omitempty"`
}
