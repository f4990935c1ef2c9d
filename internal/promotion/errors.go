package promotion

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// Adapter failure codes.
const (
	CodeLoginRequired    = "LOGIN_REQUIRED"
	CodeFormNotFound     = "FORM_NOT_FOUND"
	CodeSubmitNotFound   = "SUBMIT_NOT_FOUND"
	CodeNoURLInResponse  = "NO_URL_IN_RESPONSE"
	CodeBrowserError     = "BROWSER_ERROR"
	CodeAdapterNotFound  = "ADAPTER_NOT_FOUND"
	CodeAdapterTimeout   = "ADAPTER_TIMEOUT"
	CodeInvalidAdapterIO = "INVALID_ADAPTER_OUTPUT"
)

// Captcha failure codes.
const (
	CodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	CodeSolveTimeout        = "SOLVE_TIMEOUT"
	CodeUnsupportedType     = "UNSUPPORTED_TYPE"
)

// Content failure codes.
const (
	CodeEmptyArticle         = "EMPTY_ARTICLE_CONTENT"
	CodeGenerationFailed     = "GENERATION_FAILED"
	CodeLinkValidationFailed = "LINK_VALIDATION_FAILED"
)

// Scheduling failure codes.
const (
	CodeNoEligibleAdapters = "NO_ELIGIBLE_ADAPTERS"
	CodeLevelUnreachable   = "LEVEL_UNREACHABLE"
)

// Run failure codes.
const (
	CodeRunNotFound        = "RUN_NOT_FOUND"
	CodeRunAlreadyTerminal = "RUN_ALREADY_TERMINAL"
	CodeRunActive          = "RUN_ACTIVE"
	CodeLevel1Disabled     = "LEVEL1_DISABLED"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeInternal           = "INTERNAL_ERROR"
	CodeQueueUnavailable   = "QUEUE_UNAVAILABLE"
)

// AdapterError reports a failed publication attempt.
type AdapterError struct {
	Code           string
	Network        string
	ManualFallback bool
	Err            error
}

// HTTPStatusCode builds the HTTP_<code> adapter failure code.
func HTTPStatusCode(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

func (e *AdapterError) Error() string {
	msg := "adapter " + e.Code
	if e.Network != "" {
		msg = e.Network + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches another AdapterError carrying the same code.
func (e *AdapterError) Is(target error) bool {
	t, ok := target.(*AdapterError)
	return ok && t.Code == e.Code
}

// CaptchaError reports a captcha resolution failure.
type CaptchaError struct {
	Code     string
	Provider string
	Err      error
}

func (e *CaptchaError) Error() string {
	msg := "captcha " + e.Code
	if e.Provider != "" {
		msg += " (" + e.Provider + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CaptchaError) Unwrap() error { return e.Err }

// Is matches another CaptchaError carrying the same code.
func (e *CaptchaError) Is(target error) bool {
	t, ok := target.(*CaptchaError)
	return ok && t.Code == e.Code
}

// ContentError reports a content generation failure.
type ContentError struct {
	Code string
	Err  error
}

func (e *ContentError) Error() string {
	if e.Err != nil {
		return "content " + e.Code + ": " + e.Err.Error()
	}
	return "content " + e.Code
}

func (e *ContentError) Unwrap() error { return e.Err }

// Is matches another ContentError carrying the same code.
func (e *ContentError) Is(target error) bool {
	t, ok := target.(*ContentError)
	return ok && t.Code == e.Code
}

// SchedulingError reports that a level cannot make progress.
type SchedulingError struct {
	Code  string
	Level Level
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("level %s: %s", e.Level, e.Code)
}

// Is matches another SchedulingError carrying the same code.
func (e *SchedulingError) Is(target error) bool {
	t, ok := target.(*SchedulingError)
	return ok && t.Code == e.Code
}

// RunError reports a coordinator-level request failure.
type RunError struct {
	Code  string
	RunID string
}

func (e *RunError) Error() string {
	if e.RunID == "" {
		return e.Code
	}
	return e.Code + ": " + e.RunID
}

// Is matches another RunError carrying the same code.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is matching.
var (
	ErrRunNotFound        = &RunError{Code: CodeRunNotFound}
	ErrRunAlreadyTerminal = &RunError{Code: CodeRunAlreadyTerminal}
	ErrRunActive          = &RunError{Code: CodeRunActive}
	ErrLevel1Disabled     = &RunError{Code: CodeLevel1Disabled}
	ErrNoEligibleAdapters = &SchedulingError{Code: CodeNoEligibleAdapters}
	ErrLevelUnreachable   = &SchedulingError{Code: CodeLevelUnreachable}
	ErrUnsupportedCaptcha = &CaptchaError{Code: CodeUnsupportedType}
	ErrSolveTimeout       = &CaptchaError{Code: CodeSolveTimeout}
	ErrProviderDown       = &CaptchaError{Code: CodeProviderUnavailable}
)

// ErrorCode extracts the taxonomy code from any domain error in the chain.
func ErrorCode(err error) string {
	var (
		ae *AdapterError
		ce *CaptchaError
		te *ContentError
		se *SchedulingError
		re *RunError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ae):
		return ae.Code
	case errors.As(err, &ce):
		return ce.Code
	case errors.As(err, &te):
		return te.Code
	case errors.As(err, &se):
		return se.Code
	case errors.As(err, &re):
		return re.Code
	default:
		return ""
	}
}
