package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	// ErrNoCredentials is returned before any network call when no API key is configured.
	ErrNoCredentials = errors.New("llm: no API key configured, add at least one key in settings")
	// ErrContentBlocked marks a safety or moderation refusal by the backend.
	ErrContentBlocked = errors.New("llm: response blocked by content policy, try lowering the safety threshold")
	ErrEmptyResponse  = errors.New("llm: response contains no candidates")
)

// APIError is a non-2xx answer from the generation backend.
// Reason is the first details[].reason of the error envelope, e.g. API_KEY_INVALID.
type APIError struct {
	Status  int
	Code    string
	Reason  string
	Message string
}

func (e *APIError) Error() string {
	if e == nil {
		return "llm: <nil api error>"
	}
	if e.Code != "" && e.Reason != "" {
		return fmt.Sprintf("llm: api error %d %s/%s: %s", e.Status, e.Code, e.Reason, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("llm: api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("llm: api error %d: %s", e.Status, e.Message)
}

// BlockedError carries the reason reported for a blocked prompt or candidate.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s (%s)", ErrContentBlocked.Error(), e.Reason)
}

func (e *BlockedError) Unwrap() error {
	return ErrContentBlocked
}

type failureKind int

const (
	failureTerminal failureKind = iota
	failureContentBlocked
	failureRecoverable
)

func (k failureKind) String() string {
	switch k {
	case failureContentBlocked:
		return "content_blocked"
	case failureRecoverable:
		return "quota_or_auth"
	default:
		return "terminal"
	}
}

var recoverableCodes = []string{
	"RESOURCE_EXHAUSTED",
	"API_KEY_INVALID",
	"PERMISSION_DENIED",
	"UNAUTHENTICATED",
}

// classifyFailure sorts a generation error into the retry policy buckets.
func classifyFailure(err error) failureKind {
	if err == nil {
		return failureTerminal
	}
	if errors.Is(err, ErrContentBlocked) {
		return failureContentBlocked
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests, http.StatusUnauthorized, http.StatusForbidden:
			return failureRecoverable
		}
		code := strings.ToUpper(apiErr.Code)
		reason := strings.ToUpper(apiErr.Reason)
		for _, candidate := range recoverableCodes {
			if code == candidate || reason == candidate || strings.Contains(strings.ToUpper(apiErr.Message), candidate) {
				return failureRecoverable
			}
		}
		// Gemini reports a rejected key as 400 INVALID_ARGUMENT.
		if strings.Contains(strings.ToLower(apiErr.Message), "api key") {
			return failureRecoverable
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "safety") {
			return failureContentBlocked
		}
		return failureTerminal
	}

	lowered := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowered, "safety"), strings.Contains(lowered, "blocked"):
		return failureContentBlocked
	case strings.Contains(lowered, "quota"), strings.Contains(lowered, "429"), strings.Contains(lowered, "api key"):
		return failureRecoverable
	}
	return failureTerminal
}
