package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/joseph-ayodele/qmdoc/internal/common"
)

// ContextLimitError reports an over-budget request with the exact counts.
type ContextLimitError struct {
	Provider  string
	Model     string
	Estimated int
	Limit     int
}

func (e *ContextLimitError) Error() string {
	return fmt.Sprintf("context limit exceeded: estimated %d tokens exceeds limit %d of %s (%s) by %d",
		e.Estimated, e.Limit, e.Provider, e.Model, e.Estimated-e.Limit)
}

func (e *ContextLimitError) Is(target error) bool {
	return target == common.ErrContextLimitExceeded
}

// RateLimitError marks a provider error as retryable.
type RateLimitError struct {
	Provider string
	Err      error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: rate limited: %v", e.Provider, e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func (e *RateLimitError) Is(target error) bool {
	return target == common.ErrProviderRateLimited
}

// RateLimited wraps err so IsRateLimited reports true.
func RateLimited(provider string, err error) error {
	return &RateLimitError{Provider: provider, Err: err}
}

func IsRateLimited(err error) bool {
	return errors.Is(err, common.ErrProviderRateLimited)
}

// StatusError is a non-2xx HTTP response from a provider.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.Status, truncate(e.Body, 300))
}

// ClassifyStatus turns an HTTP status into an error, marking 429 as rate limited.
// 2xx returns nil.
func ClassifyStatus(provider string, status int, body []byte) error {
	if status/100 == 2 {
		return nil
	}
	err := &StatusError{Provider: provider, Status: status, Body: string(body)}
	if status == http.StatusTooManyRequests {
		return RateLimited(provider, err)
	}
	return err
}

var rateLimitMarkers = []string{
	"429",
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"quota exceeded",
}

// ClassifyMessage marks err as rate limited when its text carries a rate
// limit marker. SDKs that expose no typed error are classified this way.
func ClassifyMessage(provider string, err error) error {
	if err == nil || IsRateLimited(err) {
		return err
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return RateLimited(provider, err)
		}
	}
	return err
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
