package common

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// AppError represents application-specific errors
type AppError struct {
	Code    string
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Common application errors
var (
	ErrNotFound     = errors.New("resource not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrStorage      = errors.New("storage error")
	ErrValidation   = errors.New("validation failed")
)

// Analysis failure taxonomy.
//
// AllProvidersExhausted has no sentinel: the fallback chain always ends with the
// rule-based provider, which cannot fail, so exhaustion is unreachable.
var (
	// ErrProviderUnavailable means the availability probe failed or timed out.
	// The chain skips to the next candidate.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderRateLimited is retried on the same candidate up to the retry
	// ceiling, then treated like ErrProviderUnavailable.
	ErrProviderRateLimited = errors.New("provider rate limited")
	// ErrProviderResponseMalformed never reaches callers; the recovery parser
	// absorbs it.
	ErrProviderResponseMalformed = errors.New("provider response malformed")
	// ErrContextLimitExceeded fails the call before anything is dispatched.
	ErrContextLimitExceeded = errors.New("context limit exceeded")
	// ErrStageDependencyMissing aborts the run.
	ErrStageDependencyMissing = errors.New("stage dependency missing")
)

func NewAppError(code, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// ToStatus maps domain errors onto gRPC status codes.
func ToStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrContextLimitExceeded):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrStageDependencyMissing):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrStorage):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
