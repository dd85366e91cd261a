package usecase

import (
	"context"
	"errors"
	"fmt"

	"invoice-agent/internal/repository"
)

type ErrorCode string

const (
	ErrorInvalidInput     ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized     ErrorCode = "UNAUTHORIZED"
	ErrorValidation       ErrorCode = "VALIDATION_ERROR"
	ErrorNotFound         ErrorCode = "NOT_FOUND"
	ErrorConflict         ErrorCode = "CONFLICT"
	ErrorQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	ErrorRateLimited      ErrorCode = "RATE_LIMITED"
	ErrorUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrorRenderFailed     ErrorCode = "RENDER_FAILED"
	ErrorStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"
	ErrorInternal         ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// storeError classifies a repository failure.
func storeError(reason string, err error) *Error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return newError(ErrorNotFound, reason, err)
	case errors.Is(err, repository.ErrConflict):
		return newError(ErrorConflict, reason, err)
	case errors.Is(err, repository.ErrInvalidCursor):
		return newError(ErrorInvalidInput, reason, err)
	case errors.Is(err, repository.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return newError(ErrorStoreUnavailable, reason, err)
	default:
		return newError(ErrorInternal, reason, err)
	}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
