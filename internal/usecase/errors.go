package usecase

import (
	"context"
	"errors"
	"fmt"
	"net"
)

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
	ErrorUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
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

// isTimeout reports whether err came from a bounded call running out of time.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// upstreamError classifies a failed gateway call.
func upstreamError(reason string, err error) *Error {
	if isTimeout(err) {
		return newError(ErrorUpstreamTimeout, reason+"_timeout", err)
	}
	if status, ok := upstreamStatusCode(err); ok {
		return newError(ErrorUpstream, fmt.Sprintf("%s_status_%d", reason, status), err)
	}
	return newError(ErrorUpstream, reason, err)
}
