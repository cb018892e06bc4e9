package analyzer

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
)

type statusCoder interface {
	StatusCode() int
}

type permanent interface {
	Permanent() bool
}

// IsRetryable reports whether err is worth another attempt: timeouts,
// connection failures and 5xx answers. 4xx answers and application errors
// are permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}

	var perm permanent
	if errors.As(err, &perm) && perm.Permanent() {
		return false
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= http.StatusInternalServerError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF):
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsPermanent reports whether err is a definitive answer from the analyzer
// that a later attempt would repeat: 4xx answers, error envelopes and
// undecodable bodies. An open breaker or a cancelled context is not.
func IsPermanent(err error) bool {
	if err == nil || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !IsRetryable(err)
}
