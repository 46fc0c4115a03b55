package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	apperrors "github.com/fusebox-dev/fusebox/pkg/errors"
)

// FailureKind labels why a call against a dependency failed. Kinds feed
// breaker bookkeeping and metrics; they never change control flow.
type FailureKind string

const (
	// FailureTimeout - the call exceeded its deadline
	FailureTimeout FailureKind = "TIMEOUT"
	// FailureOverload - the call was shed by capacity protection
	FailureOverload FailureKind = "OVERLOAD"
	// FailureUnhealthy - the dependency is unreachable or reported unhealthy
	FailureUnhealthy FailureKind = "UNHEALTHY"
	// FailureError - any other failure
	FailureError FailureKind = "ERROR"
)

// ClassifyFailure maps an error to a FailureKind. Structured inspection
// runs first; message matching is a last resort for opaque third-party
// errors that carry no type information.
func ClassifyFailure(err error) FailureKind {
	if err == nil {
		return FailureError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeTimeout:
			return FailureTimeout
		case apperrors.ErrorTypeRateLimit:
			return FailureOverload
		case apperrors.ErrorTypeUnavailable:
			return FailureUnhealthy
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return FailureUnhealthy
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return FailureUnhealthy
	}

	return classifyMessage(err.Error())
}

// classifyMessage inspects the error text. Only reached for errors
// without structured type information.
func classifyMessage(msg string) FailureKind {
	msg = strings.ToLower(msg)

	switch {
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "timed out"),
		strings.Contains(msg, "deadline exceeded"):
		return FailureTimeout
	case strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "overload"),
		strings.Contains(msg, "capacity"),
		strings.Contains(msg, "rate limit"):
		return FailureOverload
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unavailable"),
		strings.Contains(msg, "unhealthy"):
		return FailureUnhealthy
	default:
		return FailureError
	}
}
