package clients

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/deckflow/backend/internal/apperrors"
	"github.com/deckflow/backend/internal/llm"
)

// shouldRetry reports whether an HTTP status is worth another attempt.
func shouldRetry(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify turns a transport or provider error into a Result. Only timeouts,
// 429 and 5xx are retriable; everything else fails the stage immediately.
func classify[T any](service string, err error) Result[T] {
	if err == nil {
		panic("classify called with nil error")
	}

	if errors.Is(err, context.Canceled) {
		return Fatal[T](apperrors.Internal(service+" call cancelled", err))
	}
	if isTimeout(err) {
		return Retriable[T](apperrors.ExternalService(service+" timed out", true, err))
	}

	var se *llm.StatusError
	if errors.As(err, &se) {
		msg := fmt.Sprintf("%s returned status %d", service, se.StatusCode)
		if shouldRetry(se.StatusCode) {
			r := Retriable[T](apperrors.ExternalService(msg, true, err))
			r.RetryAfter = se.RetryAfter
			return r
		}
		if se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden {
			msg = fmt.Sprintf("%s rejected credentials (status %d)", service, se.StatusCode)
		}
		return Fatal[T](apperrors.ExternalService(msg, false, err))
	}

	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return Fatal[T](err)
	}

	var ue *llm.UpstreamError
	if errors.As(err, &ue) {
		return Fatal[T](apperrors.ExternalService(service+" reported an error: "+ue.Message, false, err))
	}
	if errors.Is(err, llm.ErrStreamTruncated) {
		return Fatal[T](apperrors.Protocol(service+" stream ended unexpectedly", err))
	}
	return Fatal[T](apperrors.ExternalService(service+" request failed", false, err))
}
