package types

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Error is a client-facing failure carried back in an error reply.
type Error struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Payload renders the error as reply data.
func (e *Error) Payload() map[string]any {
	data := map[string]any{
		"status":  e.Status,
		"code":    e.Code,
		"message": e.Message,
	}
	if e.RetryAfter > 0 {
		data["retry_after"] = int(math.Ceil(e.RetryAfter.Seconds()))
	}
	return data
}

func ErrBadRequest(format string, args ...any) *Error {
	return &Error{Status: 400, Code: "bad_request", Message: fmt.Sprintf(format, args...)}
}

func ErrUnauthenticated(format string, args ...any) *Error {
	return &Error{Status: 401, Code: "unauthenticated", Message: fmt.Sprintf(format, args...)}
}

func ErrForbidden(format string, args ...any) *Error {
	return &Error{Status: 403, Code: "forbidden", Message: fmt.Sprintf(format, args...)}
}

func ErrRateLimited(retryAfter time.Duration) *Error {
	return &Error{Status: 429, Code: "rate_limited", Message: "too many messages", RetryAfter: retryAfter}
}

func ErrInternal(format string, args ...any) *Error {
	return &Error{Status: 500, Code: "internal", Message: fmt.Sprintf(format, args...)}
}

// AsError converts any error into a client-facing Error, defaulting to 500.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal("%v", err)
}
