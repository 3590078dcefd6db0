package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Category classifies why an extraction call failed
type Category string

const (
	CategoryPayloadTooLarge Category = "payload_too_large"
	CategoryRateLimited     Category = "rate_limited"
	CategoryServerError     Category = "server_error"
	CategoryClientError     Category = "client_error"
	CategoryTimeout         Category = "timeout"
	CategoryNetwork         Category = "network"
	CategoryDecode          Category = "decode"
	CategoryEmptyResponse   Category = "empty_response"
	CategoryCanceled        Category = "canceled"
)

// Error is a failed extraction call
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Category)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CategoryOf returns the category of err, or "" when err is not an *Error
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return ""
}

func statusCategory(code int) Category {
	switch {
	case code == http.StatusRequestEntityTooLarge:
		return CategoryPayloadTooLarge
	case code == http.StatusTooManyRequests:
		return CategoryRateLimited
	case code >= 500:
		return CategoryServerError
	default:
		return CategoryClientError
	}
}

// transportError classifies an error returned by http.Client.Do
func transportError(ctx context.Context, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &Error{Category: CategoryTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Category: CategoryCanceled, Err: err}
	}

	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &Error{Category: CategoryTimeout, Err: err}
	}
	return &Error{Category: CategoryNetwork, Err: err}
}
