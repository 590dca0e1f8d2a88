// Package llm holds the provider-neutral completion types shared by the
// governor and the concrete provider clients.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. System is sent separately from Messages so
// providers that take a top-level system field can use it directly.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

type Response struct {
	Text         string
	Model        string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Provider is the opaque generate-completion capability.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req Request) (*Response, error)

func (f ProviderFunc) Complete(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// ErrRetryable and ErrFatal classify every provider failure.
var (
	ErrRetryable = errors.New("retryable upstream error")
	ErrFatal     = errors.New("fatal upstream error")
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrRetryable:
		return e.Retryable
	case ErrFatal:
		return !e.Retryable
	}
	return false
}

// Classify turns an HTTP status into a classified error. Timeouts, rate
// limiting and server errors are retryable; everything else is fatal.
func Classify(provider string, status int, err error) *Error {
	return &Error{Provider: provider, StatusCode: status, Retryable: RetryableStatus(status), Err: err}
}

func RetryableStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusConflict:
		return true
	}
	return status >= 500
}

// Transport wraps a failure to reach the provider at all. Caller
// cancellation is fatal; other transport failures are retryable.
func Transport(ctx context.Context, provider string, err error) *Error {
	return &Error{Provider: provider, Retryable: ctx.Err() == nil, Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}
