package governor

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeInvalidRequest   Code = "invalid_request"
	CodeQuotaExceeded    Code = "quota_exceeded"
	CodeQuotaUnavailable Code = "quota_unavailable"
	CodeContextOverflow  Code = "context_overflow"
	CodeCacheUnavailable Code = "cache_unavailable"
	CodeUpstream         Code = "upstream_error"
	CodeCanceled         Code = "request_cancelled"
	CodeInternal         Code = "internal_error"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Code.
var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrQuotaUnavailable = errors.New("quota ledger unavailable")
	ErrContextOverflow  = errors.New("context overflow")
	ErrCacheUnavailable = errors.New("conversation cache unavailable")
	ErrUpstream         = errors.New("upstream generation failed")
	ErrCanceled         = errors.New("request cancelled")
	ErrInternal         = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeInvalidRequest:   ErrInvalidRequest,
	CodeQuotaExceeded:    ErrQuotaExceeded,
	CodeQuotaUnavailable: ErrQuotaUnavailable,
	CodeContextOverflow:  ErrContextOverflow,
	CodeCacheUnavailable: ErrCacheUnavailable,
	CodeUpstream:         ErrUpstream,
	CodeCanceled:         ErrCanceled,
	CodeInternal:         ErrInternal,
}

// Error is what HandleQuery returns for every aborted request.
type Error struct {
	Code   Code
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("governor: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("governor: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() []error {
	if e == nil {
		return nil
	}
	out := make([]error, 0, 2)
	if s, ok := sentinels[e.Code]; ok {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func newError(code Code, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code of the *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
