// Package apierr defines the typed domain errors every layer of the write
// path can raise, and the single mapping from error kind to HTTP status
// that every handler funnels through.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one of the error kinds the write path can raise.
type Kind string

const (
	KindValidation         Kind = "Validation"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindInsufficientStock  Kind = "InsufficientStock"
	KindIdempotencyConflict Kind = "IdempotencyConflict"
	KindLockRejection      Kind = "LockRejection"
	KindSaturated          Kind = "Saturated"
	KindLoadShed           Kind = "LoadShed"
	KindRateLimited        Kind = "RateLimited"
	KindBreakerOpen        Kind = "BreakerOpen"
	KindTimeout            Kind = "Timeout"
	KindLockLost           Kind = "LockLost"
	KindInternal           Kind = "Internal"
)

// statusFor is the one authoritative kind -> HTTP status mapping.
var statusFor = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindInsufficientStock:   http.StatusUnprocessableEntity,
	KindIdempotencyConflict: http.StatusConflict,
	KindLockRejection:       http.StatusServiceUnavailable,
	KindSaturated:           http.StatusServiceUnavailable,
	KindLoadShed:            http.StatusServiceUnavailable,
	KindRateLimited:         http.StatusTooManyRequests,
	KindBreakerOpen:         http.StatusServiceUnavailable,
	KindTimeout:             http.StatusServiceUnavailable,
	KindLockLost:            http.StatusInternalServerError,
	KindInternal:            http.StatusInternalServerError,
}

// Error is a typed domain error carrying enough context to build the
// standard {success:false, error:{...}} response body.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]any
	RetryAfter time.Duration // zero means "no Retry-After header"
	LockKey    string        // set only for KindLockRejection
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// StatusCode returns the HTTP status for this error's kind.
func (e *Error) StatusCode() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New builds a Kind error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a Kind error wrapping a lower-level cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithDetails attaches structured details (e.g. expected/current version).
func (e *Error) WithDetails(d map[string]any) *Error {
	e.Details = d
	return e
}

// WithRetryAfter attaches a Retry-After duration.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithLockKey attaches the contended lock key (LockRejection only).
func (e *Error) WithLockKey(key string) *Error {
	e.LockKey = key
	return e
}

// As-style helpers for callers that need to branch on kind without
// importing net/http.

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, fmt.Sprintf(format, args...))
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

// Conflict builds a KindConflict error with expected/current version
// details.
func Conflict(sku, storeID string, expected, current int64) *Error {
	return New(KindConflict, fmt.Sprintf("version conflict for %s/%s", storeID, sku)).
		WithDetails(map[string]any{
			"sku":      sku,
			"storeId":  storeID,
			"expected": expected,
			"current":  current,
		})
}

// InsufficientStock builds a KindInsufficientStock error.
func InsufficientStock(sku, storeID string, have, want int64) *Error {
	return New(KindInsufficientStock, fmt.Sprintf("insufficient stock for %s/%s", storeID, sku)).
		WithDetails(map[string]any{
			"sku":       sku,
			"storeId":   storeID,
			"available": have,
			"requested": want,
		})
}

// IdempotencyConflict builds a KindIdempotencyConflict error.
func IdempotencyConflict(key string) *Error {
	return New(KindIdempotencyConflict, fmt.Sprintf("idempotency key %q reused with a different payload", key))
}

// LockRejection builds a KindLockRejection error with Retry-After and
// X-Lock-Key context.
func LockRejection(sku string, retryAfter time.Duration) *Error {
	return New(KindLockRejection, fmt.Sprintf("lease for %q is held by another process", sku)).
		WithRetryAfter(retryAfter).
		WithLockKey(sku)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// As extracts the *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
