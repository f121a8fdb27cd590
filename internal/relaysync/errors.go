package relaysync

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrQueueFull       = errors.New("queue full")
	ErrSweepInProgress = errors.New("sweep already in progress")
	ErrUnknownEntity   = errors.New("unknown entity type")
	ErrNoAdapter       = errors.New("no adapter for store")
	ErrEngineStopped   = errors.New("engine stopped")
	ErrUnmapped        = errors.New("no mapping for source collection")
	ErrNativeIDClaimed = errors.New("native id already mapped to another record")
)

type ErrorClass string

const (
	ErrorClassNone        ErrorClass = ""
	ErrorClassAuth        ErrorClass = "auth"
	ErrorClassRateLimited ErrorClass = "rate_limited"
	ErrorClassTransient   ErrorClass = "transient"
	ErrorClassValidation  ErrorClass = "validation"
	ErrorClassNotFound    ErrorClass = "not_found"
)

func (c ErrorClass) Retryable() bool {
	return c == ErrorClassRateLimited || c == ErrorClassTransient
}

func (c ErrorClass) Fatal() bool {
	return c == ErrorClassAuth
}

// AdapterError is returned by store adapters so the orchestrator can route failures
// without knowing the native protocol.
type AdapterError struct {
	Store StoreKind
	Op    string
	Class ErrorClass
	Err   error
}

func (e *AdapterError) Error() string {
	var b strings.Builder
	b.WriteString(e.Store.String())
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Class))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

func (e *AdapterError) Is(target error) bool {
	return target == ErrNotFound && e.Class == ErrorClassNotFound
}

func NewAdapterError(store StoreKind, op string, class ErrorClass, err error) *AdapterError {
	return &AdapterError{Store: store, Op: op, Class: class, Err: err}
}

func AuthError(store StoreKind, op string, err error) error {
	return NewAdapterError(store, op, ErrorClassAuth, err)
}

func RateLimitedError(store StoreKind, op string, err error) error {
	return NewAdapterError(store, op, ErrorClassRateLimited, err)
}

func TransientError(store StoreKind, op string, err error) error {
	return NewAdapterError(store, op, ErrorClassTransient, err)
}

func ValidationError(store StoreKind, op string, err error) error {
	return NewAdapterError(store, op, ErrorClassValidation, err)
}

func NotFoundError(store StoreKind, op string, nativeID string) error {
	return NewAdapterError(store, op, ErrorClassNotFound, fmt.Errorf("%w: %s", ErrNotFound, nativeID))
}

// ClassifyError maps any error onto the failure taxonomy. Unknown errors are treated as
// transient so they go through bounded retry instead of being dropped.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) && adapterErr.Class != ErrorClassNone {
		return adapterErr.Class
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrorClassNotFound
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnknownEntity), errors.Is(err, ErrNativeIDClaimed):
		return ErrorClassValidation
	default:
		return ErrorClassTransient
	}
}
