package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so every layer can report it the same way.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUnauthorized      Kind = "unauthorized"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptMedia      Kind = "corrupt_media"
	KindResourceExhausted Kind = "resource_exhausted"
	KindTimeout           Kind = "timeout"
	KindModelNotCached    Kind = "model_not_cached"
	KindInference         Kind = "inference_error"
	KindWorkerCrashed     Kind = "worker_crashed"
	KindInternal          Kind = "internal_error"
)

// Retryable reports whether a caller may retry the same request unchanged.
func (k Kind) Retryable() bool {
	switch k {
	case KindResourceExhausted, KindTimeout, KindWorkerCrashed:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Message is safe to show to callers; Err is
// kept for logs only.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Fatal marks failures that leave the worker process in a state it should
	// not continue from (e.g. the recognizer was killed for running out of memory).
	Fatal bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func NewError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Errorf builds a classified error with a formatted caller-facing message.
func Errorf(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first classified error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindInternal
}

// MessageOf returns the caller-facing message for err.
func MessageOf(err error) string {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Message
	}
	return "internal error"
}

func IsFatal(err error) bool {
	var classified *Error
	return errors.As(err, &classified) && classified.Fatal
}
