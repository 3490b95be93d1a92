package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fmueller/voxscribe/internal/domain"
)

// ErrorBody is the JSON shape of every failed response.
type ErrorBody struct {
	ErrorKind domain.Kind `json:"error_kind"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	case domain.KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case domain.KindCorruptMedia:
		return http.StatusUnprocessableEntity
	case domain.KindResourceExhausted:
		return http.StatusServiceUnavailable
	case domain.KindTimeout:
		return http.StatusGatewayTimeout
	case domain.KindWorkerCrashed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// classify turns context errors into timeouts and leaves classified errors alone.
func classify(err error) error {
	var classified *domain.Error
	if errors.As(err, &classified) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.Errorf(domain.KindTimeout, err, "request exceeded its time budget")
	}
	return domain.NewError(domain.KindInternal, "internal error", err)
}

// WriteError renders err as an ErrorBody. Only the classified message reaches
// the caller; wrapped causes stay in logs.
func WriteError(w http.ResponseWriter, err error) {
	err = classify(err)
	kind := domain.KindOf(err)
	if kind == domain.KindResourceExhausted {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, StatusFor(kind), ErrorBody{
		ErrorKind: kind,
		Message:   domain.MessageOf(err),
		Retryable: kind.Retryable(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
