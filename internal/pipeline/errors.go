package pipeline

import (
	"fmt"
	"net/http"
)

// Kind classifies a failed request. Its string is the wire value of the
// error envelope's "kind" field.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindCorruptImage      Kind = "corrupt_image"
	KindTooLarge          Kind = "too_large"
	KindInference         Kind = "inference_error"
	KindOverloaded        Kind = "overloaded"
	KindTimeout           Kind = "timeout"
	KindCanceled          Kind = "canceled"
	KindUnauthorized      Kind = "unauthorized"
	KindInternal          Kind = "internal_error"
	// KindModelLoad only happens at startup and terminates the process.
	KindModelLoad Kind = "model_load_error"
)

// StatusClientClosedRequest is the non-standard status for a caller that
// went away before the response was ready.
const StatusClientClosedRequest = 499

// HTTPStatus maps a kind to its response status.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindCorruptImage:
		return http.StatusBadRequest
	case KindUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindOverloaded:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		return StatusClientClosedRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// Error is a request failure together with the state it failed from.
type Error struct {
	Kind   Kind
	Detail string
	State  State
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s in state %s: %s: %v", e.Kind, e.State, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s in state %s: %s", e.Kind, e.State, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Validation builds a validation_error raised before the pipeline runs, e.g.
// by the transport when a form field is missing.
func Validation(detail string) *Error {
	return &Error{Kind: KindValidation, Detail: detail, State: StateReceived}
}
