package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	domain := errors.New("query parse error")
	tests := []struct {
		name    string
		err     error
		status  int
		errType string
	}{
		{"invalid input", ErrInvalidInput, http.StatusBadRequest, "validation_error"},
		{"wrapped not found", fmt.Errorf("get: %w", ErrNotFound), http.StatusNotFound, "not_found"},
		{"too large", ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large"},
		{"unavailable", ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
		{"app error", Wrap(ErrInvalidInput, domain, "bad query"), http.StatusBadRequest, "validation_error"},
		{"explicit status", New(ErrInternal, http.StatusTeapot, "odd"), http.StatusTeapot, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.status {
				t.Errorf("HTTPStatusCode = %d, want %d", got, tt.status)
			}
			if got := ErrorType(tt.err); got != tt.errType {
				t.Errorf("ErrorType = %q, want %q", got, tt.errType)
			}
		})
	}
}

func TestAppErrorUnwrapsBoth(t *testing.T) {
	cause := errors.New("schema conflict")
	err := fmt.Errorf("handler: %w", Wrap(ErrInvalidInput, cause, "cannot register field"))
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("class not visible through Unwrap")
	}
	if !errors.Is(err, cause) {
		t.Error("cause not visible through Unwrap")
	}
	if got := Newf(ErrNotFound, 404, "document %q", "x").Message; got != `document "x"` {
		t.Errorf("Newf message = %q", got)
	}
}
