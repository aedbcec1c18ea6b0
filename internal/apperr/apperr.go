// Package apperr defines the error taxonomy shared by the registry, control
// and telemetry layers, and its mapping onto HTTP responses.
package apperr

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound          = errors.New("device not found")
	ErrKeyMismatch       = errors.New("serial key does not match")
	ErrAlreadyRegistered = errors.New("device is already registered")
	ErrNotOwner          = errors.New("caller does not own the device")
	ErrUnreachable       = errors.New("store unreachable")
	ErrModeConflict      = errors.New("operation not allowed in the current pump mode")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrInvalidArgument   = errors.New("invalid argument")
)

type mapping struct {
	err    error
	status int
	code   string
}

var mappings = []mapping{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrKeyMismatch, http.StatusForbidden, "key_mismatch"},
	{ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
	{ErrNotOwner, http.StatusForbidden, "not_owner"},
	{ErrModeConflict, http.StatusConflict, "mode_conflict"},
	{ErrMalformedPayload, http.StatusBadRequest, "malformed_payload"},
	{ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{ErrUnreachable, http.StatusServiceUnavailable, "unreachable"},
}

// HTTPStatus returns the response status for err, defaulting to 500.
func HTTPStatus(err error) int {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// Code returns the stable machine-readable code for err.
func Code(err error) string {
	for _, m := range mappings {
		if errors.Is(err, m.err) {
			return m.code
		}
	}
	return "internal"
}
