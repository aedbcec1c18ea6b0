package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", ErrNotFound, http.StatusNotFound, "not_found"},
		{"wrapped key mismatch", fmt.Errorf("register dev-001: %w", ErrKeyMismatch), http.StatusForbidden, "key_mismatch"},
		{"already registered", ErrAlreadyRegistered, http.StatusConflict, "already_registered"},
		{"not owner", ErrNotOwner, http.StatusForbidden, "not_owner"},
		{"unreachable", fmt.Errorf("write: %w", ErrUnreachable), http.StatusServiceUnavailable, "unreachable"},
		{"mode conflict", ErrModeConflict, http.StatusConflict, "mode_conflict"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.status, HTTPStatus(tc.err))
			assert.Equal(t, tc.code, Code(tc.err))
		})
	}
}
