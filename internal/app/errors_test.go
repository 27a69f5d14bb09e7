package app

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"tandem/api/internal/auth"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/store"
	"tandem/api/internal/teams"
	"tandem/api/internal/versions"
)

func TestMapError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"domain", domainError(http.StatusTeapot, "TEAPOT", "short and stout", nil), http.StatusTeapot, "TEAPOT"},
		{"wrapped not found", fmt.Errorf("load version: %w", store.ErrNotFound), http.StatusNotFound, "NOT_FOUND"},
		{"version conflict", fmt.Errorf("create version: %w", store.ErrConflict), http.StatusConflict, "VERSION_CONFLICT"},
		{"team full", teams.ErrTeamFull, http.StatusConflict, "TEAM_FULL"},
		{"rollback without snapshot", fmt.Errorf("rollback: %w", versions.ErrNoSnapshot), http.StatusUnprocessableEntity, "NO_SNAPSHOT"},
		{"missing archive", gitrepo.ErrNoArchive, http.StatusNotFound, "ARCHIVE_NOT_FOUND"},
		{"expired token", auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
		{"unknown", errors.New("disk on fire"), http.StatusInternalServerError, "SERVER_ERROR"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, code, _, _ := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, code)
		})
	}
}

func TestMapErrorKeepsValidationText(t *testing.T) {
	_, code, message, _ := mapError(fmt.Errorf("%w: name is required", teams.ErrInvalidInput))
	assert.Equal(t, "INVALID_INPUT", code)
	assert.Contains(t, message, "name is required")

	_, _, message, _ = mapError(errors.New("pq: password authentication failed"))
	assert.Equal(t, "Server error", message)
}
