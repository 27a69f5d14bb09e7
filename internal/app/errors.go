package app

import (
	"errors"
	"fmt"
	"net/http"

	"tandem/api/internal/auth"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/store"
	"tandem/api/internal/teams"
	"tandem/api/internal/versions"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errForbidden = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Checked in order; package sentinels precede the store ones.
var errorMappings = []errorMapping{
	{teams.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", ""},
	{teams.ErrInvalidRole, http.StatusBadRequest, "INVALID_ROLE", ""},
	{teams.ErrInvalidStatus, http.StatusBadRequest, "INVALID_STATUS", ""},
	{teams.ErrDuplicateMember, http.StatusConflict, "DUPLICATE_MEMBER", "Member already invited"},
	{teams.ErrTeamFull, http.StatusConflict, "TEAM_FULL", "Team member limit reached"},
	{teams.ErrOwnerImmutable, http.StatusConflict, "OWNER_IMMUTABLE", "The team owner cannot be changed or removed"},
	{teams.ErrMemberNotFound, http.StatusNotFound, "MEMBER_NOT_FOUND", "Member not found"},
	{teams.ErrNotPending, http.StatusConflict, "INVITE_NOT_PENDING", "Invitation is not pending"},
	{versions.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT", ""},
	{versions.ErrNoSnapshot, http.StatusUnprocessableEntity, "NO_SNAPSHOT", "Version has no snapshot"},
	{versions.ErrArchiveDisabled, http.StatusNotFound, "ARCHIVE_DISABLED", "Snapshot archive is not configured"},
	{gitrepo.ErrNoArchive, http.StatusNotFound, "ARCHIVE_NOT_FOUND", "No archive for project"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{store.ErrConflict, http.StatusConflict, "VERSION_CONFLICT", "Version already exists"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			message := m.message
			if message == "" {
				// Validation errors carry the offending field in their text.
				message = err.Error()
			}
			return m.status, m.code, message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
