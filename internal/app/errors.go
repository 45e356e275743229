package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"ducklets/api/internal/access"
	"ducklets/api/internal/auth"
	"ducklets/api/internal/gitrepo"
	"ducklets/api/internal/protocol"
	"ducklets/api/internal/store"
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrRoomNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, gitrepo.ErrNoHistory):
		return http.StatusNotFound, "NO_HISTORY", "Room has no history", nil
	case errors.Is(err, access.ErrAccessDenied):
		return http.StatusForbidden, "ACCESS_DENIED", "Access denied", nil
	case errors.Is(err, access.ErrNotOwner), errors.Is(err, access.ErrCannotEvictOwner):
		return http.StatusForbidden, "FORBIDDEN", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// ackStatus maps a control request failure to the ack status a client sees.
func ackStatus(err error) string {
	switch {
	case errors.Is(err, access.ErrAccessDenied),
		errors.Is(err, access.ErrNotOwner),
		errors.Is(err, access.ErrCannotEvictOwner):
		return protocol.StatusDenied
	default:
		return protocol.StatusError
	}
}
