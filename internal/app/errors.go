package app

import (
	"errors"
	"fmt"
	"net/http"

	"plixmap/api/internal/assets"
	"plixmap/api/internal/auth"
	"plixmap/api/internal/lockd"
	"plixmap/api/internal/revision"
	"plixmap/api/internal/store"
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

type sentinel struct {
	err    error
	status int
	code   string
}

// sentinels maps package errors to HTTP responses; the first match wins.
var sentinels = []sentinel{
	{lockd.ErrLocked, http.StatusConflict, "LOCKED"},
	{lockd.ErrReserved, http.StatusConflict, "RESERVED"},
	{lockd.ErrNotLocked, http.StatusConflict, "NOT_LOCKED"},
	{lockd.ErrForceActive, http.StatusConflict, "FORCE_ACTIVE"},
	{lockd.ErrForceGrace, http.StatusConflict, "FORCE_GRACE"},
	{lockd.ErrRequestResolved, http.StatusConflict, "REQUEST_RESOLVED"},
	{lockd.ErrNotHolder, http.StatusForbidden, "NOT_HOLDER"},
	{lockd.ErrNotRequester, http.StatusForbidden, "NOT_REQUESTER"},
	{lockd.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{lockd.ErrInvalidGrant, http.StatusUnprocessableEntity, "INVALID_GRANT"},
	{lockd.ErrInvalidGrace, http.StatusUnprocessableEntity, "INVALID_GRACE"},
	{lockd.ErrTargetMismatch, http.StatusUnprocessableEntity, "TARGET_MISMATCH"},
	{lockd.ErrSelfRequest, http.StatusUnprocessableEntity, "SELF_REQUEST"},
	{lockd.ErrRequestNotFound, http.StatusNotFound, "REQUEST_NOT_FOUND"},
	{lockd.ErrForceNotFound, http.StatusNotFound, "FORCE_NOT_FOUND"},
	{assets.ErrNotFound, http.StatusNotFound, "ASSET_NOT_FOUND"},
	{assets.ErrInvalidURL, http.StatusUnprocessableEntity, "INVALID_DATA_URL"},
	{assets.ErrTooLarge, http.StatusRequestEntityTooLarge, "ASSET_TOO_LARGE"},
	{revision.ErrExists, http.StatusConflict, "REVISION_EXISTS"},
	{revision.ErrNotFound, http.StatusNotFound, "REVISION_NOT_FOUND"},
	{revision.ErrInvalidName, http.StatusUnprocessableEntity, "VALIDATION_ERROR"},
	{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.status, s.code, s.err.Error(), nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
