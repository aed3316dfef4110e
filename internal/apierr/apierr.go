// Package apierr defines the stable error taxonomy the HTTP surface reports
// to callers. Every rejection path — admission filters, validation, sandbox
// checks, job lookups — produces one of these instead of an ad hoc
// http.Error call, so the envelope a browser sees is always {errorCode,message}.
package apierr

import (
	"encoding/json"
	"net/http"
)

// Error is a user-safe API error carrying its own HTTP status.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

func New(status int, code, message string) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

var (
	ErrAuthRequired         = func() *Error { return New(http.StatusUnauthorized, "auth_required", "missing Authorization header") }
	ErrAuthInvalid          = func() *Error { return New(http.StatusUnauthorized, "auth_invalid", "invalid or expired bearer token") }
	ErrOriginNotAllowed     = func(msg string) *Error { return New(http.StatusForbidden, "origin_not_allowed", msg) }
	ErrRateLimited          = func() *Error { return New(http.StatusTooManyRequests, "rate_limited", "rate limit exceeded") }
	ErrRequestTooLarge      = func() *Error { return New(http.StatusRequestEntityTooLarge, "request_too_large", "request body too large") }
	ErrWorkspaceRequired    = func() *Error { return New(http.StatusConflict, "workspace_required", "no workspace root configured") }
	ErrPathOutsideWorkspace = func(msg string) *Error { return New(http.StatusConflict, "path_outside_workspace", msg) }
	ErrInvalidRepoURL       = func() *Error { return New(http.StatusUnprocessableEntity, "invalid_repo_url", "repoUrl is not a supported git remote") }
	ErrCapabilityNotGranted = func() *Error { return New(http.StatusConflict, "capability_not_granted", "capability approval missing or declined") }
	ErrJobNotFound          = func() *Error { return New(http.StatusNotFound, "job_not_found", "job not found") }
	ErrRepoNotFound         = func() *Error { return New(http.StatusNotFound, "repo_not_found", "repository not found") }
	ErrPathNotFound         = func() *Error { return New(http.StatusNotFound, "path_not_found", "path not found") }
	ErrTimeout              = func() *Error { return New(http.StatusInternalServerError, "timeout", "job timed out") }
)

// Internal wraps an unclassified failure as internal_error with a generic status.
func Internal(status int, message string) *Error {
	return New(status, "internal_error", message)
}

// WriteJSON writes the error envelope to w.
func WriteJSON(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"errorCode": err.Code,
		"message":   err.Message,
	})
}
