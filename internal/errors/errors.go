package errors

import (
	"errors"
	"net/http"
)

// Client authentication and grant errors.
var (
	ErrInvalidClient        = errors.New("client authentication failed")
	ErrUnsupportedGrantType = errors.New("grant type is not supported")
	ErrInvalidRequest       = errors.New("malformed request")
	ErrInvalidGrant         = errors.New("refresh token is invalid, expired or exhausted")
)

// Bearer token and authorization errors.
var (
	ErrMissingToken           = errors.New("authorization token is required")
	ErrInvalidToken           = errors.New("access token is invalid")
	ErrTokenExpired           = errors.New("access token has expired")
	ErrInsufficientScope      = errors.New("insufficient scope")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrForbidden              = errors.New("forbidden")
)

// Registry errors.
var (
	ErrDuplicateClient = errors.New("client already registered")
	ErrClientNotFound  = errors.New("client not found")
)

// Server errors.
var (
	ErrRateLimited = errors.New("rate limit exceeded")
	ErrInternal    = errors.New("internal error")
)

// OAuthError is the wire form of an error: a stable code, the HTTP status
// it maps to and a description safe to show the caller.
type OAuthError struct {
	Code        string
	Status      int
	Description string
}

func (e *OAuthError) Error() string {
	return e.Code + ": " + e.Description
}

type category struct {
	sentinel error
	code     string
	status   int
}

// categories is ordered; the first sentinel matched by errors.Is wins.
var categories = []category{
	{ErrInvalidClient, "invalid_client", http.StatusBadRequest},
	{ErrUnsupportedGrantType, "unsupported_grant_type", http.StatusBadRequest},
	{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
	{ErrInvalidGrant, "invalid_grant", http.StatusBadRequest},
	{ErrMissingToken, "missing_token", http.StatusUnauthorized},
	{ErrTokenExpired, "token_expired", http.StatusUnauthorized},
	{ErrInvalidToken, "invalid_token", http.StatusUnauthorized},
	{ErrInsufficientScope, "insufficient_scope", http.StatusForbidden},
	{ErrInsufficientPermission, "insufficient_permission", http.StatusForbidden},
	{ErrForbidden, "forbidden", http.StatusForbidden},
	{ErrDuplicateClient, "duplicate_client", http.StatusConflict},
	{ErrRateLimited, "too_many_requests", http.StatusTooManyRequests},
}

const internalDescription = "an internal error occurred"

// Describe maps err onto its wire form. Anything outside the taxonomy,
// including ErrInternal, becomes a 500 with a fixed description so
// underlying causes never reach the caller.
func Describe(err error) *OAuthError {
	for _, c := range categories {
		if errors.Is(err, c.sentinel) {
			desc := c.sentinel.Error()

			var d *detailError
			if errors.As(err, &d) && d.sentinel == c.sentinel {
				desc = d.detail
			}

			return &OAuthError{Code: c.code, Status: c.status, Description: desc}
		}
	}

	return &OAuthError{Code: "internal_error", Status: http.StatusInternalServerError, Description: internalDescription}
}

// IsInternal reports whether err falls outside the client-facing taxonomy.
func IsInternal(err error) bool {
	return Describe(err).Status == http.StatusInternalServerError
}

// detailError attaches a caller-safe description to a sentinel.
type detailError struct {
	sentinel error
	detail   string
}

func (e *detailError) Error() string { return e.detail }

func (e *detailError) Unwrap() error { return e.sentinel }

// WithDetail returns an error matching sentinel under errors.Is whose
// message, and wire description, is detail.
func WithDetail(sentinel error, detail string) error {
	return &detailError{sentinel: sentinel, detail: detail}
}
