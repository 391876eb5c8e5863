package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func allSentinels() []error {
	return []error{
		ErrInvalidClient,
		ErrUnsupportedGrantType,
		ErrInvalidRequest,
		ErrInvalidGrant,
		ErrMissingToken,
		ErrInvalidToken,
		ErrTokenExpired,
		ErrInsufficientScope,
		ErrInsufficientPermission,
		ErrForbidden,
		ErrDuplicateClient,
		ErrClientNotFound,
		ErrRateLimited,
		ErrInternal,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range allSentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := allSentinels()
	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinel errors should be distinct: %q vs %q", sentinels[i], sentinels[j])
		}
	}
}

func TestDescribe_Taxonomy(t *testing.T) {
	tests := []struct {
		err    error
		code   string
		status int
	}{
		{ErrInvalidClient, "invalid_client", http.StatusBadRequest},
		{ErrUnsupportedGrantType, "unsupported_grant_type", http.StatusBadRequest},
		{ErrInvalidRequest, "invalid_request", http.StatusBadRequest},
		{ErrInvalidGrant, "invalid_grant", http.StatusBadRequest},
		{ErrMissingToken, "missing_token", http.StatusUnauthorized},
		{ErrInvalidToken, "invalid_token", http.StatusUnauthorized},
		{ErrTokenExpired, "token_expired", http.StatusUnauthorized},
		{ErrInsufficientScope, "insufficient_scope", http.StatusForbidden},
		{ErrInsufficientPermission, "insufficient_permission", http.StatusForbidden},
		{ErrForbidden, "forbidden", http.StatusForbidden},
		{ErrRateLimited, "too_many_requests", http.StatusTooManyRequests},
		{ErrInternal, "internal_error", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			oe := Describe(tt.err)
			assert.Equal(t, tt.code, oe.Code)
			assert.Equal(t, tt.status, oe.Status)
			assert.NotEmpty(t, oe.Description)
		})
	}
}

func TestDescribe_WrappedDetail(t *testing.T) {
	err := fmt.Errorf("rotating: %w", WithDetail(ErrInvalidGrant, "refresh token exhausted"))

	oe := Describe(err)
	assert.Equal(t, "invalid_grant", oe.Code)
	assert.Equal(t, "refresh token exhausted", oe.Description)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestDescribe_UnknownErrorHidesCause(t *testing.T) {
	oe := Describe(errors.New("bolt: database not open at /var/lib/secret"))

	assert.Equal(t, http.StatusInternalServerError, oe.Status)
	assert.NotContains(t, oe.Description, "/var/lib")
	assert.True(t, IsInternal(errors.New("boom")))
	assert.False(t, IsInternal(ErrInvalidToken))
}
