package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetCodeAndHasCode(t *testing.T) {
	t.Parallel()
	wrapped := fmt.Errorf("context: %w", New(CodeTenantNotAllowed, "tenant"))

	assert.Equal(t, CodeTenantNotAllowed, GetCode(wrapped))
	assert.True(t, HasCode(wrapped, CodeTenantNotAllowed))
	assert.Equal(t, Code(""), GetCode(errors.New("plain")))
	assert.Equal(t, Code(""), GetCode(nil))
}

func TestChainHasCode(t *testing.T) {
	t.Parallel()
	err := Wrap(New(CodeKeyNotFound, "kid"), CodeUnknownSigningKey, "unknown key")

	assert.True(t, ChainHasCode(err, CodeKeyNotFound))
	assert.True(t, ChainHasCode(err, CodeUnknownSigningKey))
	assert.False(t, HasCode(err, CodeKeyNotFound))
	assert.False(t, ChainHasCode(err, CodeJWKSFetch))
	assert.False(t, ChainHasCode(nil, CodeKeyNotFound))
}

func TestCategoryChecks(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		check func(error) bool
		want  bool
	}{
		{"validation", New(CodeUnsupportedCloud, ""), IsValidation, true},
		{"authentication", New(CodeInvalidSignature, ""), IsAuthentication, true},
		{"authentication is not authorization", New(CodeInvalidSignature, ""), IsAuthorization, false},
		{"authorization", New(CodeInsufficientScope, ""), IsAuthorization, true},
		{"not found", New(CodeKeyNotFound, ""), IsNotFound, true},
		{"internal", New(CodeInternalStore, ""), IsInternal, true},
		{"unavailable", New(CodeJWKSFetch, ""), IsUnavailable, true},
		{"timeout", New(CodeTimeoutStore, ""), IsTimeout, true},
		{"plain error", errors.New("x"), IsAuthentication, false},
		{"nil", nil, IsUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tt.check(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRetryable(New(CodeJWKSFetch, "")))
	assert.True(t, IsRetryable(New(CodeTimeoutStore, "")))
	assert.False(t, IsRetryable(New(CodeTokenExpired, "")))
	assert.False(t, IsRetryable(errors.New("x")))
}

func TestIsRejection(t *testing.T) {
	t.Parallel()
	assert.True(t, IsRejection(New(CodeTokenMalformed, "")))
	assert.True(t, IsRejection(New(CodeInsufficientScope, "")))
	assert.True(t, IsRejection(New(CodeKeyNotFound, "")))
	assert.False(t, IsRejection(New(CodeJWKSFetch, "")))
	assert.False(t, IsRejection(New(CodeUnsupportedCloud, "")))
	assert.False(t, IsRejection(nil))
}
