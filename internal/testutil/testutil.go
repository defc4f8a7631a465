// Package testutil holds helpers shared by the gate's unit tests: coded
// error assertions, temp config files and [IdentityProvider], an
// in-process stand-in for an Entra key endpoint that also signs tokens.
//
// Helpers take [testing.TB] and call t.Helper().
package testutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// RequireErrorCode stops the test unless err is an *sserr.Error whose
// outermost code is code.
//
//	_, err := validator.Validate(ctx, token, opts)
//	testutil.RequireErrorCode(t, err, sserr.CodeIssuerMismatch)
func RequireErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) {
	t.Helper()
	require.Error(t, err, msgAndArgs...)
	ssErr, ok := sserr.AsError(err)
	require.True(t, ok, "expected *sserr.Error, got %T: %v", err, err)
	require.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertErrorCode is RequireErrorCode without stopping the test.
func AssertErrorCode(t testing.TB, err error, code sserr.Code, msgAndArgs ...any) bool {
	t.Helper()
	if !assert.Error(t, err, msgAndArgs...) {
		return false
	}
	ssErr, ok := sserr.AsError(err)
	if !assert.True(t, ok, "expected *sserr.Error, got %T: %v", err, err) {
		return false
	}
	return assert.Equal(t, code, ssErr.Code,
		"error code mismatch: got %q, want %q (message: %s)",
		ssErr.Code, code, ssErr.Message)
}

// AssertChainHasCode checks that some *sserr.Error in err's chain carries code.
func AssertChainHasCode(t testing.TB, err error, code sserr.Code) bool {
	t.Helper()
	return assert.True(t, sserr.ChainHasCode(err, code),
		"no %s in error chain: %v", code, err)
}

// AssertNoSSError fails if err is non-nil, printing code and message for
// coded errors.
func AssertNoSSError(t testing.TB, err error) bool {
	t.Helper()
	if err == nil {
		return true
	}
	if ssErr, ok := sserr.AsError(err); ok {
		return assert.Fail(t, "unexpected sserr.Error",
			"code=%s message=%s", ssErr.Code, ssErr.Message)
	}
	return assert.NoError(t, err)
}

// TempConfigFile writes content to config<ext> in a per-test directory.
func TempConfigFile(t testing.TB, content, ext string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config"+ext)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600), "write %s", path)
	return path
}
