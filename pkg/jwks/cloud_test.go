package jwks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

func TestResolveJWKSURI(t *testing.T) {
	t.Parallel()
	tests := []struct {
		tenant string
		cloud  Cloud
		want   string
	}{
		{"T1", CloudPublic, "https://login.microsoftonline.com/T1/discovery/v2.0/keys"},
		{"T1", CloudUSGovernment, "https://login.microsoftonline.us/T1/discovery/v2.0/keys"},
		{"T1", CloudChina, "https://login.chinacloudapi.cn/T1/discovery/v2.0/keys"},
		{"T1", CloudPPE, "https://login.windows-ppe.net/T1/discovery/v2.0/keys"},
		{"", CloudPublic, "https://login.microsoftonline.com/common/discovery/v2.0/keys"},
		{"  ", CloudChina, "https://login.chinacloudapi.cn/common/discovery/v2.0/keys"},
		{"a/b?c", CloudPublic, "https://login.microsoftonline.com/a%2Fb%3Fc/discovery/v2.0/keys"},
	}
	for _, tt := range tests {
		t.Run(string(tt.cloud)+"/"+tt.tenant, func(t *testing.T) {
			t.Parallel()
			got, err := ResolveJWKSURI(tt.tenant, tt.cloud)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			again, err := ResolveJWKSURI(tt.tenant, tt.cloud)
			require.NoError(t, err)
			assert.Equal(t, got, again)
		})
	}
}

func TestResolveJWKSURI_UnsupportedCloud(t *testing.T) {
	t.Parallel()
	for _, c := range []Cloud{"", "germany", "Public"} {
		_, err := ResolveJWKSURI("T1", c)
		testutil.RequireErrorCode(t, err, sserr.CodeUnsupportedCloud)

		_, err = DefaultIssuer("T1", c)
		testutil.RequireErrorCode(t, err, sserr.CodeUnsupportedCloud)
	}
}

func TestDefaultIssuer(t *testing.T) {
	t.Parallel()
	got, err := DefaultIssuer("T1", CloudUSGovernment)
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.us/T1/v2.0", got)

	got, err = DefaultIssuer("", CloudPublic)
	require.NoError(t, err)
	assert.Equal(t, "https://login.microsoftonline.com/common/v2.0", got)
}

func TestDefaultIssuerTemplate(t *testing.T) {
	t.Parallel()
	got, err := DefaultIssuerTemplate(CloudChina)
	require.NoError(t, err)
	assert.Equal(t, "https://login.chinacloudapi.cn/{tenantid}/v2.0", got)

	_, err = DefaultIssuerTemplate("moon")
	testutil.RequireErrorCode(t, err, sserr.CodeUnsupportedCloud)
}

func TestParseCloud(t *testing.T) {
	t.Parallel()
	tests := map[string]Cloud{
		"":              CloudPublic,
		"public":        CloudPublic,
		" USGovernment": CloudUSGovernment,
		"China":         CloudChina,
		"ppe":           CloudPPE,
	}
	for in, want := range tests {
		got, err := ParseCloud(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCloud("azurestack")
	testutil.RequireErrorCode(t, err, sserr.CodeUnsupportedCloud)
}

func TestClouds(t *testing.T) {
	t.Parallel()
	assert.Equal(t, []Cloud{CloudChina, CloudPPE, CloudPublic, CloudUSGovernment}, Clouds())
	for _, c := range Clouds() {
		assert.True(t, c.Valid())
		assert.NotEmpty(t, c.Authority())
	}
	assert.False(t, Cloud("mars").Valid())
	assert.Empty(t, Cloud("mars").Authority())
}
