package jwks

import (
	"net/url"
	"slices"
	"strings"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Cloud selects a sovereign Microsoft Entra environment.
type Cloud string

const (
	CloudPublic       Cloud = "public"
	CloudUSGovernment Cloud = "usgovernment"
	CloudChina        Cloud = "china"
	CloudPPE          Cloud = "ppe"
)

// commonTenant is the multi-tenant path segment used when no tenant is given.
const commonTenant = "common"

var authorities = map[Cloud]string{
	CloudPublic:       "https://login.microsoftonline.com",
	CloudUSGovernment: "https://login.microsoftonline.us",
	CloudChina:        "https://login.chinacloudapi.cn",
	CloudPPE:          "https://login.windows-ppe.net",
}

// Clouds lists the recognized environments in a stable order.
func Clouds() []Cloud {
	out := make([]Cloud, 0, len(authorities))
	for c := range authorities {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// ParseCloud maps a case-insensitive name to a Cloud. An empty name means
// CloudPublic.
func ParseCloud(s string) (Cloud, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return CloudPublic, nil
	}
	c := Cloud(s)
	if !c.Valid() {
		return "", unsupportedCloud(c)
	}
	return c, nil
}

// Valid reports whether c is one of the recognized environments.
func (c Cloud) Valid() bool {
	_, ok := authorities[c]
	return ok
}

// Authority returns the login host for c, or "" for an unknown cloud.
func (c Cloud) Authority() string {
	return authorities[c]
}

// ResolveJWKSURI returns the published signing-key document location for
// tenantID in cloud:
//
//	<authority>/<tenant>/discovery/v2.0/keys
//
// An empty tenant resolves to "common". It does no I/O.
func ResolveJWKSURI(tenantID string, cloud Cloud) (string, error) {
	base, err := tenantBase(tenantID, cloud)
	if err != nil {
		return "", err
	}
	return base + "/discovery/v2.0/keys", nil
}

// DefaultIssuer returns the v2.0 issuer identifier Entra stamps into tokens
// for tenantID: <authority>/<tenant>/v2.0.
func DefaultIssuer(tenantID string, cloud Cloud) (string, error) {
	base, err := tenantBase(tenantID, cloud)
	if err != nil {
		return "", err
	}
	return base + "/v2.0", nil
}

// TenantPlaceholder stands for the token's tenant in an issuer template.
const TenantPlaceholder = "{tenantid}"

// DefaultIssuerTemplate is DefaultIssuer with the tenant left as
// [TenantPlaceholder], for deployments that accept several tenants.
func DefaultIssuerTemplate(cloud Cloud) (string, error) {
	authority, ok := authorities[cloud]
	if !ok {
		return "", unsupportedCloud(cloud)
	}
	return authority + "/" + TenantPlaceholder + "/v2.0", nil
}

func tenantBase(tenantID string, cloud Cloud) (string, error) {
	authority, ok := authorities[cloud]
	if !ok {
		return "", unsupportedCloud(cloud)
	}
	tenant := strings.TrimSpace(tenantID)
	if tenant == "" {
		tenant = commonTenant
	}
	return authority + "/" + url.PathEscape(tenant), nil
}

func unsupportedCloud(c Cloud) *sserr.Error {
	return sserr.Newf(sserr.CodeUnsupportedCloud, "jwks: unsupported cloud %q", string(c)).
		WithDetail("supported", Clouds())
}
