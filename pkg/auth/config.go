package auth

import (
	"strings"
	"time"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
)

// TenantPlaceholder in an expected issuer is replaced by the tid claim of
// the token being checked.
const TenantPlaceholder = jwks.TenantPlaceholder

// Config is the static configuration of an Authorizer. It loads with
// pkg/config, e.g. under the AUTHGATE prefix:
//
//	var cfg auth.Config
//	err := config.New().WithEnvPrefix("AUTHGATE").Load(&cfg)
//
// reads AUTHGATE_TENANT_ID, AUTHGATE_CLIENT_ID, AUTHGATE_REDIS_URI and so on.
type Config struct {
	// TenantID is the home tenant of the protected application. It selects
	// the key set and is the default allowed tenant.
	TenantID string `json:"tenant_id" yaml:"tenant_id" env:"TENANT_ID" required:"true"`

	// ClientID is the application id; tokens must name it in aud.
	ClientID string `json:"client_id" yaml:"client_id" env:"CLIENT_ID" required:"true"`

	// AllowedTenants replaces [TenantID] as the default allowed tenant set.
	AllowedTenants []string `json:"allowed_tenants,omitempty" yaml:"allowed_tenants" env:"ALLOWED_TENANTS"`

	// Cloud is the identity provider environment.
	Cloud string `json:"cloud" yaml:"cloud" env:"CLOUD" envDefault:"public"`

	// IssuerTemplate is the expected issuer with {tenantid} standing for
	// the token's own tenant, which must also be allowed. Empty means the
	// cloud's v2.0 issuer template.
	IssuerTemplate string `json:"issuer_template,omitempty" yaml:"issuer_template" env:"ISSUER_TEMPLATE"`

	// JWKSURI overrides the key set location derived from TenantID and
	// Cloud.
	JWKSURI string `json:"jwks_uri,omitempty" yaml:"jwks_uri" env:"JWKS_URI"`

	// ClockSkew is the tolerance on exp and nbf. Zero disables it.
	ClockSkew              time.Duration `json:"clock_skew" yaml:"clock_skew" env:"CLOCK_SKEW" envDefault:"5m"`
	JWKSCacheTTL           time.Duration `json:"jwks_cache_ttl" yaml:"jwks_cache_ttl" env:"JWKS_CACHE_TTL" envDefault:"30m"`
	JWKSFetchTimeout       time.Duration `json:"jwks_fetch_timeout" yaml:"jwks_fetch_timeout" env:"JWKS_FETCH_TIMEOUT" envDefault:"5s"`
	JWKSMinRefreshInterval time.Duration `json:"jwks_min_refresh_interval" yaml:"jwks_min_refresh_interval" env:"JWKS_MIN_REFRESH_INTERVAL" envDefault:"1m"`

	// Redis configures the optional shared key set store. It is unused
	// unless a URI or host is set.
	Redis redis.Config `json:"redis" yaml:"redis" env:"REDIS"`
}

// DefaultConfig returns the defaults for the given tenant and application.
func DefaultConfig(tenantID, clientID string) Config {
	return Config{
		TenantID:               tenantID,
		ClientID:               clientID,
		Cloud:                  string(jwks.CloudPublic),
		ClockSkew:              DefaultClockSkew,
		JWKSCacheTTL:           jwks.DefaultTTL,
		JWKSFetchTimeout:       jwks.DefaultFetchTimeout,
		JWKSMinRefreshInterval: jwks.DefaultMinRefreshInterval,
	}
}

// Validate checks the configuration. pkg/config calls it after loading.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.TenantID) == "":
		return sserr.New(sserr.CodeValidationRequired, "auth: tenant_id is required")
	case strings.TrimSpace(c.ClientID) == "":
		return sserr.New(sserr.CodeValidationRequired, "auth: client_id is required")
	case c.ClockSkew < 0:
		return sserr.Newf(sserr.CodeValidation, "auth: clock_skew must be >= 0, got %s", c.ClockSkew)
	case c.JWKSCacheTTL < 0:
		return sserr.Newf(sserr.CodeValidation, "auth: jwks_cache_ttl must be >= 0, got %s", c.JWKSCacheTTL)
	case c.JWKSFetchTimeout < 0:
		return sserr.Newf(sserr.CodeValidation, "auth: jwks_fetch_timeout must be >= 0, got %s", c.JWKSFetchTimeout)
	case c.JWKSMinRefreshInterval < 0:
		return sserr.Newf(sserr.CodeValidation, "auth: jwks_min_refresh_interval must be >= 0, got %s", c.JWKSMinRefreshInterval)
	case c.IssuerTemplate != "" && !strings.HasPrefix(c.IssuerTemplate, "https://"):
		return sserr.Newf(sserr.CodeValidationFormat, "auth: issuer_template must be an https URL, got %q", c.IssuerTemplate)
	}
	if _, err := jwks.ParseCloud(c.Cloud); err != nil {
		return err
	}
	if c.Redis.Enabled() {
		if err := c.Redis.Validate(); err != nil {
			return sserr.Wrap(err, sserr.CodeValidation, "auth: redis configuration is invalid")
		}
	}
	return nil
}

// issuer returns the expected issuer template. The validator fills
// TenantPlaceholder from each token's signed tid.
func (c *Config) issuer(cloud jwks.Cloud) (string, error) {
	if c.IssuerTemplate != "" {
		return c.IssuerTemplate, nil
	}
	return jwks.DefaultIssuerTemplate(cloud)
}

func (c *Config) tenants() []string {
	if len(c.AllowedTenants) > 0 {
		return c.AllowedTenants
	}
	return []string{c.TenantID}
}
