package auth

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
)

const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/auth"

const (
	// DefaultClockSkew is the tolerance applied to exp and nbf.
	DefaultClockSkew = 5 * time.Minute

	// MaxTokenSize is the largest bearer token the validator will parse.
	MaxTokenSize = 16 << 10
)

// permittedAlgorithms lists the signature algorithms a token may declare.
// Symmetric algorithms and "none" are absent so that a public key can never
// be used as an HMAC secret.
var permittedAlgorithms = map[string]bool{
	"RS256": true, "RS384": true, "RS512": true,
	"PS256": true, "PS384": true, "PS512": true,
	"ES256": true, "ES384": true, "ES512": true,
	"EdDSA": true,
}

// KeySource resolves a signing key by key set location and key identifier.
// *jwks.Cache satisfies it.
type KeySource interface {
	SigningKey(ctx context.Context, uri, kid string) (jwks.Key, error)
}

// Options are the expectations one token is checked against. They are
// built per request and never shared.
type Options struct {
	// JWKSURI is the key set the signing key must come from.
	JWKSURI string

	// AllowedTenants is the set of acceptable tid values. An empty set
	// admits no tenant.
	AllowedTenants []string

	// Audience must appear in the aud claim.
	Audience string

	// Issuer must equal the iss claim. A TenantPlaceholder in it is first
	// replaced by the token's tid, so one template serves every allowed
	// tenant. An empty Issuer matches nothing.
	Issuer string

	// Scopes is the required scope set; the token needs at least one of
	// them. An empty set accepts any token.
	Scopes []string
}

// Claims is the verified content of a token.
type Claims struct {
	Subject   string
	TenantID  string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
	NotBefore time.Time
	IssuedAt  time.Time
	Scopes    []string
	Roles     []string

	// ObjectID is the oid claim, the caller's directory object id.
	ObjectID string

	// ClientAppID is the azp (v2.0) or appid (v1.0) claim.
	ClientAppID string

	// Raw is the full decoded payload.
	Raw map[string]any
}

// HasScope reports whether the token granted scope.
func (c *Claims) HasScope(scope string) bool {
	return c != nil && slices.Contains(c.Scopes, scope)
}

// HasRole reports whether the token carries the app role.
func (c *Claims) HasRole(role string) bool {
	return c != nil && slices.Contains(c.Roles, role)
}

// ValidatorConfig tunes a Validator.
type ValidatorConfig struct {
	// ClockSkew is added to exp and subtracted from nbf. Zero means
	// DefaultClockSkew; use a negative value for no tolerance.
	ClockSkew time.Duration

	// Now is the clock. Tests replace it.
	Now func() time.Time

	TracerProvider trace.TracerProvider
}

// Validator decides whether a bearer token is authentic and acceptable.
// It holds no per-request state and is safe for concurrent use.
type Validator struct {
	keys   KeySource
	skew   time.Duration
	now    func() time.Time
	tracer trace.Tracer
	parser *jwt.Parser
}

// NewValidator returns a Validator resolving keys through keys.
func NewValidator(keys KeySource, cfg ValidatorConfig) *Validator {
	switch {
	case cfg.ClockSkew == 0:
		cfg.ClockSkew = DefaultClockSkew
	case cfg.ClockSkew < 0:
		cfg.ClockSkew = 0
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	return &Validator{
		keys:   keys,
		skew:   cfg.ClockSkew,
		now:    cfg.Now,
		tracer: cfg.TracerProvider.Tracer(tracerName),
		parser: jwt.NewParser(),
	}
}

// Validate checks token against opts and returns its claims. The checks
// run in a fixed order and stop at the first failure:
//
//  1. structure: CodeTokenMalformed
//  2. key lookup by kid: CodeUnknownSigningKey, or CodeJWKSFetch unchanged
//     when the key set could not be obtained
//  3. signature and algorithm: CodeInvalidSignature
//  4. exp and nbf: CodeTokenExpired, CodeTokenNotYetValid
//  5. iss, with any tenant placeholder filled from tid: CodeIssuerMismatch
//  6. aud: CodeAudienceMismatch
//  7. tid: CodeTenantNotAllowed
//  8. scp: CodeInsufficientScope
//
// No claim is consulted before the signature has been verified.
func (v *Validator) Validate(ctx context.Context, token string, opts Options) (claims *Claims, err error) {
	ctx, span := v.tracer.Start(ctx, "auth.Validate", trace.WithAttributes(
		attribute.String("jwks.uri", opts.JWKSURI),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("auth.code", sserr.GetCode(err).String()))
		}
		span.End()
	}()

	tok, parts, err := v.parse(token)
	if err != nil {
		return nil, err
	}

	kid, _ := tok.Header["kid"].(string)
	alg, _ := tok.Header["alg"].(string)
	span.SetAttributes(attribute.String("jwks.kid", kid), attribute.String("auth.alg", alg))
	if kid == "" {
		return nil, sserr.New(sserr.CodeUnknownSigningKey, "auth: token header has no key identifier")
	}
	key, err := v.keys.SigningKey(ctx, opts.JWKSURI, kid)
	if err != nil {
		if sserr.ChainHasCode(err, sserr.CodeKeyNotFound) {
			return nil, sserr.Wrap(err, sserr.CodeUnknownSigningKey, "auth: signing key not found").
				WithDetail("kid", kid)
		}
		return nil, err
	}

	if err := verifySignature(tok, parts, alg, key); err != nil {
		return nil, err
	}

	mc := tok.Claims.(jwt.MapClaims)
	c, err := v.checkClaims(mc, opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("auth.tenant_id", c.TenantID),
		attribute.String("auth.subject", c.Subject),
	)
	return c, nil
}

// parse performs the structural check only. A missing or unknown alg is
// not a structural problem; it is reported as an invalid signature once
// the key has been resolved.
func (v *Validator) parse(token string) (*jwt.Token, []string, error) {
	if token == "" {
		return nil, nil, sserr.New(sserr.CodeTokenMalformed, "auth: empty token")
	}
	if len(token) > MaxTokenSize {
		return nil, nil, sserr.Newf(sserr.CodeTokenMalformed, "auth: token exceeds %d bytes", MaxTokenSize)
	}
	tok, parts, err := v.parser.ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		return tok, parts, nil
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) && len(parts) == 3 {
		if _, derr := v.parser.DecodeSegment(parts[2]); derr == nil {
			return tok, parts, nil
		}
	}
	return nil, nil, sserr.Wrap(err, sserr.CodeTokenMalformed, "auth: token is not a well-formed JWS")
}

func verifySignature(tok *jwt.Token, parts []string, alg string, key jwks.Key) error {
	if !permittedAlgorithms[alg] || tok.Method == nil {
		return sserr.Newf(sserr.CodeInvalidSignature, "auth: algorithm %q is not permitted", alg)
	}
	if !key.Allows(alg) {
		return sserr.Newf(sserr.CodeInvalidSignature, "auth: algorithm %q does not match the signing key", alg).
			WithDetail("kid", key.ID)
	}
	signingString := parts[0] + "." + parts[1]
	if err := tok.Method.Verify(signingString, tok.Signature, key.Public); err != nil {
		return sserr.Wrap(err, sserr.CodeInvalidSignature, "auth: signature verification failed").
			WithDetail("kid", key.ID)
	}
	return nil
}

func (v *Validator) checkClaims(mc jwt.MapClaims, opts Options) (*Claims, error) {
	now := v.now()

	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, sserr.New(sserr.CodeTokenExpired, "auth: token has no valid exp claim")
	}
	if !now.Before(exp.Add(v.skew)) {
		return nil, sserr.New(sserr.CodeTokenExpired, "auth: token is expired").
			WithDetail("exp", exp.Unix())
	}
	nbf, err := mc.GetNotBefore()
	if err != nil {
		return nil, sserr.New(sserr.CodeTokenNotYetValid, "auth: token has an invalid nbf claim")
	}
	if nbf != nil && nbf.After(now.Add(v.skew)) {
		return nil, sserr.New(sserr.CodeTokenNotYetValid, "auth: token is not yet valid").
			WithDetail("nbf", nbf.Unix())
	}

	iss, _ := mc["iss"].(string)
	tid, _ := mc["tid"].(string)
	if want := expectedIssuer(opts.Issuer, tid); want == "" || iss != want {
		return nil, sserr.New(sserr.CodeIssuerMismatch, "auth: token issuer does not match").
			WithDetail("issuer", iss)
	}

	aud, err := mc.GetAudience()
	if err != nil || opts.Audience == "" || !slices.Contains(aud, opts.Audience) {
		return nil, sserr.New(sserr.CodeAudienceMismatch, "auth: token audience does not match")
	}

	if tid == "" || !slices.Contains(opts.AllowedTenants, tid) {
		return nil, sserr.New(sserr.CodeTenantNotAllowed, "auth: tenant is not allowed").
			WithDetail("tenant_id", tid)
	}

	scopes := stringsClaim(mc["scp"])
	if len(opts.Scopes) > 0 && !intersects(scopes, opts.Scopes) {
		return nil, sserr.New(sserr.CodeInsufficientScope, "auth: token lacks a required scope").
			WithDetail("required", opts.Scopes)
	}

	c := &Claims{
		TenantID:  tid,
		Issuer:    iss,
		Audience:  aud,
		ExpiresAt: exp.Time,
		Scopes:    scopes,
		Roles:     stringsClaim(mc["roles"]),
		Raw:       map[string]any(mc),
	}
	c.Subject, _ = mc["sub"].(string)
	c.ObjectID, _ = mc["oid"].(string)
	if azp, ok := mc["azp"].(string); ok {
		c.ClientAppID = azp
	} else {
		c.ClientAppID, _ = mc["appid"].(string)
	}
	if nbf != nil {
		c.NotBefore = nbf.Time
	}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		c.IssuedAt = iat.Time
	}
	return c, nil
}

// expectedIssuer fills TenantPlaceholder in template with tid. It returns
// "" when the template needs a tenant and the token names none.
func expectedIssuer(template, tid string) string {
	if !strings.Contains(template, TenantPlaceholder) {
		return template
	}
	if tid == "" {
		return ""
	}
	return strings.ReplaceAll(template, TenantPlaceholder, tid)
}

// stringsClaim reads a claim that is either a space-delimited string or an
// array of strings. Non-string array members are ignored.
func stringsClaim(v any) []string {
	switch t := v.(type) {
	case string:
		return strings.Fields(t)
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func intersects(have, want []string) bool {
	for _, s := range want {
		if slices.Contains(have, s) {
			return true
		}
	}
	return false
}
