package auth

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/StricklySoft/stricklysoft-authgate/pkg/clients/redis"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
	"github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"
)

// HeaderAuthorization carries the bearer token, in HTTP headers and in gRPC
// metadata alike.
const HeaderAuthorization = "authorization"

const bearerPrefix = "Bearer "

// Headers is the read side of a request's headers. http.Header satisfies
// it, with case-insensitive names.
type Headers interface {
	Get(key string) string
}

// Requirement is what one endpoint demands of a caller. Zero fields fall
// back to the Authorizer's Config.
type Requirement struct {
	// Scopes the token must grant at least one of. Empty accepts any
	// authentic token.
	Scopes []string

	// AllowedTenants defaults to Config.AllowedTenants, then [Config.TenantID].
	AllowedTenants []string

	// Cloud defaults to Config.Cloud.
	Cloud jwks.Cloud

	// Issuer defaults to Config.IssuerTemplate, then the cloud's v2.0
	// issuer template. Either may contain TenantPlaceholder.
	Issuer string
}

// RequireScopes is a Requirement naming only scopes.
func RequireScopes(scopes ...string) Requirement {
	return Requirement{Scopes: NormalizeScopes(scopes...)}
}

// NormalizeScopes turns a scope string, a list, or a list of
// space-delimited strings into a deduplicated set in first-seen order.
//
//	NormalizeScopes("a b", "b", "c") // [a b c]
func NormalizeScopes(scopes ...string) []string {
	var out []string
	for _, s := range scopes {
		for _, f := range strings.Fields(s) {
			if !slices.Contains(out, f) {
				out = append(out, f)
			}
		}
	}
	return out
}

// ExtractBearerToken returns the token from an Authorization value. The
// scheme is matched case-insensitively. It returns "" when the value is
// not a bearer credential.
func ExtractBearerToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)
	if len(authHeader) <= len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(bearerPrefix):])
}

// Option configures NewAuthorizer.
type Option func(*authorizerOptions)

type authorizerOptions struct {
	keys           KeySource
	store          jwks.Store
	httpClient     jwks.HTTPClient
	logger         *slog.Logger
	tracerProvider trace.TracerProvider
	now            func() time.Time
}

// WithKeySource replaces the key set cache NewAuthorizer would build.
func WithKeySource(keys KeySource) Option {
	return func(o *authorizerOptions) { o.keys = keys }
}

// WithStore sets the shared key set store, overriding Config.Redis.
func WithStore(store jwks.Store) Option {
	return func(o *authorizerOptions) { o.store = store }
}

// WithHTTPClient sets the client used to fetch key sets.
func WithHTTPClient(c jwks.HTTPClient) Option {
	return func(o *authorizerOptions) { o.httpClient = c }
}

// WithLogger sets the logger for decisions and key set refreshes.
func WithLogger(l *slog.Logger) Option {
	return func(o *authorizerOptions) { o.logger = l }
}

// WithTracerProvider sets the tracer provider. The global one is used
// otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *authorizerOptions) { o.tracerProvider = tp }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *authorizerOptions) { o.now = now }
}

// Authorizer turns a request's headers into an allow or deny decision.
// The reason for a denial is logged and traced but never returned, so
// callers cannot leak it to clients.
type Authorizer struct {
	cfg       Config
	cloud     jwks.Cloud
	validator *Validator
	logger    *slog.Logger
	tracer    trace.Tracer
	closers   []func() error
	checks    []func(context.Context) error
}

// NewAuthorizer validates cfg and builds the key set cache and Validator
// behind an Authorizer. When cfg.Redis is enabled and no store option is
// given, it connects to Redis, so ctx bounds the initial ping.
func NewAuthorizer(ctx context.Context, cfg Config, opts ...Option) (*Authorizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cloud, err := jwks.ParseCloud(cfg.Cloud)
	if err != nil {
		return nil, err
	}

	o := authorizerOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	if o.now == nil {
		o.now = time.Now
	}

	a := &Authorizer{
		cfg:    cfg,
		cloud:  cloud,
		logger: o.logger,
		tracer: o.tracerProvider.Tracer(tracerName),
	}

	if o.keys == nil {
		if o.store == nil && cfg.Redis.Enabled() {
			client, err := redis.NewClient(ctx, cfg.Redis)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, client.Close)
			a.checks = append(a.checks, client.Health)
			o.store = jwks.NewRedisStore(client, jwks.DefaultStoreKeyPrefix)
		}
		o.keys = jwks.NewCache(jwks.CacheConfig{
			TTL:                cfg.JWKSCacheTTL,
			FetchTimeout:       cfg.JWKSFetchTimeout,
			MinRefreshInterval: cfg.JWKSMinRefreshInterval,
			HTTPClient:         o.httpClient,
			Store:              o.store,
			Logger:             o.logger,
			TracerProvider:     o.tracerProvider,
			Now:                o.now,
		})
	}

	skew := cfg.ClockSkew
	if skew == 0 {
		// ValidatorConfig reads zero as DefaultClockSkew.
		skew = -1
	}
	a.validator = NewValidator(o.keys, ValidatorConfig{
		ClockSkew:      skew,
		Now:            o.now,
		TracerProvider: o.tracerProvider,
	})
	return a, nil
}

// Close releases the Redis connection NewAuthorizer opened, if any.
func (a *Authorizer) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

// Health pings the Redis store NewAuthorizer connected to. It returns nil
// when there is none.
func (a *Authorizer) Health(ctx context.Context) error {
	for _, check := range a.checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Validator exposes the underlying token validator.
func (a *Authorizer) Validator() *Validator { return a.validator }

// Authorize extracts the bearer token from h and validates it against
// req. It returns the claims and true, or nil and false. A missing or
// non-bearer Authorization header is denied without any network I/O.
func (a *Authorizer) Authorize(ctx context.Context, h Headers, req Requirement) (*Claims, bool) {
	ctx, span := a.tracer.Start(ctx, "auth.Authorize")
	defer span.End()

	claims, err := a.authorize(ctx, h, req)
	if err != nil {
		a.deny(ctx, span, err)
		return nil, false
	}
	span.SetAttributes(
		attribute.Bool("auth.allowed", true),
		attribute.String("auth.tenant_id", claims.TenantID),
	)
	return claims, true
}

func (a *Authorizer) authorize(ctx context.Context, h Headers, req Requirement) (*Claims, error) {
	var raw string
	if h != nil {
		raw = h.Get(HeaderAuthorization)
	}
	if raw == "" {
		return nil, sserr.Unauthorized("auth: missing authorization header")
	}
	token := ExtractBearerToken(raw)
	if token == "" {
		return nil, sserr.Unauthorized("auth: authorization header is not a bearer credential")
	}
	opts, err := a.Resolve(req)
	if err != nil {
		return nil, err
	}
	return a.validator.Validate(ctx, token, opts)
}

// Resolve merges req with the Authorizer's Config into the Options one
// token is validated against.
func (a *Authorizer) Resolve(req Requirement) (Options, error) {
	cloud := a.cloud
	if req.Cloud != "" {
		c, err := jwks.ParseCloud(string(req.Cloud))
		if err != nil {
			return Options{}, err
		}
		cloud = c
	}

	uri := a.cfg.JWKSURI
	if uri == "" {
		var err error
		if uri, err = jwks.ResolveJWKSURI(a.cfg.TenantID, cloud); err != nil {
			return Options{}, err
		}
	}

	issuer := req.Issuer
	if issuer == "" {
		var err error
		if issuer, err = a.cfg.issuer(cloud); err != nil {
			return Options{}, err
		}
	}

	tenants := req.AllowedTenants
	if len(tenants) == 0 {
		tenants = a.cfg.tenants()
	}

	return Options{
		JWKSURI:        uri,
		AllowedTenants: slices.Clone(tenants),
		Audience:       a.cfg.ClientID,
		Issuer:         issuer,
		Scopes:         NormalizeScopes(req.Scopes...),
	}, nil
}

func (a *Authorizer) deny(ctx context.Context, span trace.Span, err error) {
	decisionID := uuid.NewString()
	code := sserr.GetCode(err)
	span.SetAttributes(
		attribute.Bool("auth.allowed", false),
		attribute.String("auth.decision_id", decisionID),
		attribute.String("auth.code", code.String()),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, "denied")

	level := slog.LevelWarn
	if !sserr.IsRejection(err) {
		// The token was never judged; the key set or configuration failed.
		level = slog.LevelError
	}
	a.logger.Log(ctx, level, "auth: request denied",
		"decision_id", decisionID,
		"code", code,
		"error", err,
	)
}

// DenyHTTP writes the 401 response used for every denial.
func DenyHTTP(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
