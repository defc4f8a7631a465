// Package jwks resolves and caches the public signing keys an identity
// provider publishes as a JSON Web Key Set.
//
// [ResolveJWKSURI] maps a tenant and [Cloud] to the key set location.
// [Cache] serves keys by identifier, refreshing a set when it expires or
// when a token names a key the set does not contain (key rotation).
// Concurrent refreshes of one set collapse into a single HTTP fetch, and
// that fetch is bounded by its own timeout rather than by any one caller.
//
//	cache := jwks.NewCache(jwks.DefaultCacheConfig())
//	uri, _ := jwks.ResolveJWKSURI(tenantID, jwks.CloudPublic)
//	key, err := cache.SigningKey(ctx, uri, kid)
package jwks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

const tracerName = "github.com/StricklySoft/stricklysoft-authgate/pkg/jwks"

const (
	DefaultTTL                = 30 * time.Minute
	DefaultFetchTimeout       = 5 * time.Second
	DefaultMinRefreshInterval = time.Minute

	// fetchAttempts is the initial fetch plus one retry.
	fetchAttempts = 2
	retryDelay    = 100 * time.Millisecond

	maxDocumentSize = 1 << 20
)

// Where a KeySet came from.
const (
	SourceNetwork = "network"
	SourceStore   = "store"
)

// HTTPClient performs the key set GET. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CacheConfig tunes a Cache. Zero TTL and FetchTimeout take the defaults;
// a zero MinRefreshInterval disables the unknown-key refresh limit, so
// start from DefaultCacheConfig.
type CacheConfig struct {
	// TTL is how long a fetched set is served before it is refetched.
	TTL time.Duration

	// FetchTimeout bounds one refresh, retry included. It is independent
	// of the deadlines of the requests waiting on the refresh.
	FetchTimeout time.Duration

	// MinRefreshInterval is the shortest gap between two refreshes of a
	// still-fresh set triggered by unknown key identifiers.
	MinRefreshInterval time.Duration

	HTTPClient     HTTPClient
	Store          Store
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider

	// Now is the clock. Tests replace it.
	Now func() time.Time
}

// DefaultCacheConfig returns the production defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:                DefaultTTL,
		FetchTimeout:       DefaultFetchTimeout,
		MinRefreshInterval: DefaultMinRefreshInterval,
	}
}

type entry struct {
	set *KeySet
	// lastAttempt is when the network was last asked for this set,
	// successfully or not. Zero for a set loaded from the Store.
	lastAttempt time.Time
}

// Cache maps key set URIs to their current [KeySet]. It is safe for
// concurrent use and meant to live for the whole process.
type Cache struct {
	cfg    CacheConfig
	logger *slog.Logger
	tracer trace.Tracer
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewCache returns an empty Cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MinRefreshInterval < 0 {
		cfg.MinRefreshInterval = 0
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		cfg:     cfg,
		logger:  cfg.Logger,
		tracer:  cfg.TracerProvider.Tracer(tracerName),
		entries: make(map[string]*entry),
	}
}

// SigningKey returns the key identified by kid in the set published at uri.
//
// A fresh set containing kid is answered from memory. Otherwise the set is
// refreshed once, shared with every concurrent caller for the same uri,
// and looked up again. Errors:
//
//   - CodeKeyNotFound: kid is not in the set, including when a refresh was
//     suppressed by MinRefreshInterval
//   - CodeJWKSFetch: the set could not be fetched or parsed, or ctx ended
//     while waiting for the refresh
func (c *Cache) SigningKey(ctx context.Context, uri, kid string) (key Key, err error) {
	ctx, span := c.tracer.Start(ctx, "jwks.SigningKey", trace.WithAttributes(
		attribute.String("jwks.uri", uri),
		attribute.String("jwks.kid", kid),
	))
	defer func() { finishSpan(span, err) }()

	now := c.cfg.Now()
	useStore := true
	if e := c.entry(uri); e != nil && !e.set.Expired(now) {
		if k, ok := e.set.Lookup(kid); ok {
			span.SetAttributes(attribute.Bool("jwks.cache_hit", true))
			return k, nil
		}
		if c.cfg.MinRefreshInterval > 0 && !e.lastAttempt.IsZero() &&
			now.Sub(e.lastAttempt) < c.cfg.MinRefreshInterval {
			return Key{}, keyNotFound(uri, kid).WithDetail("refresh_suppressed", true)
		}
		useStore = false
	}
	span.SetAttributes(attribute.Bool("jwks.cache_hit", false))

	set, err := c.refresh(ctx, uri, useStore)
	if err != nil {
		return Key{}, err
	}
	if k, ok := set.Lookup(kid); ok {
		return k, nil
	}
	if set.Source == SourceStore {
		// The shared copy may predate a rotation.
		if set, err = c.refresh(ctx, uri, false); err != nil {
			return Key{}, err
		}
		if k, ok := set.Lookup(kid); ok {
			return k, nil
		}
	}
	return Key{}, keyNotFound(uri, kid)
}

// Snapshot returns the cached set for uri without any I/O.
func (c *Cache) Snapshot(uri string) (*KeySet, bool) {
	e := c.entry(uri)
	if e == nil {
		return nil, false
	}
	return e.set, true
}

// Invalidate drops the cached set for uri.
func (c *Cache) Invalidate(uri string) {
	c.mu.Lock()
	delete(c.entries, uri)
	c.mu.Unlock()
}

// Len reports how many key sets are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) entry(uri string) *entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries[uri]
}

// refresh runs at most one load per uri at a time. The load itself is
// detached from ctx; ctx only limits how long this caller waits.
func (c *Cache) refresh(ctx context.Context, uri string, useStore bool) (*KeySet, error) {
	ch := c.group.DoChan(uri, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
		defer cancel()
		return c.load(lctx, uri, useStore)
	})

	select {
	case <-ctx.Done():
		return nil, sserr.Wrap(ctx.Err(), sserr.CodeJWKSFetch, "jwks: stopped waiting for key set").
			WithDetail("jwks_uri", uri)
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (c *Cache) load(ctx context.Context, uri string, useStore bool) (*KeySet, error) {
	if useStore && c.cfg.Store != nil {
		if set := c.loadFromStore(ctx, uri); set != nil {
			c.put(set)
			return set, nil
		}
	}

	started := c.cfg.Now()
	raw, keys, err := c.fetchWithRetry(ctx, uri)
	if err != nil {
		c.markAttempt(uri, started)
		c.logger.WarnContext(ctx, "jwks: key set refresh failed", "jwks_uri", uri, "error", err)
		return nil, err
	}

	now := c.cfg.Now()
	set := &KeySet{URI: uri, Source: SourceNetwork, FetchedAt: now, ExpiresAt: now.Add(c.cfg.TTL), keys: keys}
	c.put(set)
	c.logger.InfoContext(ctx, "jwks: key set refreshed",
		"jwks_uri", uri, "keys", set.Len(), "duration", now.Sub(started))

	if c.cfg.Store != nil {
		doc := Document{Raw: raw, FetchedAt: now}
		if err := c.cfg.Store.Save(ctx, uri, doc, c.cfg.TTL); err != nil {
			c.logger.WarnContext(ctx, "jwks: failed to save key set to store", "jwks_uri", uri, "error", err)
		}
	}
	return set, nil
}

// loadFromStore returns a still-valid set from the Store, or nil. Store
// failures are logged and treated as a miss.
func (c *Cache) loadFromStore(ctx context.Context, uri string) *KeySet {
	doc, found, err := c.cfg.Store.Load(ctx, uri)
	if err != nil {
		c.logger.WarnContext(ctx, "jwks: key set store unavailable", "jwks_uri", uri, "error", err)
		return nil
	}
	if !found {
		return nil
	}
	expires := doc.FetchedAt.Add(c.cfg.TTL)
	if !c.cfg.Now().Before(expires) {
		return nil
	}
	keys, skipped, err := parseDocument(doc.Raw)
	c.logSkipped(ctx, uri, skipped)
	if err != nil {
		c.logger.WarnContext(ctx, "jwks: stored key set is unusable", "jwks_uri", uri, "error", err)
		return nil
	}
	c.logger.DebugContext(ctx, "jwks: key set loaded from store", "jwks_uri", uri, "keys", len(keys))
	return &KeySet{URI: uri, Source: SourceStore, FetchedAt: doc.FetchedAt, ExpiresAt: expires, keys: keys}
}

func (c *Cache) fetchWithRetry(ctx context.Context, uri string) ([]byte, map[string]Key, error) {
	var lastErr error
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		if attempt > 1 {
			c.logger.WarnContext(ctx, "jwks: retrying key set fetch", "jwks_uri", uri, "error", lastErr)
			timer := time.NewTimer(retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, nil, fetchFailed(uri, ctx.Err())
			case <-timer.C:
			}
		}

		raw, err := c.fetch(ctx, uri, attempt)
		if err == nil {
			keys, skipped, perr := parseDocument(raw)
			c.logSkipped(ctx, uri, skipped)
			if perr == nil {
				return raw, keys, nil
			}
			err = perr
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, nil, fetchFailed(uri, lastErr)
}

func (c *Cache) fetch(ctx context.Context, uri string, attempt int) (body []byte, err error) {
	ctx, span := c.tracer.Start(ctx, "jwks.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("jwks.uri", uri),
			attribute.Int("jwks.attempt", attempt),
		))
	defer func() { finishSpan(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err = io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxDocumentSize {
		return nil, fmt.Errorf("key set exceeds %d bytes", maxDocumentSize)
	}
	return body, nil
}

func (c *Cache) put(set *KeySet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &entry{set: set}
	switch {
	case set.Source == SourceNetwork:
		e.lastAttempt = set.FetchedAt
	case c.entries[set.URI] != nil:
		e.lastAttempt = c.entries[set.URI].lastAttempt
	}
	c.entries[set.URI] = e
}

// markAttempt records a failed network refresh so that unknown-key
// lookups against the old set stay rate limited.
func (c *Cache) markAttempt(uri string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[uri]; ok {
		c.entries[uri] = &entry{set: e.set, lastAttempt: at}
	}
}

func (c *Cache) logSkipped(ctx context.Context, uri string, skipped []skippedKey) {
	for _, s := range skipped {
		c.logger.WarnContext(ctx, "jwks: skipped key",
			"jwks_uri", uri, "index", s.index, "kid", s.kid, "reason", s.reason)
	}
}

func keyNotFound(uri, kid string) *sserr.Error {
	return sserr.Newf(sserr.CodeKeyNotFound, "jwks: key %q not in key set", kid).
		WithDetail("jwks_uri", uri)
}

func fetchFailed(uri string, cause error) *sserr.Error {
	return sserr.Wrap(cause, sserr.CodeJWKSFetch, "jwks: key set unavailable").
		WithDetail("jwks_uri", uri)
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
