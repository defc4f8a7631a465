package jwks

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil"
	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// memStore is an in-memory Store that can be told to fail.
type memStore struct {
	mu    sync.Mutex
	docs  map[string]Document
	ttls  map[string]time.Duration
	err   error
	loads int
	saves int
}

func newMemStore() *memStore {
	return &memStore{docs: map[string]Document{}, ttls: map[string]time.Duration{}}
}

func (s *memStore) Load(_ context.Context, uri string) (Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads++
	if s.err != nil {
		return Document{}, false, s.err
	}
	doc, ok := s.docs[uri]
	return doc, ok, nil
}

func (s *memStore) Save(_ context.Context, uri string, doc Document, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.err != nil {
		return s.err
	}
	s.docs[uri] = doc
	s.ttls[uri] = ttl
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newTestCache(clock *fakeClock, mutate ...func(*CacheConfig)) *Cache {
	cfg := DefaultCacheConfig()
	cfg.Now = clock.Now
	cfg.Logger = quietLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	return NewCache(cfg)
}

func TestCache_FirstFetchThenHit(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestCache(newFakeClock())
	ctx := context.Background()

	key, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, "rsa-1", key.ID)
	assert.Equal(t, []string{"RS256"}, key.Algorithms)
	assert.Equal(t, idp.PublicKey("rsa-1"), key.Public)

	for range 5 {
		_, err = c.SigningKey(ctx, idp.URL(), "rsa-1")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, idp.Fetches())
	assert.Equal(t, 1, c.Len())

	set, ok := c.Snapshot(idp.URL())
	require.True(t, ok)
	assert.Equal(t, SourceNetwork, set.Source)
	assert.Equal(t, set.FetchedAt.Add(DefaultTTL), set.ExpiresAt)
}

func TestCache_ConcurrentColdLookupsShareOneFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestCache(newFakeClock())
	idp.Hold()

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return idp.Fetches() == 1 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	idp.Release()
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, idp.Fetches())
}

func TestCache_UnknownKidRefreshesForRotation(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.AddUnpublishedKey(t, "rsa-2")
	clock := newFakeClock()
	c := newTestCache(clock)
	ctx := context.Background()

	_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)

	idp.Publish("rsa-2")
	clock.Advance(DefaultMinRefreshInterval + time.Second)

	key, err := c.SigningKey(ctx, idp.URL(), "rsa-2")
	require.NoError(t, err)
	assert.Equal(t, "rsa-2", key.ID)
	assert.Equal(t, 2, idp.Fetches())
}

func TestCache_UnknownKidRefreshIsRateLimited(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestCache(clock)
	ctx := context.Background()

	_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)

	for range 10 {
		_, err = c.SigningKey(ctx, idp.URL(), "forged")
		testutil.RequireErrorCode(t, err, sserr.CodeKeyNotFound)
	}
	assert.Equal(t, 1, idp.Fetches(), "forged kids must not reach the provider")

	clock.Advance(DefaultMinRefreshInterval)
	_, err = c.SigningKey(ctx, idp.URL(), "forged")
	testutil.RequireErrorCode(t, err, sserr.CodeKeyNotFound)
	assert.Equal(t, 2, idp.Fetches())

	e, ok := sserr.AsError(err)
	require.True(t, ok)
	assert.Equal(t, idp.URL(), e.Details["jwks_uri"])
}

func TestCache_ZeroMinRefreshIntervalAlwaysRefreshes(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestCache(newFakeClock(), func(cfg *CacheConfig) { cfg.MinRefreshInterval = 0 })
	ctx := context.Background()

	_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)
	_, err = c.SigningKey(ctx, idp.URL(), "missing")
	testutil.RequireErrorCode(t, err, sserr.CodeKeyNotFound)
	_, err = c.SigningKey(ctx, idp.URL(), "missing")
	testutil.RequireErrorCode(t, err, sserr.CodeKeyNotFound)
	assert.Equal(t, 3, idp.Fetches())
}

func TestCache_ExpiredSetIsRefetched(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	c := newTestCache(clock, func(cfg *CacheConfig) { cfg.TTL = 10 * time.Minute })
	ctx := context.Background()

	_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)

	clock.Advance(10*time.Minute - time.Nanosecond)
	_, err = c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())

	clock.Advance(time.Nanosecond)
	_, err = c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 2, idp.Fetches())
}

func TestCache_FetchFailuresRetryOnce(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup func(idp *testutil.IdentityProvider)
	}{
		{"server error", func(idp *testutil.IdentityProvider) { idp.SetStatus(http.StatusInternalServerError) }},
		{"not found", func(idp *testutil.IdentityProvider) { idp.SetStatus(http.StatusNotFound) }},
		{"not json", func(idp *testutil.IdentityProvider) { idp.SetBody([]byte("<html>oops</html>")) }},
		{"no keys array", func(idp *testutil.IdentityProvider) { idp.SetBody([]byte(`{}`)) }},
		{"empty keys", func(idp *testutil.IdentityProvider) { idp.SetBody([]byte(`{"keys":[]}`)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			idp := testutil.NewIdentityProvider(t)
			tt.setup(idp)
			c := newTestCache(newFakeClock())

			_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
			testutil.RequireErrorCode(t, err, sserr.CodeJWKSFetch)
			assert.True(t, sserr.IsRetryable(err))
			assert.Equal(t, 2, idp.Fetches())
			assert.Zero(t, c.Len())
		})
	}
}

func TestCache_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	c := newTestCache(newFakeClock())
	ctx := context.Background()

	idp.SetStatus(http.StatusServiceUnavailable)
	_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
	testutil.RequireErrorCode(t, err, sserr.CodeJWKSFetch)

	idp.SetStatus(0)
	_, err = c.SigningKey(ctx, idp.URL(), "rsa-1")
	require.NoError(t, err)
}

func TestCache_UnreachableProvider(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	uri := idp.URL()
	idp.Server.Close()

	c := newTestCache(newFakeClock())
	_, err := c.SigningKey(context.Background(), uri, "rsa-1")
	testutil.RequireErrorCode(t, err, sserr.CodeJWKSFetch)
}

func TestCache_FetchTimeout(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.Hold()
	c := newTestCache(newFakeClock(), func(cfg *CacheConfig) { cfg.FetchTimeout = 100 * time.Millisecond })

	start := time.Now()
	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	testutil.RequireErrorCode(t, err, sserr.CodeJWKSFetch)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCache_CanceledWaiterDoesNotAbortSharedFetch(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	idp.Hold()
	c := newTestCache(newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.SigningKey(ctx, idp.URL(), "rsa-1")
		done <- err
	}()

	require.Eventually(t, func() bool { return idp.Fetches() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		testutil.RequireErrorCode(t, err, sserr.CodeJWKSFetch)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("canceled caller did not return")
	}

	idp.Release()
	require.Eventually(t, func() bool {
		_, ok := c.Snapshot(idp.URL())
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())
}

func TestCache_InvalidateAndLen(t *testing.T) {
	t.Parallel()
	a := testutil.NewIdentityProvider(t)
	b := testutil.NewIdentityProvider(t)
	c := newTestCache(newFakeClock())
	ctx := context.Background()

	_, err := c.SigningKey(ctx, a.URL(), "rsa-1")
	require.NoError(t, err)
	_, err = c.SigningKey(ctx, b.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Len())

	_, err = c.SigningKey(ctx, a.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Fetches(), "sets are cached per uri")

	c.Invalidate(a.URL())
	assert.Equal(t, 1, c.Len())
	_, err = c.SigningKey(ctx, a.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 2, a.Fetches())
}

func TestCache_ColdStartFromStore(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	store := newMemStore()
	store.docs[idp.URL()] = Document{Raw: idp.Document(t), FetchedAt: clock.Now().Add(-5 * time.Minute)}
	c := newTestCache(clock, func(cfg *CacheConfig) { cfg.Store = store })

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Zero(t, idp.Fetches())

	set, ok := c.Snapshot(idp.URL())
	require.True(t, ok)
	assert.Equal(t, SourceStore, set.Source)
	assert.Equal(t, clock.Now().Add(25*time.Minute), set.ExpiresAt)
}

func TestCache_StoreMissFetchesAndSaves(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	store := newMemStore()
	c := newTestCache(clock, func(cfg *CacheConfig) { cfg.Store = store })

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, DefaultTTL, store.ttls[idp.URL()])
	assert.Equal(t, clock.Now(), store.docs[idp.URL()].FetchedAt)
	assert.JSONEq(t, string(idp.Document(t)), string(store.docs[idp.URL()].Raw))
}

func TestCache_StaleStoreEntryIsIgnored(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	store := newMemStore()
	store.docs[idp.URL()] = Document{Raw: idp.Document(t), FetchedAt: clock.Now().Add(-DefaultTTL)}
	c := newTestCache(clock, func(cfg *CacheConfig) { cfg.Store = store })

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())
}

func TestCache_StoreFailureFallsBackToNetwork(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	store := newMemStore()
	store.err = sserr.New(sserr.CodeInternalStore, "redis down")
	c := newTestCache(newFakeClock(), func(cfg *CacheConfig) { cfg.Store = store })

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)
	assert.Equal(t, 1, idp.Fetches())
	assert.Equal(t, 1, store.loads)
	assert.Equal(t, 1, store.saves)
}

func TestCache_StoreCopyWithoutKidGoesToNetwork(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	clock := newFakeClock()
	store := newMemStore()
	store.docs[idp.URL()] = Document{Raw: idp.Document(t), FetchedAt: clock.Now()}
	idp.AddRSAKey(t, "rsa-2")
	c := newTestCache(clock, func(cfg *CacheConfig) { cfg.Store = store })

	key, err := c.SigningKey(context.Background(), idp.URL(), "rsa-2")
	require.NoError(t, err)
	assert.Equal(t, "rsa-2", key.ID)
	assert.Equal(t, 1, idp.Fetches())
}

func TestCache_Spans(t *testing.T) {
	t.Parallel()
	idp := testutil.NewIdentityProvider(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	c := newTestCache(newFakeClock(), func(cfg *CacheConfig) { cfg.TracerProvider = tp })

	_, err := c.SigningKey(context.Background(), idp.URL(), "rsa-1")
	require.NoError(t, err)

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["jwks.SigningKey"])
	assert.Equal(t, 1, names["jwks.Fetch"])
}

func TestCache_DefaultsApplied(t *testing.T) {
	t.Parallel()
	c := NewCache(CacheConfig{MinRefreshInterval: -time.Second})
	assert.Equal(t, DefaultTTL, c.cfg.TTL)
	assert.Equal(t, DefaultFetchTimeout, c.cfg.FetchTimeout)
	assert.Zero(t, c.cfg.MinRefreshInterval)
	assert.NotNil(t, c.cfg.HTTPClient)
	assert.NotNil(t, c.cfg.Now)
}
