package testutil

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/stricklysoft-authgate/internal/testutil/fixtures"
)

// KeysPath is where IdentityProvider publishes its key set.
const KeysPath = "/discovery/v2.0/keys"

type idpKey struct {
	kid     string
	alg     string
	private crypto.Signer
	// published is false for keys that sign tokens but are withheld
	// from the key set.
	published bool
}

// IdentityProvider is an httptest server publishing a JSON Web Key Set
// and signing tokens with the matching private keys. It counts key set
// requests and can be told to fail, stall or serve an arbitrary body.
type IdentityProvider struct {
	Server *httptest.Server

	// Issuer is stamped into tokens built by Claims.
	Issuer string

	fetches atomic.Int64

	mu     sync.Mutex
	keys   []*idpKey
	status int
	body   []byte
	hold   chan struct{}
}

// NewIdentityProvider starts a provider with one RS256 key, "rsa-1". The
// server is closed when t finishes.
func NewIdentityProvider(t testing.TB) *IdentityProvider {
	t.Helper()
	p := &IdentityProvider{}
	p.Server = httptest.NewServer(http.HandlerFunc(p.serveKeys))
	t.Cleanup(func() {
		p.Release()
		p.Server.Close()
	})
	p.Issuer = "https://login.microsoftonline.com/" + fixtures.TenantID + "/v2.0"
	p.AddRSAKey(t, "rsa-1")
	return p
}

// URL is the key set location.
func (p *IdentityProvider) URL() string {
	return p.Server.URL + KeysPath
}

// Fetches reports how many key set requests the server has received.
func (p *IdentityProvider) Fetches() int {
	return int(p.fetches.Load())
}

// AddRSAKey publishes a new 2048-bit RS256 key.
func (p *IdentityProvider) AddRSAKey(t testing.TB, kid string) *rsa.PrivateKey {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.add(&idpKey{kid: kid, alg: "RS256", private: k, published: true})
	return k
}

// AddECKey publishes a new P-256 ES256 key.
func (p *IdentityProvider) AddECKey(t testing.TB, kid string) *ecdsa.PrivateKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p.add(&idpKey{kid: kid, alg: "ES256", private: k, published: true})
	return k
}

// AddEd25519Key publishes a new EdDSA key.
func (p *IdentityProvider) AddEd25519Key(t testing.TB, kid string) ed25519.PrivateKey {
	t.Helper()
	_, k, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p.add(&idpKey{kid: kid, alg: "EdDSA", private: k, published: true})
	return k
}

// AddUnpublishedKey creates an RS256 key that can sign tokens but never
// appears in the key set.
func (p *IdentityProvider) AddUnpublishedKey(t testing.TB, kid string) {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p.add(&idpKey{kid: kid, alg: "RS256", private: k})
}

// Publish makes a previously unpublished key visible, as during rotation.
func (p *IdentityProvider) Publish(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.kid == kid {
			k.published = true
		}
	}
}

// PublicKey returns the public half of kid, or nil.
func (p *IdentityProvider) PublicKey(kid string) crypto.PublicKey {
	if k := p.key(kid); k != nil {
		return k.private.Public()
	}
	return nil
}

// SetStatus makes the key endpoint answer with status and an empty body.
// Zero restores normal behaviour.
func (p *IdentityProvider) SetStatus(status int) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// SetBody replaces the key set document. Nil restores the real one.
func (p *IdentityProvider) SetBody(body []byte) {
	p.mu.Lock()
	p.body = body
	p.mu.Unlock()
}

// Hold makes key set requests block until Release.
func (p *IdentityProvider) Hold() {
	p.mu.Lock()
	if p.hold == nil {
		p.hold = make(chan struct{})
	}
	p.mu.Unlock()
}

// Release unblocks requests stalled by Hold.
func (p *IdentityProvider) Release() {
	p.mu.Lock()
	if p.hold != nil {
		close(p.hold)
		p.hold = nil
	}
	p.mu.Unlock()
}

// Document returns the JSON key set currently published.
func (p *IdentityProvider) Document(t testing.TB) []byte {
	t.Helper()
	data, err := p.document()
	require.NoError(t, err)
	return data
}

func (p *IdentityProvider) document() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := jose.JSONWebKeySet{}
	for _, k := range p.keys {
		if !k.published {
			continue
		}
		set.Keys = append(set.Keys, jose.JSONWebKey{
			Key:       k.private.Public(),
			KeyID:     k.kid,
			Algorithm: k.alg,
			Use:       "sig",
		})
	}
	return json.Marshal(set)
}

// Claims returns a valid claim set for fixtures.TenantID and
// fixtures.ClientID, expiring in an hour, with overrides applied. A nil
// override value deletes the claim.
func (p *IdentityProvider) Claims(overrides map[string]any) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer,
		"aud": fixtures.ClientID,
		"sub": fixtures.Subject,
		"tid": fixtures.TenantID,
		"scp": fixtures.ScopeRead,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// Sign signs claims with kid using the key's own algorithm.
func (p *IdentityProvider) Sign(t testing.TB, kid string, claims jwt.Claims) string {
	t.Helper()
	k := p.key(kid)
	require.NotNil(t, k, "unknown kid %q", kid)
	return SignWith(t, jwt.GetSigningMethod(k.alg), k.private, kid, claims)
}

// Token signs Claims(overrides) with "rsa-1".
func (p *IdentityProvider) Token(t testing.TB, overrides map[string]any) string {
	t.Helper()
	return p.Sign(t, "rsa-1", p.Claims(overrides))
}

// SignWith signs claims with an explicit method and key. kid is omitted
// from the header when empty.
func SignWith(t testing.TB, method jwt.SigningMethod, key any, kid string, claims jwt.Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(method, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func (p *IdentityProvider) add(k *idpKey) {
	p.mu.Lock()
	p.keys = append(p.keys, k)
	p.mu.Unlock()
}

func (p *IdentityProvider) key(kid string) *idpKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if k.kid == kid {
			return k
		}
	}
	return nil
}

func (p *IdentityProvider) serveKeys(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != KeysPath {
		http.NotFound(w, r)
		return
	}
	p.fetches.Add(1)

	p.mu.Lock()
	hold, status, body := p.hold, p.status, p.body
	p.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if body == nil {
		var err error
		if body, err = p.document(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
