package jwks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/go-jose/go-jose/v4"
)

var (
	rsaAlgorithms     = []string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512"}
	ed25519Algorithms = []string{"EdDSA"}
)

// Key is one usable public signing key from a published key set.
type Key struct {
	// ID is the key identifier ("kid").
	ID string
	// Algorithms are the signature algorithms the key may verify. A token
	// declaring any other algorithm must be rejected.
	Algorithms []string
	// Public is an *rsa.PublicKey, *ecdsa.PublicKey or ed25519.PublicKey.
	Public crypto.PublicKey
}

// Allows reports whether alg is one of the key's algorithms.
func (k Key) Allows(alg string) bool {
	return slices.Contains(k.Algorithms, alg)
}

// KeySet is an immutable snapshot of a published key set. A refresh
// replaces the whole snapshot.
type KeySet struct {
	URI string
	// Source is SourceNetwork or SourceStore.
	Source    string
	FetchedAt time.Time
	ExpiresAt time.Time

	keys map[string]Key
}

// Lookup returns the key with the given identifier.
func (s *KeySet) Lookup(kid string) (Key, bool) {
	if s == nil {
		return Key{}, false
	}
	k, ok := s.keys[kid]
	return k, ok
}

// Len is the number of usable keys.
func (s *KeySet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.keys)
}

// IDs returns the key identifiers in sorted order.
func (s *KeySet) IDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.keys))
	for id := range s.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Expired reports whether the snapshot is at or past its expiry.
func (s *KeySet) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// skippedKey records a document entry that was not turned into a Key.
type skippedKey struct {
	index  int
	kid    string
	reason string
}

// parseDocument decodes a {"keys":[...]} document. Entries that cannot
// serve as public signing keys are returned as skipped rather than
// failing the whole document. A document without a keys array, or with no
// usable key, is an error.
func parseDocument(data []byte) (map[string]Key, []skippedKey, error) {
	var doc struct {
		Keys *[]json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("decode key set: %w", err)
	}
	if doc.Keys == nil {
		return nil, nil, fmt.Errorf("key set has no keys array")
	}

	keys := make(map[string]Key, len(*doc.Keys))
	var skipped []skippedKey
	for i, raw := range *doc.Keys {
		key, reason := parseKey(raw)
		if reason != "" {
			skipped = append(skipped, skippedKey{index: i, kid: key.ID, reason: reason})
			continue
		}
		if _, dup := keys[key.ID]; dup {
			skipped = append(skipped, skippedKey{index: i, kid: key.ID, reason: "duplicate kid"})
			continue
		}
		keys[key.ID] = key
	}
	if len(keys) == 0 {
		return nil, skipped, fmt.Errorf("key set has no usable signing keys (%d skipped)", len(skipped))
	}
	return keys, skipped, nil
}

// parseKey returns the key or a non-empty reason it was rejected.
func parseKey(raw json.RawMessage) (Key, string) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return Key{}, "unparseable: " + err.Error()
	}
	k := Key{ID: jwk.KeyID}
	switch {
	case jwk.KeyID == "":
		return k, "missing kid"
	case !jwk.IsPublic():
		return k, "not a public key"
	case jwk.Use != "" && jwk.Use != "sig":
		return k, fmt.Sprintf("use %q is not sig", jwk.Use)
	}

	derived := algorithmsFor(jwk.Key)
	if len(derived) == 0 {
		return k, fmt.Sprintf("unsupported key type %T", jwk.Key)
	}
	if jwk.Algorithm != "" {
		if !slices.Contains(derived, jwk.Algorithm) {
			return k, fmt.Sprintf("alg %q does not match key type", jwk.Algorithm)
		}
		derived = []string{jwk.Algorithm}
	}

	k.Algorithms = derived
	k.Public = jwk.Key
	return k, ""
}

func algorithmsFor(pub any) []string {
	switch p := pub.(type) {
	case *rsa.PublicKey:
		return slices.Clone(rsaAlgorithms)
	case *ecdsa.PublicKey:
		switch p.Curve {
		case elliptic.P256():
			return []string{"ES256"}
		case elliptic.P384():
			return []string{"ES384"}
		case elliptic.P521():
			return []string{"ES512"}
		}
	case ed25519.PublicKey:
		return slices.Clone(ed25519Algorithms)
	}
	return nil
}
