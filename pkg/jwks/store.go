package jwks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	sserr "github.com/StricklySoft/stricklysoft-authgate/pkg/errors"
)

// Document is a raw key set as published, with the time it was fetched.
type Document struct {
	Raw       json.RawMessage `json:"raw"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Store is a second-level cache shared between process instances. A cold
// instance loads from it before going to the network, and every network
// fetch is written back.
type Store interface {
	// Load returns the document saved for uri. found is false when there
	// is none.
	Load(ctx context.Context, uri string) (doc Document, found bool, err error)
	// Save records doc for uri for at most ttl.
	Save(ctx context.Context, uri string, doc Document, ttl time.Duration) error
}

// KV is the key-value surface RedisStore needs. *redis.Client from
// pkg/clients/redis satisfies it.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// DefaultStoreKeyPrefix namespaces key-set entries in a shared Redis.
const DefaultStoreKeyPrefix = "authgate:jwks:"

// RedisStore keeps documents in Redis under prefix + sha256(uri).
type RedisStore struct {
	kv     KV
	prefix string
}

// NewRedisStore returns a Store backed by kv. An empty prefix selects
// DefaultStoreKeyPrefix.
func NewRedisStore(kv KV, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultStoreKeyPrefix
	}
	return &RedisStore{kv: kv, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return s.prefix + hex.EncodeToString(sum[:])
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, uri string) (Document, bool, error) {
	val, found, err := s.kv.Get(ctx, s.key(uri))
	if err != nil || !found {
		return Document{}, false, err
	}
	var doc Document
	if err := json.Unmarshal([]byte(val), &doc); err != nil {
		return Document{}, false, sserr.Wrap(err, sserr.CodeInternalStore, "jwks: corrupt stored key set")
	}
	return doc, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, uri string, doc Document, ttl time.Duration) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return sserr.Wrap(err, sserr.CodeInternalStore, "jwks: encode key set")
	}
	return s.kv.Set(ctx, s.key(uri), data, ttl)
}
