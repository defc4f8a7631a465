//go:build integration

// Package containers starts throwaway service containers for integration
// tests. Everything here carries the "integration" build tag so unit test
// builds never pull in Docker dependencies.
//
//	result, err := containers.StartRedis(ctx)
//	if err != nil { ... }
//	defer result.Container.Terminate(ctx)
package containers

import (
	"context"
	"fmt"
	"os"
	"testing"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// DefaultRedisImage is used unless AUTHGATE_TEST_REDIS_IMAGE overrides it.
const DefaultRedisImage = "docker.io/redis:7-alpine"

// RedisResult is a started Redis container and its redis:// URI.
type RedisResult struct {
	Container  *tcredis.RedisContainer
	ConnString string
}

// StartRedis starts a Redis container. The caller terminates it. If the
// connection string cannot be read the container is terminated here.
func StartRedis(ctx context.Context) (*RedisResult, error) {
	image := DefaultRedisImage
	if v := os.Getenv("AUTHGATE_TEST_REDIS_IMAGE"); v != "" {
		image = v
	}

	container, err := tcredis.Run(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to start redis container: %w", err)
	}

	connStr, err := container.ConnectionString(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("containers: failed to get redis connection string: %w", err)
	}

	return &RedisResult{Container: container, ConnString: connStr}, nil
}

// RedisForTest starts Redis and terminates it when t finishes.
func RedisForTest(t testing.TB) *RedisResult {
	t.Helper()
	ctx := context.Background()
	result, err := StartRedis(ctx)
	if err != nil {
		t.Fatalf("containers: %v", err)
	}
	t.Cleanup(func() {
		if err := result.Container.Terminate(ctx); err != nil {
			t.Logf("containers: terminate redis: %v", err)
		}
	})
	return result
}
