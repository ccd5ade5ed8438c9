package containers

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go/modules/redis"
)

// Redis starts a Redis 7 container for t and returns its URL, or skips t in
// -short mode.
func Redis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	ctx := context.Background()
	c, err := redis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	url, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("redis connection string: %v", err)
	}
	return url
}
