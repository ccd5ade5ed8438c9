package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
	"github.com/davidleathers/dpdp-compliance-engine/internal/testutil/containers"
)

func TestRedisLocker_Integration(t *testing.T) {
	opts, err := redis.ParseURL(containers.Redis(t))
	require.NoError(t, err)

	cfg := config.Defaults().Redis
	cfg.URL = opts.Addr
	client, err := NewRedisClient(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	// Two lockers model two API replicas sharing one Redis.
	a := NewRedisLocker(client, 5*time.Second, 3*time.Second, zaptest.NewLogger(t))
	b := NewRedisLocker(client, 5*time.Second, 3*time.Second, zaptest.NewLogger(t))
	id := uuid.New()

	var (
		mu      sync.Mutex
		holders int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		l := a
		if i%2 == 1 {
			l = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), id)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			holders++
			maxSeen = max(maxSeen, holders)
			mu.Unlock()
			time.Sleep(20 * time.Millisecond)
			mu.Lock()
			holders--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}
