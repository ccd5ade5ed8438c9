package cache

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/compliance"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// PrincipalLockPrefix namespaces the per-principal lock keys.
const PrincipalLockPrefix = "dpdp:lock:principal:"

const lockRetryInterval = 25 * time.Millisecond

// releaseScript deletes the lock only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var (
	_ compliance.Locker = (*RedisLocker)(nil)
	_ compliance.Locker = (*ShardedLocker)(nil)
)

// RedisLocker serializes per-principal mutations across instances with a
// SET NX PX lease. The lease bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration, logger *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, wait: wait, logger: logger}
}

// Lock blocks until the lock is acquired, ctx is done, or the configured wait
// elapses.
func (l *RedisLocker) Lock(ctx context.Context, principalID uuid.UUID) (func(), error) {
	key := PrincipalLockPrefix + principalID.String()
	token := uuid.NewString()

	waitCtx := ctx
	if l.wait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, l.wait)
		defer cancel()
	}

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(waitCtx, key, token, l.ttl).Result()
		if err != nil && waitCtx.Err() == nil {
			l.logger.Error("redis lock failed", zap.String("key", key), zap.Error(err))
			return nil, errors.NewInternalError("failed to acquire principal lock").WithCause(err)
		}
		if ok {
			return func() { l.release(key, token) }, nil
		}

		select {
		case <-waitCtx.Done():
			return nil, errors.NewConflictError(errors.CodeConflict, "principal is busy, retry later").
				WithDetails(map[string]interface{}{"principal_id": principalID.String()}).
				WithCause(waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
		l.logger.Warn("redis lock release failed", zap.String("key", key), zap.Error(err))
	}
}

// numLockShards bounds memory for the in-process locker; distinct principals
// may share a shard.
const numLockShards = 128

// ShardedLocker serializes per-principal mutations inside one process.
type ShardedLocker struct {
	shards [numLockShards]sync.Mutex
}

func NewShardedLocker() *ShardedLocker {
	return &ShardedLocker{}
}

func (l *ShardedLocker) Lock(ctx context.Context, principalID uuid.UUID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.NewConflictError(errors.CodeConflict, "lock aborted").WithCause(err)
	}
	m := &l.shards[shardFor(principalID)]
	m.Lock()
	return m.Unlock, nil
}

// shardFor hashes the id with FNV-1a.
func shardFor(id uuid.UUID) int {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return int(h.Sum32() % numLockShards)
}
