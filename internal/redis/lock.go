package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// releaseScript deletes the lock only while it still holds our token, so an
// instance whose lock expired cannot free a lock someone else now owns.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TickLock is a SET NX lock that keeps scheduler ticks from overlapping
// across instances. The TTL bounds how long a crashed holder blocks others.
type TickLock struct {
	client *Client
	logger *zap.Logger
	key    string
	ttl    time.Duration
}

// NewTickLock creates a lock stored under name.
func NewTickLock(client *Client, logger *zap.Logger, name string, ttl time.Duration) *TickLock {
	return &TickLock{
		client: client,
		logger: logger,
		key:    keyPrefix + "lock:" + name,
		ttl:    ttl,
	}
}

// TryLock acquires the lock without waiting.
func (l *TickLock) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return nil, false, nil
	}

	unlock := func() {
		// The caller's context may already be done at release time.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, token).Err(); err != nil {
			l.logger.Warn("failed to release tick lock", zap.String("key", l.key), zap.Error(err))
		}
	}
	return unlock, true, nil
}
