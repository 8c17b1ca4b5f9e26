package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"

	"github.com/NestedFinance/nested-core-lego/internal/failure"
)

// 只有持有者本人才能删除锁。
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// 只有持有者本人才能续期。
var renewScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// RedisLocker 使用 SET NX PX 在多实例之间互斥。
// 持有期间每隔 ttl/3 续期一次，直到解锁或锁被他人取得。
type RedisLocker struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// NewRedisLocker 创建 locker，ttl 为持有者失联后锁自动过期的时间。
func NewRedisLocker(client backend.UniversalClient, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl}
}

// TryLock 实现 Locker。
func (l *RedisLocker) TryLock(ctx context.Context, key string) (UnlockFunc, error) {
	lockKey := l.prefix + "lock:" + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, lockKey, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lock: redis 加锁失败: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("lock: %s 正在被执行: %w", key, failure.ErrConflict)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(lockKey, token, stop, done)

	var once sync.Once
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
		})
		if err := unlockScript.Run(ctx, l.client, []string{lockKey}, token).Err(); err != nil {
			return fmt.Errorf("lock: redis 解锁失败: %w", err)
		}
		return nil
	}, nil
}

// keepAlive 周期性续期，锁已不属于 token 时退出。
func (l *RedisLocker) keepAlive(lockKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			held, err := renewScript.Run(ctx, l.client, []string{lockKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && held == 0 {
				return
			}
		}
	}
}
