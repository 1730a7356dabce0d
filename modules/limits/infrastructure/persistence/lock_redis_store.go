package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/quotienthq/quotient/modules/limits/domain/ports"
	"github.com/quotienthq/quotient/pkg/runid"
	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "quotient:lock:"

var newHolderToken = runid.NewString

// releaseLockScript deletes the lock only when the caller still holds it,
// so a runner whose lock was stolen after ttl cannot release the thief's.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// LockRedisStore implements the cooperative mutex on redis: SET NX PX takes
// the lock, key expiry is the staleness window, so steal-on-timeout comes
// from redis itself.
type LockRedisStore struct {
	rdb *redis.Client

	mu   sync.Mutex
	held map[string]string
}

func NewLockRedisStore(rdb *redis.Client) ports.LockStore {
	return &LockRedisStore{rdb: rdb, held: make(map[string]string)}
}

func (s *LockRedisStore) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	token, err := newHolderToken()
	if err != nil {
		return false, err
	}
	ok, err := s.rdb.SetNX(ctx, lockKeyPrefix+name, token, ttl).Result()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	s.mu.Lock()
	s.held[name] = token
	s.mu.Unlock()
	return true, nil
}

func (s *LockRedisStore) Release(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	token, ok := s.held[name]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	n, err := releaseLockScript.Run(ctx, s.rdb, []string{lockKeyPrefix + name}, token).Int()
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	delete(s.held, name)
	s.mu.Unlock()
	return n == 1, nil
}
