package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

const (
	DefaultLockTTL       = 10 * time.Second
	DefaultRetryInterval = 25 * time.Millisecond
)

// RedisLocker holds a lock as a key set with NX and a TTL. Each holder writes
// a random token so only it can release the key. While held, the TTL is
// extended every RefreshInterval (TTL/3 when unset) so a slow critical
// section does not lose the lock to expiry.
type RedisLocker struct {
	Client          *redis.Client
	TTL             time.Duration
	RetryInterval   time.Duration
	RefreshInterval time.Duration
	Prefix          string
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{
		Client:        client,
		TTL:           ttl,
		RetryInterval: DefaultRetryInterval,
		Prefix:        "sentinel:lock:",
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (Release, error) {
	redisKey := l.Prefix + key
	token := uuid.NewString()
	retry := l.RetryInterval
	if retry <= 0 {
		retry = DefaultRetryInterval
	}

	for {
		ok, err := l.Client.SetNX(ctx, redisKey, token, l.TTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(context.WithoutCancel(ctx), redisKey, token, stop, done)

	var (
		once   sync.Once
		relErr error
	)
	return func(ctx context.Context) error {
		once.Do(func() {
			close(stop)
			<-done
			n, err := releaseScript.Run(ctx, l.Client, []string{redisKey}, token).Int64()
			switch {
			case err != nil:
				relErr = err
			case n == 0:
				relErr = ErrLockLost
			}
		})
		return relErr
	}, nil
}

// keepAlive extends the lease until stop is closed or the key no longer
// carries token.
func (l *RedisLocker) keepAlive(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	if l.TTL <= 0 {
		return
	}
	interval := l.RefreshInterval
	if interval <= 0 {
		interval = l.TTL / 3
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		n, err := refreshScript.Run(ctx, l.Client, []string{key}, token, l.TTL.Milliseconds()).Int64()
		if err == nil && n == 0 {
			return
		}
	}
}
