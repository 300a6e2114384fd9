package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotAcquired is returned when the lock is still held after all attempts
var ErrNotAcquired = errors.New("lock not acquired")

// releaseScript deletes the key only if it still carries our token, so an
// expired holder never frees a lock someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still carries our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release.
// The lease is renewed every ttl/3 while held, so ttl only bounds how long a
// crashed holder blocks others, not how long a tick may run.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	poll   time.Duration
	logger zerolog.Logger
}

var _ Locker = (*RedisLocker)(nil)

// RedisOption configures the RedisLocker
type RedisOption func(*RedisLocker)

// WithTTL sets the lease length; it bounds how long a crashed holder can block others
func WithTTL(ttl time.Duration) RedisOption {
	return func(l *RedisLocker) { l.ttl = ttl }
}

// WithPollInterval sets the delay between acquisition attempts
func WithPollInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) { l.poll = d }
}

// WithKeyPrefix namespaces lock keys
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) { l.prefix = prefix }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(l *RedisLocker) { l.logger = logger }
}

// NewRedisLocker creates a distributed locker. The caller owns the client.
func NewRedisLocker(client redis.Cmdable, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{
		client: client,
		prefix: "triageflow:lock:",
		ttl:    30 * time.Second,
		poll:   50 * time.Millisecond,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock polls SET NX until it wins or ctx is done
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: setnx: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("lock %s: %w: %w", key, ErrNotAcquired, ctx.Err())
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	renewed := make(chan struct{})
	go l.renew(redisKey, token, stop, renewed)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-renewed

			// Release must outlive a cancelled caller context.
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn().Err(err).Str("key", key).Msg("Failed to release lock")
			}
		})
	}, nil
}

// renew extends the lease until stop is closed or the lease is lost
func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := l.ttl / 3
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

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		held, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			l.logger.Warn().Err(err).Str("key", redisKey).Msg("Failed to renew lock")
			continue
		}
		if held == 0 {
			l.logger.Warn().Str("key", redisKey).Msg("Lock lease lost")
			return
		}
	}
}
