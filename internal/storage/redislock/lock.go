// Package redislock реализует распределённую блокировку задач поверх Redis.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

// releaseScript удаляет ключ только если им владеет текущий токен.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker захватывает блокировки SET NX PX с токеном владельца.
type Locker struct {
	client *redis.Client
	prefix string
	logger *log.Entry
}

// New создаёт Locker. Пустой prefix заменяется на "marketplace:lock:".
func New(client *redis.Client, prefix string, logger *log.Entry) *Locker {
	if prefix == "" {
		prefix = "marketplace:lock:"
	}
	if logger == nil {
		logger = log.WithField("component", "redislock")
	}
	return &Locker{client: client, prefix: prefix, logger: logger}
}

// NewClient открывает клиента и проверяет соединение.
func NewClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

// TryLock пытается захватить блокировку name на ttl.
func (l *Locker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + name
	token := clock.NewID()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			l.logger.WithError(err).WithField("key", key).Warn("release lock failed")
		}
	}
	return release, true, nil
}

// Holder возвращает токен текущего владельца или пустую строку.
func (l *Locker) Holder(ctx context.Context, name string) (string, error) {
	token, err := l.client.Get(ctx, l.prefix+name).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}
