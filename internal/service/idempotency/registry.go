package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
	"github.com/vladislavdragonenkov/marketplace/internal/domain"
)

// Пространства ключей реестра.
const (
	NamespaceAPI     = "api"
	NamespaceReturns = "returns"
)

// Срок жизни ключей по умолчанию.
const (
	APIKeyTTL    = 24 * time.Hour
	ReturnKeyTTL = 180 * 24 * time.Hour
)

// Registry регистрирует ключи через уникальный индекс хранилища.
type Registry struct {
	repo  domain.IdempotencyRepository
	clock clock.Clock
}

// NewRegistry создаёт реестр поверх репозитория idempotency-ключей.
func NewRegistry(repo domain.IdempotencyRepository, c clock.Clock) *Registry {
	return &Registry{repo: repo, clock: clock.OrDefault(c)}
}

// HashKey возвращает sha256(namespace|key) в hex.
func HashKey(namespace, key string) string {
	sum := sha256.Sum256([]byte(namespace + "|" + key))
	return hex.EncodeToString(sum[:])
}

// Register атомарно занимает ключ; true — ключ свежий, false — уже встречался.
func (r *Registry) Register(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	hash := HashKey(namespace, key)
	_, err := r.repo.CreateProcessing(ctx, hash, hash, r.clock.Now().Add(ttl))
	switch {
	case err == nil:
		return true, nil
	case domain.IsIdempotencyConflict(err):
		return false, nil
	default:
		return false, fmt.Errorf("register %s key: %w", namespace, err)
	}
}

// Complete отмечает ключ как обработанный.
func (r *Registry) Complete(ctx context.Context, namespace, key string) error {
	return r.repo.MarkDone(ctx, HashKey(namespace, key), nil, 0)
}

// Forget освобождает ключ после неуспешной обработки, чтобы её можно было повторить.
func (r *Registry) Forget(ctx context.Context, namespace, key string) error {
	return r.repo.Delete(ctx, HashKey(namespace, key))
}
