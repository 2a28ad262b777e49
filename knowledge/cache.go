package knowledge

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"time"

	"loom_back/cache"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	vectorCacheTTL     = 24 * time.Hour
	vectorCacheTimeout = 300 * time.Millisecond
)

// vectorCache memoizes query embeddings in redis. A nil cache is a no-op.
type vectorCache struct {
	client *redis.Client
}

func newVectorCache(client *redis.Client) *vectorCache {
	if client == nil {
		return nil
	}
	return &vectorCache{client: client}
}

func newVectorCacheFromEnv() *vectorCache {
	client, err := cache.GetRedisClient()
	if err != nil {
		if !errors.Is(err, cache.ErrDisabled) {
			log.Printf("knowledge: embedding cache disabled: %v", err)
		}
		return nil
	}
	return newVectorCache(client)
}

func (v *vectorCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), vectorCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= vectorCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, vectorCacheTimeout)
}

func vectorCacheKey(model, text string) string {
	sum := blake2b.Sum256([]byte(model + "|" + text))
	return "loom:embed:" + hex.EncodeToString(sum[:])
}

func (v *vectorCache) get(ctx context.Context, model, text string) ([]float32, bool) {
	if v == nil || v.client == nil {
		return nil, false
	}
	ctx, cancel := v.cacheContext(ctx)
	defer cancel()

	data, err := v.client.Get(ctx, vectorCacheKey(model, text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal(data, &vector); err != nil || len(vector) == 0 {
		return nil, false
	}
	return vector, true
}

func (v *vectorCache) store(ctx context.Context, model, text string, vector []float32) {
	if v == nil || v.client == nil {
		return
	}
	payload, err := json.Marshal(vector)
	if err != nil {
		log.Printf("knowledge: marshal embedding cache payload failed: %v", err)
		return
	}

	ctx, cancel := v.cacheContext(ctx)
	defer cancel()

	if err := v.client.Set(ctx, vectorCacheKey(model, text), payload, vectorCacheTTL).Err(); err != nil {
		log.Printf("knowledge: store embedding cache failed: %v", err)
	}
}
