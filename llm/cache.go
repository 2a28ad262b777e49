package llm

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	historyCacheTTL     = 2 * time.Minute
	historyCacheTimeout = 300 * time.Millisecond
)

// historyCache 缓存会话的消息记录，避免每轮对话都查询数据库。
type historyCache struct {
	client *redis.Client
}

// newHistoryCache 使用 Redis 客户端创建历史缓存。
func newHistoryCache(client *redis.Client) *historyCache {
	if client == nil {
		return nil
	}
	return &historyCache{client: client}
}

// cacheContext 为缓存操作设置超时上下文。
func (h *historyCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), historyCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= historyCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, historyCacheTimeout)
}

// key 构造缓存键格式。
func (h *historyCache) key(sessionID string) string {
	sessionID = strings.TrimSpace(sessionID)
	if h == nil || h.client == nil || sessionID == "" {
		return ""
	}
	return "llm:history:" + sessionID
}

// get 从缓存中读取会话历史。
func (h *historyCache) get(ctx context.Context, sessionID string) ([]Turn, bool) {
	key := h.key(sessionID)
	if key == "" {
		return nil, false
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	data, err := h.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("llm: read history cache failed: %v", err)
		}
		return nil, false
	}

	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, false
	}
	return turns, true
}

// store 将会话历史写入缓存。
func (h *historyCache) store(ctx context.Context, sessionID string, turns []Turn) {
	key := h.key(sessionID)
	if key == "" {
		return
	}

	payload, err := json.Marshal(turns)
	if err != nil {
		log.Printf("llm: marshal history cache payload failed: %v", err)
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Set(ctx, key, payload, historyCacheTTL).Err(); err != nil {
		log.Printf("llm: store history cache failed: %v", err)
	}
}

// invalidate 清除指定会话的缓存。
func (h *historyCache) invalidate(ctx context.Context, sessionID string) {
	key := h.key(sessionID)
	if key == "" {
		return
	}

	ctx, cancel := h.cacheContext(ctx)
	defer cancel()

	if err := h.client.Del(ctx, key).Err(); err != nil {
		log.Printf("llm: invalidate history cache failed: %v", err)
	}
}
