package tts

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/blake2b"
)

const (
	audioCacheTTL        = 7 * 24 * time.Hour
	audioCacheTimeout    = 500 * time.Millisecond
	defaultMemoryEntries = 64
)

// AudioCache maps (voice, text) to synthesized audio. It uses redis when a
// client is supplied and a bounded in-process map otherwise. A nil cache is
// a no-op.
type AudioCache struct {
	client *redis.Client

	mu         sync.Mutex
	entries    map[string]SpeechResult
	order      []string
	maxEntries int
}

func NewAudioCache(client *redis.Client, maxEntries int) *AudioCache {
	if maxEntries <= 0 {
		maxEntries = defaultMemoryEntries
	}
	return &AudioCache{
		client:     client,
		entries:    make(map[string]SpeechResult),
		maxEntries: maxEntries,
	}
}

func audioCacheKey(voiceID, style, text string) string {
	sum := blake2b.Sum256([]byte(strings.ToLower(voiceID) + "\x00" + style + "\x00" + text))
	return "tts:audio:" + hex.EncodeToString(sum[:])
}

func (a *AudioCache) cacheContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return context.WithTimeout(context.Background(), audioCacheTimeout)
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= audioCacheTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, audioCacheTimeout)
}

func (a *AudioCache) Get(ctx context.Context, voiceID, style, text string) (*SpeechResult, bool) {
	if a == nil {
		return nil, false
	}
	key := audioCacheKey(voiceID, style, text)

	if a.client != nil {
		ctx, cancel := a.cacheContext(ctx)
		defer cancel()

		data, err := a.client.Get(ctx, key).Bytes()
		if err != nil {
			if err != redis.Nil {
				log.Printf("tts: read audio cache failed: %v", err)
			}
			return nil, false
		}
		var result SpeechResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, false
		}
		return &result, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	result, ok := a.entries[key]
	if !ok {
		return nil, false
	}
	return &result, true
}

func (a *AudioCache) Put(ctx context.Context, voiceID, style, text string, result *SpeechResult) {
	if a == nil || result == nil {
		return
	}
	key := audioCacheKey(voiceID, style, text)
	stored := *result
	stored.Cached = false

	if a.client != nil {
		payload, err := json.Marshal(stored)
		if err != nil {
			log.Printf("tts: marshal audio cache payload failed: %v", err)
			return
		}
		ctx, cancel := a.cacheContext(ctx)
		defer cancel()
		if err := a.client.Set(ctx, key, payload, audioCacheTTL).Err(); err != nil {
			log.Printf("tts: store audio cache failed: %v", err)
		}
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.entries[key]; !exists {
		a.order = append(a.order, key)
	}
	a.entries[key] = stored
	for len(a.order) > a.maxEntries {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.entries, oldest)
	}
}

// Len reports the number of in-process entries.
func (a *AudioCache) Len() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
