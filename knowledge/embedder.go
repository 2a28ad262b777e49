package knowledge

import (
	"context"
	"log"
	"os"
	"strings"
)

const defaultEmbeddingModel = "text-embedding-004"

// EmbeddingBackend is the hosted operation that turns text into a vector.
type EmbeddingBackend interface {
	EmbedContent(ctx context.Context, apiKey, model, text string) ([]float32, error)
}

// KeySource exposes the currently active credential of the rotation state.
type KeySource interface {
	Current() (string, bool)
}

// Embedder returns a vector for text, or false when none could be produced.
// An empty key selects the ambient credential.
type Embedder interface {
	Embed(ctx context.Context, text string, key string) ([]float32, bool)
}

// EmbeddingClient adapts an EmbeddingBackend to the Embedder contract and
// swallows every failure.
type EmbeddingClient struct {
	backend EmbeddingBackend
	keys    KeySource
	modelID string
	cache   *vectorCache
}

func NewEmbeddingClient(backend EmbeddingBackend, keys KeySource, modelID string) *EmbeddingClient {
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = defaultEmbeddingModel
	}
	return &EmbeddingClient{backend: backend, keys: keys, modelID: modelID}
}

// NewEmbeddingClientFromEnv reads EMBEDDING_MODEL_ID and attaches the redis
// vector cache when one is reachable.
func NewEmbeddingClientFromEnv(backend EmbeddingBackend, keys KeySource) *EmbeddingClient {
	client := NewEmbeddingClient(backend, keys, os.Getenv("EMBEDDING_MODEL_ID"))
	client.cache = newVectorCacheFromEnv()
	return client
}

func (c *EmbeddingClient) ModelID() string {
	if c == nil {
		return ""
	}
	return c.modelID
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string, key string) ([]float32, bool) {
	if c == nil || c.backend == nil {
		return nil, false
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	apiKey := strings.TrimSpace(key)
	if apiKey == "" && c.keys != nil {
		if current, ok := c.keys.Current(); ok {
			apiKey = current
		}
	}
	if apiKey == "" {
		log.Printf("knowledge: embed skipped, no credential available")
		return nil, false
	}

	if cached, ok := c.cache.get(ctx, c.modelID, trimmed); ok {
		return cached, true
	}

	vector, err := c.backend.EmbedContent(ctx, apiKey, c.modelID, trimmed)
	if err != nil {
		log.Printf("knowledge: embed failed: %v", err)
		return nil, false
	}
	if len(vector) == 0 {
		log.Printf("knowledge: embed returned an empty vector")
		return nil, false
	}

	c.cache.store(ctx, c.modelID, trimmed, vector)
	return vector, true
}
