package knowledge

import (
	"context"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultMinChunkChars = 50
	defaultEmbedPacing   = 300 * time.Millisecond
)

// Vectorizer turns extracted document text into an embedded Document. Chunks
// are embedded one at a time with a pause between calls to stay under the
// provider's rate limits.
type Vectorizer struct {
	embedder  Embedder
	chunkSize int
	minChars  int
	pacing    time.Duration
}

func NewVectorizer(embedder Embedder, chunkSize, minChars int, pacing time.Duration) *Vectorizer {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if minChars < 0 {
		minChars = defaultMinChunkChars
	}
	if pacing < 0 {
		pacing = 0
	}
	return &Vectorizer{
		embedder:  embedder,
		chunkSize: chunkSize,
		minChars:  minChars,
		pacing:    pacing,
	}
}

// NewVectorizerFromEnv reads KNOWLEDGE_CHUNK_SIZE, KNOWLEDGE_MIN_CHUNK_CHARS
// and KNOWLEDGE_EMBED_PACING_MS.
func NewVectorizerFromEnv(embedder Embedder) *Vectorizer {
	chunkSize := readIntEnv("KNOWLEDGE_CHUNK_SIZE", defaultChunkSize)
	minChars := readIntEnv("KNOWLEDGE_MIN_CHUNK_CHARS", defaultMinChunkChars)
	pacingMs := readIntEnv("KNOWLEDGE_EMBED_PACING_MS", int(defaultEmbedPacing/time.Millisecond))
	return NewVectorizer(embedder, chunkSize, minChars, time.Duration(pacingMs)*time.Millisecond)
}

func readIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// Vectorize embeds every usable chunk of raw with the given credential.
// Failed chunks are dropped; the result may have no chunks at all.
func (v *Vectorizer) Vectorize(ctx context.Context, raw RawDocument, key string) Document {
	doc := Document{
		ID:       uuid.NewString(),
		Name:     strings.TrimSpace(raw.Name),
		Text:     normalizeNewlines(raw.Text),
		MimeType: strings.TrimSpace(raw.MimeType),
		Size:     raw.Size,
		Active:   true,
	}
	if doc.Size <= 0 {
		doc.Size = int64(len(raw.Text))
	}
	if v == nil || v.embedder == nil {
		return doc
	}

	segments := SplitFixed(doc.Text, v.chunkSize)
	issued := 0
	for i, segment := range segments {
		if runeLen(strings.TrimSpace(segment)) < v.minChars {
			continue
		}
		if issued > 0 {
			if err := v.wait(ctx); err != nil {
				log.Printf("knowledge: vectorize %q interrupted after %d chunks: %v", doc.Name, len(doc.Chunks), err)
				break
			}
		}
		issued++

		vector, ok := v.embedder.Embed(ctx, segment, key)
		if !ok {
			continue
		}
		doc.Chunks = append(doc.Chunks, Chunk{
			DocumentID:   doc.ID,
			DocumentName: doc.Name,
			Index:        i,
			Text:         segment,
			Vector:       vector,
		})
	}
	return doc
}

func (v *Vectorizer) wait(ctx context.Context) error {
	if v.pacing <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(v.pacing)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
