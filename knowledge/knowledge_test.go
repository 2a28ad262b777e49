package knowledge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEmbedder returns a fixed vector per text and records every call.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float32
	fallback []float32
	fail     map[string]bool
	calls    []string
	keys     []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string, key string) ([]float32, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	f.keys = append(f.keys, key)
	if f.fail[text] {
		return nil, false
	}
	if v, ok := f.vectors[text]; ok {
		return v, true
	}
	if f.fallback != nil {
		return f.fallback, true
	}
	return nil, false
}

func TestSplitFixed(t *testing.T) {
	t.Run("exact multiple", func(t *testing.T) {
		assert.Equal(t, []string{"abc", "def"}, SplitFixed("abcdef", 3))
	})
	t.Run("short tail", func(t *testing.T) {
		assert.Equal(t, []string{"abcd", "ef"}, SplitFixed("abcdef", 4))
	})
	t.Run("empty", func(t *testing.T) {
		assert.Nil(t, SplitFixed("", 10))
	})
	t.Run("multibyte runes are not split", func(t *testing.T) {
		assert.Equal(t, []string{"你好", "世界"}, SplitFixed("你好世界", 2))
	})
	t.Run("non-positive size uses default", func(t *testing.T) {
		text := strings.Repeat("x", defaultChunkSize+1)
		segments := SplitFixed(text, 0)
		require.Len(t, segments, 2)
		assert.Len(t, segments[1], 1)
	})
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2, 3}, []float32{2, 4, 6}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity(nil, nil))
	assert.Zero(t, CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorizeSkipsShortAndFailedChunks(t *testing.T) {
	long := strings.Repeat("a", 60)
	text := long + strings.Repeat("b", 60) + "tail"
	embedder := &fakeEmbedder{
		fallback: []float32{1, 0},
		fail:     map[string]bool{strings.Repeat("b", 60): true},
	}
	vectorizer := NewVectorizer(embedder, 60, 50, 0)

	doc := vectorizer.Vectorize(context.Background(), RawDocument{Name: " notes.txt ", Text: text}, "key-1")

	assert.Equal(t, "notes.txt", doc.Name)
	assert.True(t, doc.Active)
	assert.NotEmpty(t, doc.ID)
	assert.Equal(t, int64(len(text)), doc.Size)
	require.Len(t, doc.Chunks, 1)
	assert.Equal(t, 0, doc.Chunks[0].Index)
	assert.Equal(t, doc.ID, doc.Chunks[0].DocumentID)
	assert.Equal(t, "notes.txt", doc.Chunks[0].DocumentName)

	// "tail" is under the minimum and never reaches the embedder.
	assert.Equal(t, []string{long, strings.Repeat("b", 60)}, embedder.calls)
	assert.Equal(t, []string{"key-1", "key-1"}, embedder.keys)
}

func TestVectorizeNormalizesNewlines(t *testing.T) {
	vectorizer := NewVectorizer(&fakeEmbedder{}, 1000, 0, 0)
	doc := vectorizer.Vectorize(context.Background(), RawDocument{Name: "a", Text: "one\r\ntwo\rthree"}, "k")
	assert.Equal(t, "one\ntwo\nthree", doc.Text)
	assert.Empty(t, doc.Chunks)
}

func TestVectorizeStopsOnCancelledContext(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1}}
	vectorizer := NewVectorizer(embedder, 10, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := vectorizer.Vectorize(ctx, RawDocument{Name: "a", Text: strings.Repeat("z", 30)}, "k")
	assert.Len(t, doc.Chunks, 1)
	assert.Len(t, embedder.calls, 1)
}

func chunk(name, text string, vector ...float32) Chunk {
	return Chunk{DocumentName: name, Text: text, Vector: vector}
}

func TestRetrieverSelect(t *testing.T) {
	docs := []Document{
		{ID: "1", Name: "lore.md", Active: true, Chunks: []Chunk{
			chunk("lore.md", "dragons", 1, 0),
			chunk("lore.md", "castles", 0.6, 0.8),
			chunk("lore.md", "weather", 0, 1),
		}},
		{ID: "2", Name: "off.md", Active: false, Chunks: []Chunk{
			chunk("off.md", "ignored", 1, 0),
		}},
	}
	embedder := &fakeEmbedder{vectors: map[string][]float32{"query": {1, 0}}}
	retriever := NewRetriever(embedder)

	selected := retriever.Select(context.Background(), "query", docs)

	require.Len(t, selected, 2)
	assert.Equal(t, "dragons", selected[0].Text)
	assert.InDelta(t, 1.0, selected[0].Score, 1e-9)
	assert.Equal(t, "castles", selected[1].Text)
	assert.InDelta(t, 0.6, selected[1].Score, 1e-6)
	assert.Equal(t, []string{""}, embedder.keys)
}

func TestRetrieverThreshold(t *testing.T) {
	docs := []Document{{ID: "1", Name: "a", Active: true, Chunks: []Chunk{
		chunk("a", "below", 0.3, 0.9539392),
		chunk("a", "above", 0.5, 0.8660254),
	}}}
	retriever := NewRetriever(&fakeEmbedder{fallback: []float32{1, 0}})

	selected := retriever.Select(context.Background(), "q", docs)
	require.Len(t, selected, 1)
	assert.Equal(t, "above", selected[0].Text)
}

func TestRetrieverCaps(t *testing.T) {
	var chunks []Chunk
	for i := 0; i < MaxContextChunks+5; i++ {
		chunks = append(chunks, chunk("a", "text", 1, 0))
	}
	docs := []Document{{ID: "1", Name: "a", Active: true, Chunks: chunks}}
	retriever := NewRetriever(&fakeEmbedder{fallback: []float32{1, 0}})
	assert.Len(t, retriever.Select(context.Background(), "q", docs), MaxContextChunks)

	retriever.maxChars = 10
	docs[0].Chunks = []Chunk{
		chunk("a", strings.Repeat("x", 8), 1, 0),
		chunk("a", strings.Repeat("y", 8), 1, 0),
		chunk("a", "zz", 1, 0),
	}
	selected := retriever.Select(context.Background(), "q", docs)
	require.Len(t, selected, 2)
	assert.Equal(t, "zz", selected[1].Text)
}

func TestRetrieverSkipsEmbeddingWithoutEligibleDocuments(t *testing.T) {
	embedder := &fakeEmbedder{fallback: []float32{1}}
	retriever := NewRetriever(embedder)
	docs := []Document{
		{ID: "1", Active: false, Chunks: []Chunk{chunk("a", "x", 1)}},
		{ID: "2", Active: true},
	}
	assert.Equal(t, "", retriever.Retrieve(context.Background(), "q", docs))
	assert.Empty(t, embedder.calls)
}

func TestRetrieveRendersFragment(t *testing.T) {
	docs := []Document{{ID: "1", Name: "Guide <1>", Active: true, Chunks: []Chunk{
		{Text: "The gate opens at dawn.", Vector: []float32{0, 1}},
	}}}
	retriever := NewRetriever(&fakeEmbedder{fallback: []float32{0, 2}})

	fragment := retriever.Retrieve(context.Background(), "when does the gate open", docs)

	expected := "<retrieved_knowledge>\n" +
		"<chunk source=\"Guide &lt;1&gt;\" relevance=\"1.00\">\n" +
		"The gate opens at dawn.\n" +
		"</chunk>\n" +
		"</retrieved_knowledge>"
	assert.Equal(t, expected, fragment)
}

func TestRetrieveReturnsEmptyWhenEmbeddingFails(t *testing.T) {
	docs := []Document{{ID: "1", Name: "a", Active: true, Chunks: []Chunk{chunk("a", "x", 1)}}}
	retriever := NewRetriever(&fakeEmbedder{})
	assert.Equal(t, "", retriever.Retrieve(context.Background(), "q", docs))
}

type fakeBackend struct {
	vector []float32
	err    error
	keys   []string
	models []string
}

func (f *fakeBackend) EmbedContent(_ context.Context, apiKey, model, _ string) ([]float32, error) {
	f.keys = append(f.keys, apiKey)
	f.models = append(f.models, model)
	return f.vector, f.err
}

type staticKeys struct {
	key string
}

func (s staticKeys) Current() (string, bool) {
	return s.key, s.key != ""
}

func TestEmbeddingClient(t *testing.T) {
	t.Run("explicit key wins over ambient", func(t *testing.T) {
		backend := &fakeBackend{vector: []float32{0.5}}
		client := NewEmbeddingClient(backend, staticKeys{key: "ambient"}, "")
		vector, ok := client.Embed(context.Background(), "hello", "explicit")
		require.True(t, ok)
		assert.Equal(t, []float32{0.5}, vector)
		assert.Equal(t, []string{"explicit"}, backend.keys)
		assert.Equal(t, []string{defaultEmbeddingModel}, backend.models)
	})
	t.Run("ambient key when none given", func(t *testing.T) {
		backend := &fakeBackend{vector: []float32{0.5}}
		client := NewEmbeddingClient(backend, staticKeys{key: "ambient"}, "custom-embed")
		_, ok := client.Embed(context.Background(), "hello", "")
		require.True(t, ok)
		assert.Equal(t, []string{"ambient"}, backend.keys)
		assert.Equal(t, "custom-embed", client.ModelID())
	})
	t.Run("no credential means no call", func(t *testing.T) {
		backend := &fakeBackend{vector: []float32{0.5}}
		client := NewEmbeddingClient(backend, staticKeys{}, "")
		_, ok := client.Embed(context.Background(), "hello", "")
		assert.False(t, ok)
		assert.Empty(t, backend.keys)
	})
	t.Run("backend failure is swallowed", func(t *testing.T) {
		client := NewEmbeddingClient(&fakeBackend{err: errors.New("quota")}, staticKeys{key: "k"}, "")
		_, ok := client.Embed(context.Background(), "hello", "")
		assert.False(t, ok)
	})
	t.Run("empty vector is a failure", func(t *testing.T) {
		client := NewEmbeddingClient(&fakeBackend{}, staticKeys{key: "k"}, "")
		_, ok := client.Embed(context.Background(), "hello", "")
		assert.False(t, ok)
	})
	t.Run("blank text", func(t *testing.T) {
		backend := &fakeBackend{vector: []float32{1}}
		client := NewEmbeddingClient(backend, staticKeys{key: "k"}, "")
		_, ok := client.Embed(context.Background(), "   ", "")
		assert.False(t, ok)
		assert.Empty(t, backend.keys)
	})
}

func TestSummarizeOmitsContent(t *testing.T) {
	doc := Document{ID: "1", Name: "a", Text: "secret", Active: true, Chunks: []Chunk{{}, {}}}
	summary := Summarize(doc)
	assert.Equal(t, 2, summary.ChunkCount)
	assert.Equal(t, "a", summary.Name)
}
