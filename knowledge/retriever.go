package knowledge

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
)

const (
	RelevanceThreshold = 0.4
	MaxContextChars    = 150_000
	MaxContextChunks   = 20
)

// Retriever ranks the chunks of active documents against a query and renders
// the best ones into a prompt fragment.
type Retriever struct {
	embedder  Embedder
	threshold float64
	maxChars  int
	maxChunks int
}

func NewRetriever(embedder Embedder) *Retriever {
	return &Retriever{
		embedder:  embedder,
		threshold: RelevanceThreshold,
		maxChars:  MaxContextChars,
		maxChunks: MaxContextChunks,
	}
}

// Retrieve returns the rendered fragment, or "" when nothing qualifies.
func (r *Retriever) Retrieve(ctx context.Context, query string, docs []Document) string {
	return Render(r.Select(ctx, query, docs))
}

// Select returns the chosen chunks in descending score order. No embedding
// call is made when no document is both active and vectorized.
func (r *Retriever) Select(ctx context.Context, query string, docs []Document) []ScoredChunk {
	if r == nil || r.embedder == nil {
		return nil
	}
	eligible := eligibleDocuments(docs)
	if len(eligible) == 0 {
		return nil
	}

	queryVector, ok := r.embedder.Embed(ctx, query, "")
	if !ok {
		return nil
	}

	scored := make([]ScoredChunk, 0)
	for _, doc := range eligible {
		for _, chunk := range doc.Chunks {
			if chunk.DocumentName == "" {
				chunk.DocumentName = doc.Name
			}
			scored = append(scored, ScoredChunk{
				Chunk: chunk,
				Score: CosineSimilarity(queryVector, chunk.Vector),
			})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	selected := make([]ScoredChunk, 0, r.maxChunks)
	usedChars := 0
	for _, candidate := range scored {
		if len(selected) >= r.maxChunks {
			break
		}
		if candidate.Score <= r.threshold {
			break
		}
		size := runeLen(candidate.Text)
		if usedChars+size > r.maxChars {
			continue
		}
		usedChars += size
		selected = append(selected, candidate)
	}
	return selected
}

func eligibleDocuments(docs []Document) []Document {
	result := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if !doc.Active || len(doc.Chunks) == 0 {
			continue
		}
		result = append(result, doc)
	}
	return result
}

// Render formats selected chunks as a tagged knowledge block.
func Render(chunks []ScoredChunk) string {
	if len(chunks) == 0 {
		return ""
	}
	var builder strings.Builder
	builder.WriteString("<retrieved_knowledge>\n")
	for _, chunk := range chunks {
		fmt.Fprintf(&builder, "<chunk source=\"%s\" relevance=\"%.2f\">\n", html.EscapeString(chunk.DocumentName), chunk.Score)
		builder.WriteString(chunk.Text)
		builder.WriteString("\n</chunk>\n")
	}
	builder.WriteString("</retrieved_knowledge>")
	return builder.String()
}
