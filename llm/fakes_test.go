package llm

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"loom_back/knowledge"

	"github.com/stretchr/testify/require"
)

type backendCall struct {
	stream bool
	key    string
	model  string
	req    *GenerateRequest
}

// scriptedBackend answers each call through the supplied functions; n is the
// zero-based index of the call among all calls.
type scriptedBackend struct {
	mu       sync.Mutex
	calls    []backendCall
	generate func(n int, call backendCall) (*GenerateResponse, error)
	stream   func(n int, call backendCall, handler func(*GenerateResponse) error) error
}

func (b *scriptedBackend) record(call backendCall) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, call)
	return len(b.calls) - 1
}

func (b *scriptedBackend) GenerateContent(_ context.Context, apiKey, model string, req *GenerateRequest) (*GenerateResponse, error) {
	call := backendCall{key: apiKey, model: model, req: req}
	n := b.record(call)
	if b.generate == nil {
		return textResponse("draft"), nil
	}
	return b.generate(n, call)
}

func (b *scriptedBackend) StreamGenerateContent(_ context.Context, apiKey, model string, req *GenerateRequest, handler func(*GenerateResponse) error) error {
	call := backendCall{stream: true, key: apiKey, model: model, req: req}
	n := b.record(call)
	if b.stream == nil {
		return handler(textResponse("ok"))
	}
	return b.stream(n, call, handler)
}

func (b *scriptedBackend) keyModelPairs() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	pairs := make([][2]string, 0, len(b.calls))
	for _, call := range b.calls {
		pairs = append(pairs, [2]string{call.key, call.model})
	}
	return pairs
}

func textResponse(text string) *GenerateResponse {
	return &GenerateResponse{Candidates: []Candidate{{Content: Content{Role: "model", Parts: []Part{{Text: text}}}}}}
}

func responseFromJSON(t *testing.T, raw string) *GenerateResponse {
	t.Helper()
	var resp GenerateResponse
	require.NoError(t, json.Unmarshal([]byte(raw), &resp))
	return &resp
}

func streamTexts(fragments ...string) func(int, backendCall, func(*GenerateResponse) error) error {
	return func(_ int, _ backendCall, handler func(*GenerateResponse) error) error {
		for _, fragment := range fragments {
			if err := handler(textResponse(fragment)); err != nil {
				return err
			}
		}
		return nil
	}
}

type countingRetriever struct {
	fragment string
	calls    int
}

func (r *countingRetriever) Retrieve(_ context.Context, _ string, _ []knowledge.Document) string {
	r.calls++
	return r.fragment
}

func collectUpdates(updates *[]TurnUpdate) func(TurnUpdate) error {
	return func(update TurnUpdate) error {
		*updates = append(*updates, update)
		return nil
	}
}

// lastUserText returns the text of the final content in a request.
func lastUserText(req *GenerateRequest) string {
	if req == nil || len(req.Contents) == 0 {
		return ""
	}
	return req.Contents[len(req.Contents)-1].Text()
}

func knowledgeDocForTest() knowledge.Document {
	return knowledge.Document{
		ID:     "doc-1",
		Name:   "lore.md",
		Text:   "The river runs north.",
		Active: true,
		Chunks: []knowledge.Chunk{{DocumentID: "doc-1", Text: "The river runs north.", Vector: []float32{1, 0}}},
	}
}
