package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(backend Backend, keys []string, retriever KnowledgeRetriever) *Orchestrator {
	o := NewOrchestrator(backend, NewKeyRing(keys), NewComposer(retriever))
	o.fallbackModel = DefaultFastModel
	return o
}

func quotaError() error {
	return &APIError{Status: http.StatusTooManyRequests, Code: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}
}

func TestRunTurnWithoutKeysMakesNoCalls(t *testing.T) {
	backend := &scriptedBackend{}
	retriever := &countingRetriever{fragment: "knowledge"}
	o := newTestOrchestrator(backend, nil, retriever)

	result, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "hello"}, nil)

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrNoCredentials)
	assert.Empty(t, backend.calls)
	assert.Zero(t, retriever.calls, "no embedding lookup without credentials")
}

func TestRunTurnStreamsVisibleTextAndThought(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(_ int, _ backendCall, handler func(*GenerateResponse) error) error {
			if err := handler(textResponse("Hello <thou")); err != nil {
				return err
			}
			return handler(responseFromJSON(t, `{"candidates":[{"content":{"role":"model","parts":[{"text":"ght>plan</thought> world"}]},
				"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://a.example","title":"A"}},{"web":{"uri":"https://a.example","title":"A"}}]}}]}`))
		},
	}
	o := newTestOrchestrator(backend, []string{"k1"}, nil)

	var updates []TurnUpdate
	result, err := o.RunTurn(context.Background(), TurnRequest{
		Settings: Settings{ModelID: DefaultFastModel, SystemInstruction: "Narrate."},
		Input:    "Begin",
	}, collectUpdates(&updates))
	require.NoError(t, err)

	assert.Equal(t, "Hello  world", result.Text)
	assert.Equal(t, "plan", result.Thought)
	assert.Equal(t, []Grounding{{Title: "A", URI: "https://a.example"}}, result.Grounding)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, DefaultFastModel, result.Model)
	assert.Equal(t, EstimateTokens("Hello  world"+"plan"), result.Usage.OutputTokens)
	assert.Equal(t, result.Composition.EstimatedTokens, result.Usage.InputTokens)

	require.Len(t, updates, 3)
	assert.Equal(t, "Hello ", updates[0].TextDelta)
	assert.Equal(t, " world", updates[1].TextDelta)
	assert.Equal(t, "plan", updates[1].Thought)
	assert.True(t, updates[2].Done)
	require.NotNil(t, updates[2].Usage)

	require.Len(t, backend.calls, 1)
	req := backend.calls[0].req
	require.NotNil(t, req.SystemInstruction)
	assert.Contains(t, req.SystemInstruction.Text(), "Narrate.")
	assert.Contains(t, req.SystemInstruction.Text(), "<thought>")
	assert.Equal(t, "[USER INPUT]\nBegin\n[/USER INPUT]", lastUserText(req))
}

func TestRunTurnFallsBackOnceThenRotates(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(int, backendCall, func(*GenerateResponse) error) error {
			return quotaError()
		},
	}
	o := newTestOrchestrator(backend, []string{"k1", "k2"}, nil)

	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: "gemini-2.5-pro"}, Input: "go"}, nil)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, [][2]string{
		{"k1", "gemini-2.5-pro"},
		{"k1", DefaultFastModel},
		{"k2", DefaultFastModel},
	}, backend.keyModelPairs())
}

func TestRunTurnRotatesKeysForFastModel(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(n int, _ backendCall, handler func(*GenerateResponse) error) error {
			if n < 2 {
				return &APIError{Status: http.StatusForbidden, Code: "PERMISSION_DENIED", Message: "key revoked"}
			}
			return handler(textResponse("fine"))
		},
	}
	o := newTestOrchestrator(backend, []string{"k1", "k2", "k3"}, nil)

	result, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "go"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", result.Text)
	assert.Equal(t, 2, result.KeyIndex)
	assert.Equal(t, 3, result.Attempts)

	// The ring stays on the working key for the next turn.
	key, _ := o.Keys().Current()
	assert.Equal(t, "k3", key)
}

const invalidKeyBody = `{"error":{"code":400,"message":"API key not valid. Please pass a valid API key.","status":"INVALID_ARGUMENT",` +
	`"details":[{"@type":"type.googleapis.com/google.rpc.ErrorInfo","reason":"API_KEY_INVALID","domain":"googleapis.com",` +
	`"metadata":{"service":"generativelanguage.googleapis.com"}}]}}`

func TestRunTurnRotatesPastInvalidKey(t *testing.T) {
	var seenKeys []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-goog-api-key")
		seenKeys = append(seenKeys, key)
		if key != "good-key-2" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, invalidKeyBody)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"role\":\"model\",\"parts\":[{\"text\":\"The gate opens.\"}]},\"finishReason\":\"STOP\"}]}\r\n\r\n")
	}))
	defer server.Close()

	o := newTestOrchestrator(NewClient(server.URL, server.Client()), []string{"bad-key-1", "good-key-2"}, nil)
	result, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "Knock."}, nil)

	require.NoError(t, err)
	assert.Equal(t, "The gate opens.", result.Text)
	assert.Equal(t, 1, result.KeyIndex)
	assert.Equal(t, 2, result.Attempts)
	assert.Equal(t, []string{"bad-key-1", "good-key-2"}, seenKeys)
}

func TestRunTurnDoesNotRetryBlockedContent(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(int, backendCall, func(*GenerateResponse) error) error {
			return &BlockedError{Reason: "SAFETY"}
		},
	}
	o := newTestOrchestrator(backend, []string{"k1", "k2"}, nil)

	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: "gemini-2.5-pro"}, Input: "go"}, nil)
	assert.ErrorIs(t, err, ErrContentBlocked)
	assert.Len(t, backend.calls, 1)
	assert.Equal(t, 0, o.Keys().Index())
}

func TestRunTurnWrapsSafetyMessagesAsBlocked(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(int, backendCall, func(*GenerateResponse) error) error {
			return &APIError{Status: http.StatusBadRequest, Message: "request rejected by safety system"}
		},
	}
	o := newTestOrchestrator(backend, []string{"k1"}, nil)

	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "go"}, nil)
	assert.ErrorIs(t, err, ErrContentBlocked)
}

func TestRunTurnStopsOnTerminalError(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(int, backendCall, func(*GenerateResponse) error) error {
			return fmt.Errorf("llm: execute request: %w", errors.New("connection refused"))
		},
	}
	o := newTestOrchestrator(backend, []string{"k1", "k2"}, nil)

	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: "gemini-2.5-pro"}, Input: "go"}, nil)
	require.Error(t, err)
	assert.Len(t, backend.calls, 1)
}

func TestRunTurnSignalsRestartAfterPartialOutput(t *testing.T) {
	backend := &scriptedBackend{
		stream: func(n int, _ backendCall, handler func(*GenerateResponse) error) error {
			if n == 0 {
				if err := handler(textResponse("partial")); err != nil {
					return err
				}
				return quotaError()
			}
			return streamTexts("full ", "answer")(n, backendCall{}, handler)
		},
	}
	o := newTestOrchestrator(backend, []string{"k1", "k2"}, nil)

	var updates []TurnUpdate
	result, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "go"}, collectUpdates(&updates))
	require.NoError(t, err)

	assert.Equal(t, "full answer", result.Text)
	require.GreaterOrEqual(t, len(updates), 3)
	assert.Equal(t, "partial", updates[0].TextDelta)
	assert.False(t, updates[0].Restart)
	assert.True(t, updates[1].Restart)
	assert.Equal(t, "full ", updates[1].TextDelta)
	assert.False(t, updates[2].Restart)
}

func TestRunTurnRefineDraftsThenStreamsRewrite(t *testing.T) {
	backend := &scriptedBackend{
		generate: func(int, backendCall) (*GenerateResponse, error) {
			return textResponse("rough draft"), nil
		},
		stream: streamTexts("polished"),
	}
	o := newTestOrchestrator(backend, []string{"k1"}, nil)

	result, err := o.RunTurn(context.Background(), TurnRequest{
		Settings: Settings{ModelID: DefaultFastModel, AutoRefine: true},
		Input:    "write",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "polished", result.Text)

	require.Len(t, backend.calls, 2)
	draft, rewrite := backend.calls[0], backend.calls[1]
	assert.False(t, draft.stream)
	assert.True(t, rewrite.stream)
	assert.True(t, strings.HasSuffix(lastUserText(draft.req), draftingInstruction))
	assert.Equal(t, lastUserText(draft.req), result.Composition.Prompt)
	assert.Equal(t, EstimateTokens(result.Composition.Prompt), result.Usage.InputTokens)

	contents := rewrite.req.Contents
	require.Len(t, contents, 3)
	assert.Equal(t, "model", contents[1].Role)
	assert.Equal(t, "rough draft", contents[1].Text())
	assert.Equal(t, refineInstruction, contents[2].Text())
}

func TestRunTurnSendsWindowedHistory(t *testing.T) {
	var turns []Turn
	for i := 1; i <= 30; i++ {
		role := "user"
		if i%2 == 0 {
			role = "model"
		}
		turns = append(turns, Turn{Seq: i, Role: role, Text: fmt.Sprintf("turn %d", i)})
	}
	turns = append(turns, Turn{Seq: 31, Role: "model", Text: "boom", IsError: true})

	backend := &scriptedBackend{}
	o := newTestOrchestrator(backend, []string{"k1"}, nil)

	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, History: turns, Input: "next"}, nil)
	require.NoError(t, err)

	contents := backend.calls[0].req.Contents
	require.Len(t, contents, HistoryWindow+1)
	assert.Equal(t, "turn 11", contents[0].Text())
	assert.Equal(t, "turn 30", contents[HistoryWindow-1].Text())
}

func TestRunTurnEmitErrorAborts(t *testing.T) {
	backend := &scriptedBackend{stream: streamTexts("a", "b")}
	o := newTestOrchestrator(backend, []string{"k1"}, nil)

	stop := errors.New("client gone")
	_, err := o.RunTurn(context.Background(), TurnRequest{Settings: Settings{ModelID: DefaultFastModel}, Input: "go"}, func(TurnUpdate) error {
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Len(t, backend.calls, 1)
}
