package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"loom_back/storage"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	module  *Module
	store   *storage.Store
	backend *scriptedBackend
	router  *gin.Engine
}

func newHandlerFixture(t *testing.T, backend *scriptedBackend) *handlerFixture {
	t.Helper()
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("LLM_MODEL_ID", "")

	db, err := storage.OpenDatabase("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := storage.NewStore(db)
	require.NoError(t, err)
	module, err := NewModule(context.Background(), store, backend, NewKeyRing(nil), nil)
	require.NoError(t, err)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	module.RegisterRoutes(router)
	return &handlerFixture{module: module, store: store, backend: backend, router: router}
}

func (f *handlerFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *handlerFixture) createSession(t *testing.T) string {
	t.Helper()
	rec := f.do(http.MethodPost, "/chat/sessions", `{"title":"The Drowned Tower"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session storage.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	return session.ID
}

func TestTurnWithoutKeysPersistsError(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})
	id := fixture.createSession(t)

	rec := fixture.do(http.MethodPost, "/chat/sessions/"+id+"/turn", `{"input":"Open the door."}`)
	assert.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), ErrNoCredentials.Error())
	assert.Empty(t, fixture.backend.calls)

	_, messages, err := fixture.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Open the door.", messages[0].Text)
	assert.True(t, messages[1].IsError)
}

func TestTurnPersistsReply(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{stream: streamTexts("Once upon", " a time")})
	id := fixture.createSession(t)

	rec := fixture.do(http.MethodPut, "/chat/settings", `{"api_keys":["key-one-1234"],"model_id":"gemini-2.5-flash","memories":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"****1234"`)
	assert.NotContains(t, rec.Body.String(), "key-one-1234")

	rec = fixture.do(http.MethodPost, "/chat/sessions/"+id+"/turn", `{"input":"Begin."}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var done struct {
		Message  storage.Message `json:"message"`
		Model    string          `json:"model"`
		Attempts int             `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, "Once upon a time", done.Message.Text)
	assert.Equal(t, 2, done.Message.Seq)
	assert.Equal(t, "gemini-2.5-flash", done.Model)
	assert.Equal(t, 1, done.Attempts)

	require.Len(t, fixture.backend.calls, 1)
	assert.Equal(t, "key-one-1234", fixture.backend.calls[0].key)

	rec = fixture.do(http.MethodGet, "/chat/sessions/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var loaded struct {
		Messages []storage.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &loaded))
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "model", loaded.Messages[1].Role)
}

func TestTurnRejectsConcurrentRun(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})
	id := fixture.createSession(t)
	require.True(t, fixture.module.acquireTurn(id))
	defer fixture.module.releaseTurn(id)

	rec := fixture.do(http.MethodPost, "/chat/sessions/"+id+"/turn", `{"input":"again"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestTurnValidation(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})

	assert.Equal(t, http.StatusBadRequest, fixture.do(http.MethodPost, "/chat/sessions/x/turn", `{"input":"  "}`).Code)
	assert.Equal(t, http.StatusNotFound, fixture.do(http.MethodPost, "/chat/sessions/missing/turn", `{"input":"hi"}`).Code)
	assert.Equal(t, http.StatusNotFound, fixture.do(http.MethodGet, "/chat/sessions/missing", "").Code)
}

func TestPutSettingsResolvesMaskedKeys(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})
	require.Equal(t, http.StatusOK, fixture.do(http.MethodPut, "/chat/settings", `{"api_keys":["key-one-1234"]}`).Code)

	rec := fixture.do(http.MethodPut, "/chat/settings", `{"api_keys":["****1234","key-two-5678"],"safety_threshold":"block_none"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	settings := fixture.module.Settings()
	assert.Equal(t, []string{"key-one-1234", "key-two-5678"}, settings.APIKeys)
	assert.Equal(t, "BLOCK_NONE", settings.SafetyThreshold)
	assert.Equal(t, 2, fixture.module.keys.Len())

	var persisted Settings
	found, err := fixture.store.LoadSettings(context.Background(), &persisted)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, settings.APIKeys, persisted.APIKeys)
}

func TestPutSettingsKeepsOmittedCollections(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})
	rec := fixture.do(http.MethodPut, "/chat/settings",
		`{"api_keys":["key-one-1234"],"characters":[{"id":"c1","name":"Mara","traits":"wary"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, http.StatusCreated, fixture.do(http.MethodPost, "/chat/memories", `{"text":"The bridge is out"}`).Code)

	rec = fixture.do(http.MethodPut, "/chat/settings", `{"model_id":"gemini-2.5-pro"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	settings := fixture.module.Settings()
	assert.Equal(t, "gemini-2.5-pro", settings.ModelID)
	assert.Equal(t, []string{"key-one-1234"}, settings.APIKeys)
	require.Len(t, settings.Memories, 1)
	assert.Equal(t, "The bridge is out", settings.Memories[0].Text)
	require.Len(t, settings.Characters, 1)
	assert.Equal(t, "Mara", settings.Characters[0].Name)

	var persisted Settings
	_, err := fixture.store.LoadSettings(context.Background(), &persisted)
	require.NoError(t, err)
	assert.Len(t, persisted.Memories, 1)
	assert.Len(t, persisted.Characters, 1)

	rec = fixture.do(http.MethodPut, "/chat/settings", `{"memories":[],"characters":[]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, fixture.module.Settings().Memories)
	assert.Empty(t, fixture.module.Settings().Characters)
}

func TestAddMemory(t *testing.T) {
	fixture := newHandlerFixture(t, &scriptedBackend{})

	rec := fixture.do(http.MethodPost, "/chat/memories", `{"text":"The bridge is out"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	memories := fixture.module.Settings().Memories
	require.Len(t, memories, 1)
	assert.Equal(t, MemoryOriginUser, memories[0].Origin)

	assert.Equal(t, http.StatusBadRequest, fixture.do(http.MethodPost, "/chat/memories", `{"text":" "}`).Code)
}

func TestResolveMaskedKeys(t *testing.T) {
	stored := []string{"alpha-0001", "beta-0002"}
	assert.Equal(t, []string{"beta-0002", "fresh"}, resolveMaskedKeys([]string{"****0002", " fresh ", "****9999"}, stored))
}

func TestStatusForGenerationError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrNoCredentials, http.StatusPreconditionFailed},
		{&BlockedError{Reason: "SAFETY"}, http.StatusUnprocessableEntity},
		{errTurnInProgress, http.StatusConflict},
		{storage.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForGenerationError(tc.err), tc.err.Error())
	}
}
