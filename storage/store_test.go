package storage

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDatabase("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func TestNewStoreRequiresDB(t *testing.T) {
	_, err := NewStore(nil)
	assert.Error(t, err)
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	session, err := store.CreateSession(ctx, "   ")
	require.NoError(t, err)
	assert.Equal(t, "New Chat", session.Title)
	assert.NotEmpty(t, session.ID)

	require.NoError(t, store.RenameSession(ctx, session.ID, " The Drowned Tower "))
	loaded, err := store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "The Drowned Tower", loaded.Title)

	assert.Error(t, store.RenameSession(ctx, session.ID, " "))
	assert.ErrorIs(t, store.RenameSession(ctx, "missing", "x"), ErrNotFound)

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	require.NoError(t, store.DeleteSession(ctx, session.ID))
	_, err = store.SessionByID(ctx, session.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteSession(ctx, session.ID), ErrNotFound)
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session, err := store.CreateSession(ctx, "story")
	require.NoError(t, err)

	first := &Message{Role: "user", Text: "We open the door."}
	second := &Message{Role: "model", Text: "It creaks."}
	require.NoError(t, store.AppendMessage(ctx, session.ID, first))
	require.NoError(t, store.AppendMessage(ctx, session.ID, second))
	assert.Equal(t, 1, first.Seq)
	assert.Equal(t, 2, second.Seq)

	_, messages, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "We open the door.", messages[0].Text)
	assert.Equal(t, "model", messages[1].Role)

	assert.Error(t, store.AppendMessage(ctx, session.ID, nil))

	err = store.AppendMessage(ctx, "missing", &Message{Role: "user", Text: "lost"})
	assert.ErrorIs(t, err, ErrNotFound)
	orphans, err := store.Messages(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, orphans, "failed append is rolled back")
}

func TestDeleteSessionRemovesMessages(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session, err := store.CreateSession(ctx, "story")
	require.NoError(t, err)
	require.NoError(t, store.AppendMessage(ctx, session.ID, &Message{Role: "user", Text: "hi"}))

	require.NoError(t, store.DeleteSession(ctx, session.ID))
	messages, err := store.Messages(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestUpdateSummaryAndTokens(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	session, err := store.CreateSession(ctx, "story")
	require.NoError(t, err)

	require.NoError(t, store.UpdateSummary(ctx, session.ID, "  They fled north.  ", 4))
	require.NoError(t, store.AddTokens(ctx, session.ID, 120))
	require.NoError(t, store.AddTokens(ctx, session.ID, 30))
	require.NoError(t, store.AddTokens(ctx, session.ID, -5))

	loaded, err := store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.Summary)
	assert.Equal(t, "They fled north.", *loaded.Summary)
	assert.Equal(t, 4, loaded.SummarySeq)
	assert.EqualValues(t, 150, loaded.TokenCount)

	require.NoError(t, store.UpdateSummary(ctx, session.ID, " ", 4))
	loaded, err = store.SessionByID(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded.Summary)

	assert.ErrorIs(t, store.UpdateSummary(ctx, "missing", "x", 1), ErrNotFound)
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	type blob struct {
		Keys  []string `json:"keys"`
		Model string   `json:"model"`
	}

	var empty blob
	found, err := store.LoadSettings(ctx, &empty)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SaveSettings(ctx, blob{Keys: []string{"a"}, Model: "flash"}))
	require.NoError(t, store.SaveSettings(ctx, blob{Keys: []string{"a", "b"}, Model: "pro"}))

	var got blob
	found, err = store.LoadSettings(ctx, &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, blob{Keys: []string{"a", "b"}, Model: "pro"}, got)
}

func TestInferDriverFromDSN(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@h/db":   "postgres",
		"mysql://u:p@h/db":      "mysql",
		"sqlite://data/loom.db": "sqlite",
		"loom.sqlite":           "sqlite",
		"user@tcp(h)/db":        "",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, inferDriverFromDSN(dsn), dsn)
	}
}
