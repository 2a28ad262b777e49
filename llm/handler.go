package llm

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"loom_back/cache"
	"loom_back/knowledge"
	"loom_back/storage"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
)

var errTurnInProgress = errors.New("llm: a turn is already running for this session")

// Module owns the chat routes, the shared key ring and the settings blob.
type Module struct {
	store        *storage.Store
	keys         *KeyRing
	orchestrator *Orchestrator
	extractor    *Extractor
	history      *historyCache
	catalog      []ChatModelOption

	mu       sync.RWMutex
	settings Settings

	turnsMu sync.Mutex
	running map[string]struct{}
}

// NewModule loads the persisted settings (seeding defaults on first start)
// and wires the pipeline around backend.
func NewModule(ctx context.Context, store *storage.Store, backend Backend, keys *KeyRing, retriever KnowledgeRetriever) (*Module, error) {
	if store == nil {
		return nil, errors.New("llm: store is required")
	}
	if keys == nil {
		keys = NewKeyRing(nil)
	}

	settings := DefaultSettings()
	found, err := store.LoadSettings(ctx, &settings)
	if err != nil {
		return nil, err
	}
	settings = settings.Normalize()
	if len(settings.APIKeys) == 0 {
		settings.APIKeys = ParseKeyList(strings.TrimSpace(os.Getenv("GEMINI_API_KEYS")))
	}
	if !found {
		if err := store.SaveSettings(ctx, settings); err != nil {
			return nil, err
		}
	}
	keys.Reset(settings.APIKeys)

	return &Module{
		store:        store,
		keys:         keys,
		orchestrator: NewOrchestrator(backend, keys, NewComposer(retriever)),
		extractor:    NewExtractor(backend, keys),
		history:      newHistoryCache(cache.Client()),
		catalog:      loadChatModelCatalog(),
		settings:     settings,
		running:      make(map[string]struct{}),
	}, nil
}

// RegisterRoutes mounts the chat endpoints under /chat.
func (m *Module) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/chat")
	group.GET("/sessions", m.handleListSessions)
	group.POST("/sessions", m.handleCreateSession)
	group.GET("/sessions/:id", m.handleGetSession)
	group.PATCH("/sessions/:id", m.handleRenameSession)
	group.DELETE("/sessions/:id", m.handleDeleteSession)
	group.POST("/sessions/:id/turn", m.handleTurn)
	group.GET("/sessions/:id/ws", m.handleTurnSocket)
	group.POST("/sessions/:id/memory", m.handleExtractMemory)
	group.POST("/memories", m.handleAddMemory)
	group.GET("/settings", m.handleGetSettings)
	group.PUT("/settings", m.handlePutSettings)
	group.GET("/models", m.handleListModels)
}

// Settings returns a snapshot of the current settings.
func (m *Module) Settings() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.settings
}

// Documents returns the knowledge library.
func (m *Module) Documents(ctx context.Context) []knowledge.Document {
	return m.Settings().Knowledge
}

// UpdateDocuments applies fn to the knowledge library and persists the result.
func (m *Module) UpdateDocuments(ctx context.Context, fn func([]knowledge.Document) ([]knowledge.Document, error)) error {
	return m.updateSettings(ctx, func(s *Settings) error {
		docs, err := fn(append([]knowledge.Document(nil), s.Knowledge...))
		if err != nil {
			return err
		}
		s.Knowledge = docs
		return nil
	})
}

func (m *Module) updateSettings(ctx context.Context, fn func(*Settings) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.settings
	if err := fn(&next); err != nil {
		return err
	}
	next = next.Normalize()
	if err := m.store.SaveSettings(ctx, next); err != nil {
		return err
	}
	m.settings = next
	return nil
}

func (m *Module) handleListSessions(c *gin.Context) {
	sessions, err := m.store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load sessions", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

type sessionTitleRequest struct {
	Title string `json:"title"`
}

func (m *Module) handleCreateSession(c *gin.Context) {
	var req sessionTitleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
			return
		}
	}
	session, err := m.store.CreateSession(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (m *Module) handleGetSession(c *gin.Context) {
	session, messages, err := m.store.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "messages": messages})
}

func (m *Module) handleRenameSession(c *gin.Context) {
	var req sessionTitleRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	if err := m.store.RenameSession(c.Request.Context(), c.Param("id"), req.Title); err != nil {
		respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "title": strings.TrimSpace(req.Title)})
}

func (m *Module) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := m.store.DeleteSession(c.Request.Context(), id); err != nil {
		respondStoreError(c, err)
		return
	}
	m.history.invalidate(c.Request.Context(), id)
	c.Status(http.StatusNoContent)
}

func (m *Module) handleExtractMemory(c *gin.Context) {
	ctx := c.Request.Context()
	turns, _, err := m.loadTurns(ctx, c.Param("id"))
	if err != nil {
		respondStoreError(c, err)
		return
	}
	qualifying := QualifyingTurns(turns)
	if len(qualifying) > HistoryWindow {
		qualifying = qualifying[len(qualifying)-HistoryWindow:]
	}
	if len(qualifying) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session has no messages to analyse"})
		return
	}
	transcript := Transcript(qualifying)

	current := m.Settings()
	memories, memErr := m.extractor.ExtractMemories(ctx, transcript, current.Memories)
	characters, charErr := m.extractor.ExtractCharacters(ctx, transcript, current.Characters)
	if memErr != nil && charErr != nil {
		c.JSON(statusForGenerationError(memErr), gin.H{"error": memErr.Error()})
		return
	}
	if memErr != nil {
		log.Printf("llm: memory extraction failed: %v", memErr)
	}
	if charErr != nil {
		log.Printf("llm: character extraction failed: %v", charErr)
	}

	err = m.updateSettings(ctx, func(s *Settings) error {
		now := time.Now().UTC()
		// Entries added concurrently by the user are kept.
		if memErr == nil {
			s.Memories = AppendMemories(s.Memories, memoryTexts(memories[len(current.Memories):]), MemoryOriginSystem, now)
		}
		if charErr == nil {
			s.Characters = MergeCharacters(s.Characters, characters, now)
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings", "details": err.Error()})
		return
	}
	updated := m.Settings()
	c.JSON(http.StatusOK, gin.H{"memories": updated.Memories, "characters": updated.Characters})
}

func memoryTexts(items []MemoryItem) []string {
	texts := make([]string, 0, len(items))
	for _, item := range items {
		texts = append(texts, item.Text)
	}
	return texts
}

type addMemoryRequest struct {
	Text string `json:"text" binding:"required"`
}

func (m *Module) handleAddMemory(c *gin.Context) {
	var req addMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	err := m.updateSettings(c.Request.Context(), func(s *Settings) error {
		s.Memories = AppendMemories(s.Memories, []string{req.Text}, MemoryOriginUser, time.Now().UTC())
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings", "details": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"memories": m.Settings().Memories})
}

func (m *Module) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, m.Settings().Redacted())
}

func (m *Module) handlePutSettings(c *gin.Context) {
	var incoming Settings
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid settings payload"})
		return
	}

	keysChanged := false
	err := m.updateSettings(c.Request.Context(), func(s *Settings) error {
		// Omitted collections keep their stored values; an explicit [] clears them.
		resolved := s.APIKeys
		if incoming.APIKeys != nil {
			resolved = resolveMaskedKeys(incoming.APIKeys, s.APIKeys)
		}
		keysChanged = !equalStrings(normalizeKeys(resolved), s.APIKeys)
		stored := *s
		*s = incoming
		s.APIKeys = resolved
		s.Knowledge = stored.Knowledge
		if incoming.Memories == nil {
			s.Memories = stored.Memories
		}
		if incoming.Characters == nil {
			s.Characters = stored.Characters
		}
		if s.Memories == nil {
			s.Memories = []MemoryItem{}
		}
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings", "details": err.Error()})
		return
	}
	if keysChanged {
		m.keys.Reset(m.Settings().APIKeys)
	}
	c.JSON(http.StatusOK, m.Settings().Redacted())
}

// resolveMaskedKeys maps masked keys echoed back by the client to the stored
// key with the same suffix.
func resolveMaskedKeys(incoming, stored []string) []string {
	result := make([]string, 0, len(incoming))
	for _, key := range incoming {
		trimmed := strings.TrimSpace(key)
		if !strings.HasPrefix(trimmed, "****") {
			result = append(result, trimmed)
			continue
		}
		for _, candidate := range stored {
			if maskKey(candidate) == trimmed {
				result = append(result, candidate)
				break
			}
		}
	}
	return result
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *Module) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":         m.catalog,
		"current":        m.Settings().ModelID,
		"fallback_model": m.orchestrator.fallbackModel,
	})
}

// loadTurns returns the session's messages as turns, through the cache.
func (m *Module) loadTurns(ctx context.Context, sessionID string) ([]Turn, *storage.Session, error) {
	session, err := m.store.SessionByID(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if cached, ok := m.history.get(ctx, sessionID); ok {
		return cached, session, nil
	}
	messages, err := m.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	turns := make([]Turn, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, messageToTurn(msg))
	}
	m.history.store(ctx, sessionID, turns)
	return turns, session, nil
}

func messageToTurn(msg storage.Message) Turn {
	turn := Turn{
		Seq:       msg.Seq,
		Role:      msg.Role,
		Text:      msg.Text,
		IsError:   msg.IsError,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Thought != nil {
		turn.Thought = *msg.Thought
	}
	if len(msg.Attachments) > 0 {
		_ = json.Unmarshal(msg.Attachments, &turn.Attachments)
	}
	return turn
}

// attachmentMetadata drops attachment payloads before persisting; past
// attachments are never resent.
func attachmentMetadata(attachments []Attachment) datatypes.JSON {
	if len(attachments) == 0 {
		return nil
	}
	meta := make([]Attachment, 0, len(attachments))
	for _, attachment := range attachments {
		meta = append(meta, Attachment{Name: attachment.Name, MimeType: attachment.MimeType})
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func respondStoreError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": "storage failure", "details": err.Error()})
}

func statusForGenerationError(err error) int {
	switch {
	case errors.Is(err, ErrNoCredentials):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrContentBlocked):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errTurnInProgress):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}
