package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"loom_back/storage"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"gorm.io/datatypes"
)

// wantsEventStream determines if the client requested a streaming response.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if header := strings.TrimSpace(c.GetHeader("X-Stream")); header != "" {
		if strings.EqualFold(header, "1") || strings.EqualFold(header, "true") || strings.EqualFold(header, "yes") {
			return true
		}
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		if strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes") {
			return true
		}
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

type safeSSEWriter struct {
	writer  gin.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

func newSafeSSEWriter(w gin.ResponseWriter, flusher http.Flusher) *safeSSEWriter {
	return &safeSSEWriter{writer: w, flusher: flusher}
}

func (w *safeSSEWriter) Send(event string, payload any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return streamEvent(w.writer, w.flusher, event, payload)
}

type turnRequest struct {
	Input       string       `json:"input"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type turnDoneEvent struct {
	Message     storage.Message `json:"message"`
	Usage       Usage           `json:"usage"`
	Model       string          `json:"model"`
	Attempts    int             `json:"attempts"`
	Composition []SectionCost   `json:"composition"`
}

type turnErrorEvent struct {
	Error   string           `json:"error"`
	Message *storage.Message `json:"message,omitempty"`
}

func (m *Module) handleTurn(c *gin.Context) {
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil || (strings.TrimSpace(req.Input) == "" && len(req.Attachments) == 0) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "input is required"})
		return
	}
	sessionID := c.Param("id")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok || !wantsEventStream(c) {
		var done *turnDoneEvent
		failure := turnErrorEvent{}
		err := m.runTurn(c.Request.Context(), sessionID, req, func(event string, payload any) error {
			switch v := payload.(type) {
			case turnDoneEvent:
				done = &v
			case turnErrorEvent:
				failure = v
			}
			return nil
		})
		if err != nil {
			failure.Error = err.Error()
			c.JSON(statusForGenerationError(err), failure)
			return
		}
		c.JSON(http.StatusCreated, done)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	writer := newSafeSSEWriter(c.Writer, flusher)
	flusher.Flush()

	if err := m.runTurn(c.Request.Context(), sessionID, req, writer.Send); err != nil {
		log.Printf("llm: turn for session %s failed: %v", sessionID, err)
	}
}

var socketUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type socketFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// handleTurnSocket serves turns over a websocket. Each inbound frame is one
// turn request; turns on a connection run one after another.
func (m *Module) handleTurnSocket(c *gin.Context) {
	sessionID := c.Param("id")
	if _, err := m.store.SessionByID(c.Request.Context(), sessionID); err != nil {
		respondStoreError(c, err)
		return
	}

	conn, err := socketUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("llm: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	send := func(event string, payload any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(15 * time.Second))
		return conn.WriteJSON(socketFrame{Event: event, Data: payload})
	}

	for {
		var req turnRequest
		if err := conn.ReadJSON(&req); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				log.Printf("llm: websocket read failed: %v", err)
			}
			return
		}
		if strings.TrimSpace(req.Input) == "" && len(req.Attachments) == 0 {
			if err := send("error", turnErrorEvent{Error: "input is required"}); err != nil {
				return
			}
			continue
		}
		if err := m.runTurn(c.Request.Context(), sessionID, req, send); err != nil {
			log.Printf("llm: websocket turn for session %s failed: %v", sessionID, err)
		}
	}
}

// runTurn persists the user message, drives the orchestrator and persists
// the reply or the terminal error. Events: user_message, delta, done, error.
func (m *Module) runTurn(ctx context.Context, sessionID string, req turnRequest, send func(event string, payload any) error) error {
	if !m.acquireTurn(sessionID) {
		_ = send("error", turnErrorEvent{Error: errTurnInProgress.Error()})
		return errTurnInProgress
	}
	defer m.releaseTurn(sessionID)

	turns, session, err := m.loadTurns(ctx, sessionID)
	if err != nil {
		_ = send("error", turnErrorEvent{Error: err.Error()})
		return err
	}

	userMsg := storage.Message{
		Role:        "user",
		Text:        req.Input,
		Attachments: attachmentMetadata(req.Attachments),
	}
	if err := m.store.AppendMessage(ctx, sessionID, &userMsg); err != nil {
		_ = send("error", turnErrorEvent{Error: err.Error()})
		return err
	}
	m.history.invalidate(ctx, sessionID)
	if err := send("user_message", userMsg); err != nil {
		return err
	}

	summary := ""
	if session.Summary != nil {
		summary = *session.Summary
	}

	result, genErr := m.orchestrator.RunTurn(ctx, TurnRequest{
		Settings:    m.Settings(),
		Summary:     summary,
		History:     turns,
		Input:       req.Input,
		Attachments: req.Attachments,
	}, func(update TurnUpdate) error {
		return send("delta", update)
	})

	// The reply is persisted even when the client went away mid-turn.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if genErr != nil {
		errMsg := storage.Message{Role: "model", Text: genErr.Error(), IsError: true}
		if err := m.store.AppendMessage(persistCtx, sessionID, &errMsg); err != nil {
			log.Printf("llm: persist error message failed: %v", err)
		}
		m.history.invalidate(persistCtx, sessionID)
		_ = send("error", turnErrorEvent{Error: genErr.Error(), Message: &errMsg})
		return genErr
	}

	reply := storage.Message{
		Role:       "model",
		Text:       result.Text,
		TokenCount: intPointerIfPositive(result.Usage.OutputTokens),
	}
	if result.Thought != "" {
		thought := result.Thought
		reply.Thought = &thought
	}
	if len(result.Grounding) > 0 {
		if raw, err := json.Marshal(result.Grounding); err == nil {
			reply.Grounding = datatypes.JSON(raw)
		}
	}
	if err := m.store.AppendMessage(persistCtx, sessionID, &reply); err != nil {
		_ = send("error", turnErrorEvent{Error: "failed to save reply"})
		return err
	}
	if err := m.store.AddTokens(persistCtx, sessionID, result.Usage.TotalTokens); err != nil {
		log.Printf("llm: update session token count failed: %v", err)
	}
	m.history.invalidate(persistCtx, sessionID)

	go m.refreshSummary(sessionID)

	return send("done", turnDoneEvent{
		Message:     reply,
		Usage:       result.Usage,
		Model:       result.Model,
		Attempts:    result.Attempts,
		Composition: result.Composition.Sections,
	})
}

func (m *Module) acquireTurn(sessionID string) bool {
	m.turnsMu.Lock()
	defer m.turnsMu.Unlock()
	if _, busy := m.running[sessionID]; busy {
		return false
	}
	m.running[sessionID] = struct{}{}
	return true
}

func (m *Module) releaseTurn(sessionID string) {
	m.turnsMu.Lock()
	defer m.turnsMu.Unlock()
	delete(m.running, sessionID)
}

// refreshSummary folds turns that left the history window into the story summary.
func (m *Module) refreshSummary(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	turns, session, err := m.loadTurns(ctx, sessionID)
	if err != nil {
		log.Printf("llm: load session for summary failed: %v", err)
		return
	}
	older := turnsBeyondWindow(turns, HistoryWindow, session.SummarySeq)
	if len(older) == 0 {
		return
	}

	prior := ""
	if session.Summary != nil {
		prior = *session.Summary
	}
	summary := m.extractor.UpdateStorySummary(ctx, prior, older)
	if err := m.store.UpdateSummary(ctx, sessionID, summary, older[len(older)-1].Seq); err != nil {
		log.Printf("llm: save story summary failed: %v", err)
	}
}
