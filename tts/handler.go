package tts

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type Module struct {
	client Synthesizer
	cache  *AudioCache
}

func NewModule(client Synthesizer, cache *AudioCache) *Module {
	return &Module{client: client, cache: cache}
}

func (m *Module) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/tts")
	group.GET("/voices", m.handleVoices)
	group.POST("/speak", m.handleSpeak)
}

func (m *Module) Enabled() bool {
	return m != nil && m.client != nil && m.client.Enabled()
}

// Speak returns cached audio when the same text was already voiced with the
// same voice, and synthesizes otherwise.
func (m *Module) Speak(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	text := normalizeSpeechText(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	voice := strings.TrimSpace(req.VoiceID)
	if voice == "" {
		voice = m.client.DefaultVoiceID()
	}
	style := strings.TrimSpace(req.Style)

	if cached, ok := m.cache.Get(ctx, voice, style, text); ok {
		cached.Cached = true
		return cached, nil
	}

	result, err := m.client.Synthesize(ctx, SpeechRequest{Text: text, VoiceID: voice, Style: style})
	if err != nil {
		return nil, err
	}
	m.cache.Put(ctx, voice, style, text, result)
	return result, nil
}

func (m *Module) handleVoices(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusOK, gin.H{"enabled": false, "voices": []VoiceOption{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":       true,
		"default_voice": m.client.DefaultVoiceID(),
		"voices":        m.client.Voices(),
	})
}

type speakRequest struct {
	Text    string `json:"text" binding:"required"`
	VoiceID string `json:"voice_id"`
	Style   string `json:"style"`
}

func (m *Module) handleSpeak(c *gin.Context) {
	if !m.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "text-to-speech is disabled"})
		return
	}

	var req speakRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request payload"})
		return
	}

	result, err := m.Speak(c.Request.Context(), SpeechRequest{
		Text:    req.Text,
		VoiceID: req.VoiceID,
		Style:   req.Style,
	})
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, ErrDisabled):
			status = http.StatusServiceUnavailable
		case errors.Is(err, ErrEmptyText):
			status = http.StatusBadRequest
		case errors.Is(err, ErrNoCredentials):
			status = http.StatusPreconditionFailed
		default:
			log.Printf("tts: synthesis failed: %v", err)
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"speech": result})
}
