package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// Backend is the hosted generation API as seen by sessions and the orchestrator.
type Backend interface {
	GenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest) (*GenerateResponse, error)
	StreamGenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest, handler func(*GenerateResponse) error) error
}

var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
}

// SessionConfig is everything one generation request depends on. It is built
// fresh for every attempt so a rotated key or fallback model applies at once.
type SessionConfig struct {
	APIKey            string
	Model             string
	SystemInstruction string
	Generation        GenerationConfig
	SafetyThreshold   string
	SearchEnabled     bool
	ResponseMimeType  string
}

// BuildRequest assembles the request body for cfg, prior history and the new
// message. It has no side effects.
func BuildRequest(cfg SessionConfig, history []Content, message Content) *GenerateRequest {
	contents := make([]Content, 0, len(history)+1)
	contents = append(contents, history...)
	if message.Role == "" {
		message.Role = "user"
	}
	contents = append(contents, message)

	gen := cfg.Generation.Normalize()
	req := &GenerateRequest{
		Contents: contents,
		GenerationConfig: &GenerationParams{
			Temperature:      gen.Temperature,
			TopP:             gen.TopP,
			TopK:             gen.TopK,
			MaxOutputTokens:  gen.MaxOutputTokens,
			StopSequences:    gen.StopSequences,
			ResponseMimeType: cfg.ResponseMimeType,
			ThinkingConfig:   thinkingBudgetFor(cfg.Model, gen.ThinkingBudget),
		},
	}
	if instruction := strings.TrimSpace(cfg.SystemInstruction); instruction != "" {
		req.SystemInstruction = &Content{Parts: []Part{{Text: instruction}}}
	}
	if threshold := strings.TrimSpace(cfg.SafetyThreshold); threshold != "" {
		req.SafetySettings = make([]SafetySetting, 0, len(harmCategories))
		for _, category := range harmCategories {
			req.SafetySettings = append(req.SafetySettings, SafetySetting{Category: category, Threshold: threshold})
		}
	}
	// The search tool cannot be combined with a forced JSON response.
	if cfg.SearchEnabled && cfg.ResponseMimeType == "" {
		req.Tools = []Tool{{GoogleSearch: &struct{}{}}}
	}
	return req
}

// Session is a short-lived conversation bound to one SessionConfig. Successful
// exchanges are appended to its history so a follow-up message sees them.
type Session struct {
	backend Backend
	cfg     SessionConfig
	history []Content
}

func NewSession(backend Backend, cfg SessionConfig, history []Content) *Session {
	copied := make([]Content, len(history))
	copy(copied, history)
	return &Session{backend: backend, cfg: cfg, history: copied}
}

func (s *Session) History() []Content {
	out := make([]Content, len(s.history))
	copy(out, s.history)
	return out
}

// Send performs a non-streaming exchange.
func (s *Session) Send(ctx context.Context, message Content) (*GenerateResponse, error) {
	if s == nil || s.backend == nil {
		return nil, errors.New("llm: session has no backend")
	}
	req := BuildRequest(s.cfg, s.history, message)
	resp, err := s.backend.GenerateContent(ctx, s.cfg.APIKey, s.cfg.Model, req)
	if err != nil {
		return nil, err
	}
	s.remember(message, resp.Text())
	return resp, nil
}

// SendStream performs a streaming exchange; handler sees fragments in order.
func (s *Session) SendStream(ctx context.Context, message Content, handler func(*GenerateResponse) error) error {
	if s == nil || s.backend == nil {
		return errors.New("llm: session has no backend")
	}
	req := BuildRequest(s.cfg, s.history, message)
	var reply strings.Builder
	err := s.backend.StreamGenerateContent(ctx, s.cfg.APIKey, s.cfg.Model, req, func(fragment *GenerateResponse) error {
		reply.WriteString(fragment.Text())
		if handler == nil {
			return nil
		}
		return handler(fragment)
	})
	if err != nil {
		return err
	}
	s.remember(message, reply.String())
	return nil
}

func (s *Session) remember(message Content, reply string) {
	if message.Role == "" {
		message.Role = "user"
	}
	s.history = append(s.history, message, Content{Role: "model", Parts: []Part{{Text: reply}}})
}

// UserContent builds a user message from text and attachments. Text
// attachments are inlined as text, everything else is sent as inline data.
func UserContent(text string, attachments []Attachment) Content {
	parts := make([]Part, 0, len(attachments)+1)
	for _, attachment := range attachments {
		data := stripDataURLPrefix(attachment.Data)
		if data == "" {
			continue
		}
		if attachment.IsText() {
			decoded, err := decodeAttachment(attachment)
			if err != nil {
				continue
			}
			parts = append(parts, Part{Text: "[FILE: " + attachment.Name + "]\n" + string(decoded) + "\n[/FILE]"})
			continue
		}
		mime := strings.TrimSpace(attachment.MimeType)
		if mime == "" {
			mime = "application/octet-stream"
		}
		parts = append(parts, Part{InlineData: &InlineData{MimeType: mime, Data: data}})
	}
	parts = append(parts, Part{Text: text})
	return Content{Role: "user", Parts: parts}
}

func decodeAttachment(attachment Attachment) ([]byte, error) {
	data := stripDataURLPrefix(attachment.Data)
	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "="))
	}
	return decoded, nil
}

func stripDataURLPrefix(data string) string {
	data = strings.TrimSpace(data)
	if strings.HasPrefix(data, "data:") {
		if idx := strings.Index(data, ","); idx >= 0 {
			return data[idx+1:]
		}
	}
	return data
}
