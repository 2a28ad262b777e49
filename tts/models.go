package tts

import (
	"context"
)

type VoiceOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Language    string `json:"language"`
	Description string `json:"description,omitempty"`
	Style       string `json:"style,omitempty"`
}

type SpeechRequest struct {
	Text    string
	VoiceID string
	Style   string
}

type SpeechResult struct {
	VoiceID     string `json:"voice_id"`
	Style       string `json:"style,omitempty"`
	AudioBase64 string `json:"audio_base64"`
	MimeType    string `json:"mime_type"`
	Provider    string `json:"provider"`
	DurationMs  int    `json:"duration_ms,omitempty"`
	Cached      bool   `json:"cached,omitempty"`
}

type Synthesizer interface {
	Enabled() bool
	DefaultVoiceID() string
	Voices() []VoiceOption
	Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error)
}

// KeySource exposes the active API credential.
type KeySource interface {
	Current() (string, bool)
}
