package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

const (
	providerID          = "gemini"
	defaultModelID      = "gemini-2.5-flash-preview-tts"
	defaultVoice        = "Kore"
	defaultBaseURL      = "https://generativelanguage.googleapis.com/v1beta"
	defaultSampleRate   = 24000
	maxSpeechTextRunes  = 4000
	maxErrorSnippetSize = 4096
)

var (
	ErrDisabled      = errors.New("tts: service disabled")
	ErrNoCredentials = errors.New("tts: no api key configured")
	ErrEmptyText     = errors.New("tts: text cannot be empty")
)

type Client struct {
	httpClient *http.Client
	baseURL    string
	model      string
	keys       KeySource
	voices     []VoiceOption
	voiceIndex map[string]VoiceOption
	voice      string
	enabled    bool
}

// NewClientFromEnv builds the Gemini speech client. TTS_ENABLED=false turns
// it off; TTS_MODEL_ID and TTS_DEFAULT_VOICE override the defaults.
func NewClientFromEnv(keys KeySource) *Client {
	timeout := 45 * time.Second
	if raw := strings.TrimSpace(os.Getenv("TTS_HTTP_TIMEOUT_SECONDS")); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			timeout = time.Duration(v) * time.Second
		}
	}

	baseURL := firstNonEmpty(os.Getenv("TTS_BASE_URL"), os.Getenv("GEMINI_BASE_URL"), defaultBaseURL)
	client := NewClient(baseURL, &http.Client{Timeout: timeout}, keys)
	client.model = firstNonEmpty(os.Getenv("TTS_MODEL_ID"), defaultModelID)
	if voice := strings.TrimSpace(os.Getenv("TTS_DEFAULT_VOICE")); voice != "" {
		if option, ok := client.voiceIndex[strings.ToLower(voice)]; ok {
			client.voice = option.ID
		} else {
			log.Printf("tts: unknown default voice %q, keeping %s", voice, client.voice)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("TTS_ENABLED")); raw != "" {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			client.enabled = enabled
		}
	}
	return client
}

func NewClient(baseURL string, httpClient *http.Client, keys KeySource) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	voices := defaultVoiceCatalog()
	index := make(map[string]VoiceOption, len(voices))
	for _, v := range voices {
		index[strings.ToLower(v.ID)] = v
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		model:      defaultModelID,
		keys:       keys,
		voices:     voices,
		voiceIndex: index,
		voice:      defaultVoice,
		enabled:    keys != nil,
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

func (c *Client) DefaultVoiceID() string {
	if c == nil {
		return ""
	}
	return c.voice
}

func (c *Client) Voices() []VoiceOption {
	if c == nil {
		return nil
	}
	out := make([]VoiceOption, len(c.voices))
	copy(out, c.voices)
	return out
}

// ResolveVoice maps a requested id onto the catalog, falling back to the
// default voice for unknown or empty ids.
func (c *Client) ResolveVoice(id string) string {
	if option, ok := c.voiceIndex[strings.ToLower(strings.TrimSpace(id))]; ok {
		return option.ID
	}
	return c.voice
}

type speechPart struct {
	Text       string          `json:"text,omitempty"`
	InlineData *speechInlineIn `json:"inlineData,omitempty"`
}

type speechInlineIn struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type speechRequestBody struct {
	Contents []struct {
		Parts []speechPart `json:"parts"`
	} `json:"contents"`
	GenerationConfig struct {
		ResponseModalities []string `json:"responseModalities"`
		SpeechConfig       struct {
			VoiceConfig struct {
				PrebuiltVoiceConfig struct {
					VoiceName string `json:"voiceName"`
				} `json:"prebuiltVoiceConfig"`
			} `json:"voiceConfig"`
		} `json:"speechConfig"`
	} `json:"generationConfig"`
}

type speechResponseBody struct {
	Candidates []struct {
		Content struct {
			Parts []speechPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
}

func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) (*SpeechResult, error) {
	if !c.Enabled() {
		return nil, ErrDisabled
	}

	text := normalizeSpeechText(req.Text)
	if text == "" {
		return nil, ErrEmptyText
	}
	if runes := []rune(text); len(runes) > maxSpeechTextRunes {
		text = string(runes[:maxSpeechTextRunes])
	}

	if c.keys == nil {
		return nil, ErrNoCredentials
	}
	apiKey, ok := c.keys.Current()
	if !ok {
		return nil, ErrNoCredentials
	}

	voice := c.ResolveVoice(req.VoiceID)
	prompt := text
	if style := strings.TrimSpace(req.Style); style != "" {
		prompt = style + ": " + text
	}

	var body speechRequestBody
	body.Contents = make([]struct {
		Parts []speechPart `json:"parts"`
	}, 1)
	body.Contents[0].Parts = []speechPart{{Text: prompt}}
	body.GenerationConfig.ResponseModalities = []string{"AUDIO"}
	body.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName = voice

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tts: encode request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("tts: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tts: request failed: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(responseBody))
		if len(snippet) > maxErrorSnippetSize {
			snippet = snippet[:maxErrorSnippetSize]
		}
		return nil, fmt.Errorf("tts: remote error %s: %s", resp.Status, snippet)
	}

	audio, mime, err := decodeSpeechResponse(responseBody)
	if err != nil {
		return nil, err
	}

	result := &SpeechResult{
		VoiceID:  voice,
		Style:    strings.TrimSpace(req.Style),
		MimeType: mime,
		Provider: providerID,
	}
	if rate, ok := pcmSampleRate(mime); ok {
		result.DurationMs = len(audio) * 1000 / (rate * 2)
		audio = wrapPCMAsWAV(audio, rate)
		result.MimeType = "audio/wav"
	}
	result.AudioBase64 = base64.StdEncoding.EncodeToString(audio)
	return result, nil
}

func decodeSpeechResponse(body []byte) ([]byte, string, error) {
	var payload speechResponseBody
	if err := json.Unmarshal(bytes.TrimSpace(body), &payload); err != nil {
		return nil, "", fmt.Errorf("tts: parse json response: %w", err)
	}
	for _, cand := range payload.Candidates {
		for _, part := range cand.Content.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			audio, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, "", fmt.Errorf("tts: decode audio: %w", err)
			}
			return audio, part.InlineData.MimeType, nil
		}
	}
	return nil, "", errors.New("tts: response missing audio content")
}

// pcmSampleRate recognizes raw 16-bit PCM mime types such as
// "audio/L16;codec=pcm;rate=24000".
func pcmSampleRate(mime string) (int, bool) {
	lower := strings.ToLower(strings.TrimSpace(mime))
	if !strings.HasPrefix(lower, "audio/l16") && !strings.HasPrefix(lower, "audio/pcm") {
		return 0, false
	}
	rate := defaultSampleRate
	for _, param := range strings.Split(lower, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && key == "rate" {
			if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
				rate = parsed
			}
		}
	}
	return rate, true
}

// wrapPCMAsWAV prepends a RIFF header for mono 16-bit little-endian samples.
func wrapPCMAsWAV(pcm []byte, sampleRate int) []byte {
	const (
		channels      = 1
		bitsPerSample = 16
	)
	blockAlign := channels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	var buf bytes.Buffer
	buf.Grow(44 + len(pcm))
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)
	return buf.Bytes()
}

func defaultVoiceCatalog() []VoiceOption {
	return []VoiceOption{
		{ID: "Kore", Name: "Kore", Provider: providerID, Language: "multi", Description: "Firm", Style: "narration"},
		{ID: "Puck", Name: "Puck", Provider: providerID, Language: "multi", Description: "Upbeat", Style: "dialogue"},
		{ID: "Charon", Name: "Charon", Provider: providerID, Language: "multi", Description: "Informative", Style: "narration"},
		{ID: "Zephyr", Name: "Zephyr", Provider: providerID, Language: "multi", Description: "Bright", Style: "dialogue"},
		{ID: "Fenrir", Name: "Fenrir", Provider: providerID, Language: "multi", Description: "Excitable", Style: "dialogue"},
		{ID: "Leda", Name: "Leda", Provider: providerID, Language: "multi", Description: "Youthful", Style: "dialogue"},
		{ID: "Aoede", Name: "Aoede", Provider: providerID, Language: "multi", Description: "Breezy", Style: "narration"},
		{ID: "Orus", Name: "Orus", Provider: providerID, Language: "multi", Description: "Firm", Style: "narration"},
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

var (
	thoughtBlockPattern    = regexp.MustCompile(`(?s)<thought>.*?(</thought>|$)`)
	markdownLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	markdownHeaderPattern  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	markdownBulletPattern  = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s+`)
	markdownEmphasisChars  = strings.NewReplacer("**", "", "__", "", "*", "", "`", "", "~~", "")
	newlineToPausePattern  = regexp.MustCompile(`\s*[\r\n]+\s*`)
	multiSpacePattern      = regexp.MustCompile(`[ \t]{2,}`)
	repeatedPausePattern   = regexp.MustCompile(`([,.!?;:，。！？；：])(\s*[,.!?;:，。！？；：])+`)
	sentenceEndPunctuation = ".!?。！？…\"'”’)"
)

// normalizeSpeechText turns a story reply into something worth reading
// aloud: hidden reasoning and markdown syntax are dropped and line breaks
// become pauses.
func normalizeSpeechText(value string) string {
	cleaned := thoughtBlockPattern.ReplaceAllString(value, " ")
	cleaned = markdownLinkPattern.ReplaceAllString(cleaned, "$1")
	cleaned = markdownHeaderPattern.ReplaceAllString(cleaned, "")
	cleaned = markdownBulletPattern.ReplaceAllString(cleaned, "")
	cleaned = markdownEmphasisChars.Replace(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return ""
	}

	lines := newlineToPausePattern.Split(cleaned, -1)
	var builder strings.Builder
	builder.Grow(len(cleaned))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteByte(' ')
		}
		builder.WriteString(line)
		last, _ := lastRune(line)
		if !strings.ContainsRune(sentenceEndPunctuation, last) && !unicode.IsPunct(last) {
			builder.WriteByte('.')
		}
	}

	normalized := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, builder.String())
	normalized = multiSpacePattern.ReplaceAllString(normalized, " ")
	normalized = repeatedPausePattern.ReplaceAllString(normalized, "$1")
	return strings.TrimSpace(normalized)
}

func lastRune(s string) (rune, bool) {
	runes := []rune(s)
	if len(runes) == 0 {
		return 0, false
	}
	return runes[len(runes)-1], true
}
