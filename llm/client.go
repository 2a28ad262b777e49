package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Client wraps the HTTP calls to the Gemini generative language REST API.
// The API key is supplied per call so that key rotation stays outside the client.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}
}

// NewClientFromEnv constructs a Client using environment variables.
//
// Expected variables:
//   - GEMINI_BASE_URL: optional override for the API base URL (defaults to defaultBaseURL)
//   - LLM_HTTP_TIMEOUT_SECONDS: optional request timeout, streaming included (defaults to 120)
func NewClientFromEnv() (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("GEMINI_BASE_URL"))
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("llm: invalid base URL %q", baseURL)
	}

	timeout := readIntEnv("LLM_HTTP_TIMEOUT_SECONDS", 120)
	if timeout <= 0 {
		timeout = 120
	}

	return NewClient(baseURL, &http.Client{Timeout: time.Duration(timeout) * time.Second}), nil
}

type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type Part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *InlineData `json:"inlineData,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
}

// Content is one turn of the conversation payload. Role is "user" or "model".
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Text concatenates the visible text parts.
func (c Content) Text() string {
	var builder strings.Builder
	for _, part := range c.Parts {
		if part.Thought {
			continue
		}
		builder.WriteString(part.Text)
	}
	return builder.String()
}

type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

type ThinkingConfig struct {
	ThinkingBudget *int `json:"thinkingBudget,omitempty"`
}

type GenerationParams struct {
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"topP,omitempty"`
	TopK             *int            `json:"topK,omitempty"`
	MaxOutputTokens  *int            `json:"maxOutputTokens,omitempty"`
	StopSequences    []string        `json:"stopSequences,omitempty"`
	ResponseMimeType string          `json:"responseMimeType,omitempty"`
	ThinkingConfig   *ThinkingConfig `json:"thinkingConfig,omitempty"`
}

type Tool struct {
	GoogleSearch *struct{} `json:"googleSearch,omitempty"`
}

// GenerateRequest is the body of generateContent and streamGenerateContent.
type GenerateRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationParams `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
}

type groundingChunk struct {
	Web *struct {
		URI   string `json:"uri"`
		Title string `json:"title"`
	} `json:"web,omitempty"`
}

type GroundingMetadata struct {
	GroundingChunks  []groundingChunk `json:"groundingChunks,omitempty"`
	WebSearchQueries []string         `json:"webSearchQueries,omitempty"`
}

type Candidate struct {
	Content           Content            `json:"content"`
	FinishReason      string             `json:"finishReason,omitempty"`
	GroundingMetadata *GroundingMetadata `json:"groundingMetadata,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// GenerateResponse is a full response or one streamed fragment.
type GenerateResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
}

func (r *GenerateResponse) Text() string {
	if r == nil || len(r.Candidates) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Text()
}

// Groundings flattens the web citations of the first candidate.
func (r *GenerateResponse) Groundings() []Grounding {
	if r == nil || len(r.Candidates) == 0 || r.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var result []Grounding
	for _, chunk := range r.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || strings.TrimSpace(chunk.Web.URI) == "" {
			continue
		}
		result = append(result, Grounding{Title: strings.TrimSpace(chunk.Web.Title), URI: strings.TrimSpace(chunk.Web.URI)})
	}
	return result
}

var blockedFinishReasons = map[string]struct{}{
	"SAFETY":             {},
	"PROHIBITED_CONTENT": {},
	"BLOCKLIST":          {},
	"SPII":               {},
	"IMAGE_SAFETY":       {},
}

// blockErr reports a prompt block or a candidate stopped for policy reasons.
func (r *GenerateResponse) blockErr() error {
	if r == nil {
		return nil
	}
	if r.PromptFeedback != nil && strings.TrimSpace(r.PromptFeedback.BlockReason) != "" {
		return &BlockedError{Reason: r.PromptFeedback.BlockReason}
	}
	for _, candidate := range r.Candidates {
		if _, blocked := blockedFinishReasons[strings.ToUpper(candidate.FinishReason)]; blocked {
			return &BlockedError{Reason: candidate.FinishReason}
		}
	}
	return nil
}

type apiErrorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type   string `json:"@type"`
			Reason string `json:"reason"`
		} `json:"details"`
	} `json:"error"`
}

func (e apiErrorEnvelope) toAPIError(status int) *APIError {
	apiErr := &APIError{Status: status, Code: e.Error.Status, Message: e.Error.Message}
	if apiErr.Status == 0 {
		apiErr.Status = e.Error.Code
	}
	for _, detail := range e.Error.Details {
		if detail.Reason != "" {
			apiErr.Reason = detail.Reason
			break
		}
	}
	return apiErr
}

// GenerateContent issues a single non-streaming generation call.
func (c *Client) GenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest) (*GenerateResponse, error) {
	resp, err := c.post(ctx, apiKey, c.modelEndpoint(model, "generateContent"), req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llm: decode response: %w", err)
	}
	if err := decoded.blockErr(); err != nil {
		return nil, err
	}
	if len(decoded.Candidates) == 0 {
		return nil, ErrEmptyResponse
	}
	return &decoded, nil
}

// StreamGenerateContent issues a streaming call and invokes handler for each
// server-sent fragment in receipt order.
func (c *Client) StreamGenerateContent(ctx context.Context, apiKey, model string, req *GenerateRequest, handler func(*GenerateResponse) error) error {
	endpoint := c.modelEndpoint(model, "streamGenerateContent") + "?alt=sse"
	resp, err := c.post(ctx, apiKey, endpoint, req, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(line[len("data:"):])
		if data == "" || data == "[DONE]" {
			continue
		}

		var envelope apiErrorEnvelope
		if err := json.Unmarshal([]byte(data), &envelope); err == nil && envelope.Error.Message != "" {
			return envelope.toAPIError(0)
		}
		var fragment GenerateResponse
		if err := json.Unmarshal([]byte(data), &fragment); err != nil {
			continue
		}
		if err := fragment.blockErr(); err != nil {
			return err
		}
		if handler != nil {
			if err := handler(&fragment); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("llm: read stream: %w", err)
	}
	return nil
}

type embedRequest struct {
	Model   string  `json:"model"`
	Content Content `json:"content"`
}

type embedResponse struct {
	Embedding struct {
		Values []float32 `json:"values"`
	} `json:"embedding"`
}

// EmbedContent returns the embedding vector of text.
func (c *Client) EmbedContent(ctx context.Context, apiKey, model, text string) ([]float32, error) {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	payload := embedRequest{
		Model:   "models/" + model,
		Content: Content{Parts: []Part{{Text: text}}},
	}
	resp, err := c.post(ctx, apiKey, c.modelEndpoint(model, "embedContent"), payload, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("llm: decode embedding: %w", err)
	}
	if len(decoded.Embedding.Values) == 0 {
		return nil, errors.New("llm: embedding response is empty")
	}
	return decoded.Embedding.Values, nil
}

func (c *Client) modelEndpoint(model, method string) string {
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	return c.baseURL + "/models/" + url.PathEscape(model) + ":" + method
}

func (c *Client) post(ctx context.Context, apiKey, endpoint string, payload any, stream bool) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("llm: client is nil")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrNoCredentials
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", apiKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: execute request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(snippet, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr = envelope.toAPIError(resp.StatusCode)
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	return apiErr
}
