package llm

import (
	"os"
	"strings"
	"time"

	"loom_back/knowledge"
)

const (
	maxStopSequences       = 5
	defaultSafetyThreshold = "BLOCK_ONLY_HIGH"
)

var safetyThresholds = map[string]struct{}{
	"OFF":                    {},
	"BLOCK_NONE":             {},
	"BLOCK_ONLY_HIGH":        {},
	"BLOCK_MEDIUM_AND_ABOVE": {},
	"BLOCK_LOW_AND_ABOVE":    {},
}

// GenerationConfig holds the user's sampling parameters. It is read-only for
// the duration of a turn.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"top_p,omitempty"`
	TopK            *int     `json:"top_k,omitempty"`
	MaxOutputTokens *int     `json:"max_output_tokens,omitempty"`
	StopSequences   []string `json:"stop_sequences,omitempty"`
	ThinkingBudget  *int     `json:"thinking_budget,omitempty"`
}

// Normalize trims and de-duplicates stop sequences, keeping at most five.
func (g GenerationConfig) Normalize() GenerationConfig {
	out := g
	out.StopSequences = nil
	seen := make(map[string]struct{}, len(g.StopSequences))
	for _, seq := range g.StopSequences {
		if strings.TrimSpace(seq) == "" {
			continue
		}
		if _, exists := seen[seq]; exists {
			continue
		}
		seen[seq] = struct{}{}
		out.StopSequences = append(out.StopSequences, seq)
		if len(out.StopSequences) == maxStopSequences {
			break
		}
	}
	return out
}

type MemoryOrigin string

const (
	MemoryOriginSystem MemoryOrigin = "system"
	MemoryOriginUser   MemoryOrigin = "user"
)

// MemoryItem is one long-term fact. The list only grows.
type MemoryItem struct {
	ID        string       `json:"id"`
	Text      string       `json:"text"`
	Origin    MemoryOrigin `json:"origin"`
	CreatedAt time.Time    `json:"created_at"`
}

type CharacterProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Traits    string    `json:"traits"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is a file sent along with a user turn. Data is base64 encoded.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

func (a Attachment) IsText() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(a.MimeType)), "text/")
}

// Grounding is a citation returned with a search-grounded fragment.
type Grounding struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// Settings is the application configuration blob.
type Settings struct {
	APIKeys           []string             `json:"api_keys"`
	ModelID           string               `json:"model_id"`
	Generation        GenerationConfig     `json:"generation"`
	SafetyThreshold   string               `json:"safety_threshold"`
	SearchEnabled     bool                 `json:"search_enabled"`
	AutoRefine        bool                 `json:"auto_refine"`
	SystemInstruction string               `json:"system_instruction"`
	TargetLength      int                  `json:"target_length"`
	VoiceID           string               `json:"voice_id,omitempty"`
	Memories          []MemoryItem         `json:"memories"`
	Characters        []CharacterProfile   `json:"characters"`
	Knowledge         []knowledge.Document `json:"knowledge"`
}

// DefaultSettings seeds keys from GEMINI_API_KEYS and the model from LLM_MODEL_ID.
func DefaultSettings() Settings {
	model := strings.TrimSpace(os.Getenv("LLM_MODEL_ID"))
	if model == "" {
		model = DefaultFastModel
	}
	return Settings{
		APIKeys:         ParseKeyList(os.Getenv("GEMINI_API_KEYS")),
		ModelID:         model,
		SafetyThreshold: defaultSafetyThreshold,
	}
}

func (s Settings) Normalize() Settings {
	out := s
	out.APIKeys = normalizeKeys(s.APIKeys)
	out.ModelID = strings.TrimSpace(s.ModelID)
	if out.ModelID == "" {
		out.ModelID = DefaultFastModel
	}
	out.Generation = s.Generation.Normalize()
	threshold := strings.ToUpper(strings.TrimSpace(s.SafetyThreshold))
	if _, ok := safetyThresholds[threshold]; !ok {
		threshold = defaultSafetyThreshold
	}
	out.SafetyThreshold = threshold
	out.SystemInstruction = strings.TrimSpace(s.SystemInstruction)
	if out.TargetLength < 0 {
		out.TargetLength = 0
	}
	return out
}

// Redacted returns a copy suitable for API responses: keys are masked and
// document vectors are dropped.
func (s Settings) Redacted() Settings {
	out := s
	out.APIKeys = make([]string, len(s.APIKeys))
	for i, key := range s.APIKeys {
		out.APIKeys[i] = maskKey(key)
	}
	out.Knowledge = make([]knowledge.Document, len(s.Knowledge))
	for i, doc := range s.Knowledge {
		doc.Text = ""
		doc.Chunks = nil
		out.Knowledge[i] = doc
	}
	return out
}
