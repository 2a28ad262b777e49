package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultSummaryMaxChars = 4000

	memoryPrompt = `Read the conversation below and list durable facts worth remembering long term: names, relationships, decisions, world rules and user preferences.
Skip anything already listed under KNOWN FACTS. Answer with JSON: {"memories": ["fact", ...]}. Return an empty list when nothing new qualifies.`

	characterPrompt = `Read the conversation below and describe every character that appears in it.
Answer with JSON: {"characters": [{"name": "...", "traits": "stable description", "status": "current situation"}]}.`

	summaryPrompt = "You maintain the running summary of a long story. Merge the existing summary with the new events into one concise narrative summary in past tense. Keep names, open threads and important facts. Output only the summary."
)

// Extractor runs the bookkeeping calls that keep memory, character notes and
// the story summary current. Each uses one non-streaming call with the
// active key.
type Extractor struct {
	backend         Backend
	keys            *KeyRing
	model           string
	summaryMaxChars int
	now             func() time.Time
}

func NewExtractor(backend Backend, keys *KeyRing) *Extractor {
	model := strings.TrimSpace(os.Getenv("LLM_MEMORY_MODEL_ID"))
	if model == "" {
		model = DefaultFastModel
	}
	maxChars := readIntEnv("LLM_SUMMARY_MAX_CHARS", defaultSummaryMaxChars)
	if maxChars <= 100 {
		maxChars = defaultSummaryMaxChars
	}
	return &Extractor{
		backend:         backend,
		keys:            keys,
		model:           model,
		summaryMaxChars: maxChars,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

func readIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

// ExtractMemories returns existing with newly extracted facts appended.
// Existing items are never removed or rewritten.
func (e *Extractor) ExtractMemories(ctx context.Context, transcript string, existing []MemoryItem) ([]MemoryItem, error) {
	var known strings.Builder
	for _, item := range existing {
		known.WriteString("- ")
		known.WriteString(item.Text)
		known.WriteByte('\n')
	}
	input := "KNOWN FACTS:\n" + known.String() + "\nCONVERSATION:\n" + transcript

	var decoded struct {
		Memories []string `json:"memories"`
	}
	if err := e.generateJSON(ctx, memoryPrompt, input, &decoded); err != nil {
		return existing, err
	}
	return AppendMemories(existing, decoded.Memories, MemoryOriginSystem, e.now()), nil
}

// AppendMemories adds facts that are not already present, ignoring case.
func AppendMemories(existing []MemoryItem, facts []string, origin MemoryOrigin, now time.Time) []MemoryItem {
	result := append([]MemoryItem(nil), existing...)
	seen := make(map[string]struct{}, len(existing)+len(facts))
	for _, item := range existing {
		seen[strings.ToLower(strings.TrimSpace(item.Text))] = struct{}{}
	}
	for _, fact := range facts {
		trimmed := strings.TrimSpace(fact)
		key := strings.ToLower(trimmed)
		if trimmed == "" {
			continue
		}
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, MemoryItem{
			ID:        uuid.NewString(),
			Text:      trimmed,
			Origin:    origin,
			CreatedAt: now,
		})
	}
	return result
}

// ExtractCharacters merges freshly extracted profiles into existing.
func (e *Extractor) ExtractCharacters(ctx context.Context, transcript string, existing []CharacterProfile) ([]CharacterProfile, error) {
	var decoded struct {
		Characters []CharacterProfile `json:"characters"`
	}
	if err := e.generateJSON(ctx, characterPrompt, "CONVERSATION:\n"+transcript, &decoded); err != nil {
		return existing, err
	}
	return MergeCharacters(existing, decoded.Characters, e.now()), nil
}

// MergeCharacters reconciles candidates with existing profiles by name,
// compared trimmed and case-insensitively. A matching candidate overwrites
// traits and status but keeps the existing id; unknown names are appended
// with a fresh id. Empty candidate fields do not erase stored ones.
func MergeCharacters(existing, candidates []CharacterProfile, now time.Time) []CharacterProfile {
	result := append([]CharacterProfile(nil), existing...)
	index := make(map[string]int, len(result))
	for i, profile := range result {
		index[characterKey(profile.Name)] = i
	}

	for _, candidate := range candidates {
		key := characterKey(candidate.Name)
		if key == "" {
			continue
		}
		traits := strings.TrimSpace(candidate.Traits)
		status := strings.TrimSpace(candidate.Status)

		if i, ok := index[key]; ok {
			if traits != "" {
				result[i].Traits = traits
			}
			if status != "" {
				result[i].Status = status
			}
			result[i].UpdatedAt = now
			continue
		}

		index[key] = len(result)
		result = append(result, CharacterProfile{
			ID:        uuid.NewString(),
			Name:      strings.TrimSpace(candidate.Name),
			Traits:    traits,
			Status:    status,
			UpdatedAt: now,
		})
	}
	return result
}

func characterKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// UpdateStorySummary folds turns into the prior summary. Backend failures
// degrade to a heuristic summary, so the result is never worse than prior.
func (e *Extractor) UpdateStorySummary(ctx context.Context, prior string, turns []Turn) string {
	prior = strings.TrimSpace(prior)
	if len(turns) == 0 {
		return prior
	}
	transcript := buildTranscript(prior, turns)

	summary := ""
	if text, err := e.generateText(ctx, summaryPrompt, transcript); err != nil {
		log.Printf("llm: story summary generation failed: %v", err)
		summary = fallbackSummary(prior, turns)
	} else {
		summary = strings.TrimSpace(text)
	}
	if summary == "" {
		return prior
	}
	return truncateRunes(summary, e.summaryMaxChars)
}

// Transcript renders turns as ROLE: text lines.
func Transcript(turns []Turn) string {
	var builder strings.Builder
	for _, turn := range turns {
		if !turn.qualifies() {
			continue
		}
		builder.WriteString(strings.ToUpper(backendRole(turn.Role)))
		builder.WriteString(": ")
		builder.WriteString(strings.TrimSpace(turn.Text))
		builder.WriteRune('\n')
	}
	return builder.String()
}

func buildTranscript(prior string, turns []Turn) string {
	var builder strings.Builder
	if prior != "" {
		builder.WriteString("Existing summary:\n")
		builder.WriteString(prior)
		builder.WriteString("\n\n")
	}
	builder.WriteString("New events:\n")
	builder.WriteString(Transcript(turns))
	return builder.String()
}

func fallbackSummary(prior string, turns []Turn) string {
	lines := strings.Split(strings.TrimSpace(Transcript(turns)), "\n")
	if len(lines) > 10 {
		lines = lines[len(lines)-10:]
	}
	recent := strings.TrimSpace(strings.Join(lines, " \n"))
	if prior == "" {
		return recent
	}
	if recent == "" {
		return prior
	}
	return prior + "\n" + recent
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if limit <= 0 || len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}

func (e *Extractor) session(key string, responseMime string, instruction string) *Session {
	return NewSession(e.backend, SessionConfig{
		APIKey:            key,
		Model:             e.model,
		SystemInstruction: instruction,
		ResponseMimeType:  responseMime,
	}, nil)
}

func (e *Extractor) generateText(ctx context.Context, instruction, input string) (string, error) {
	if e == nil || e.backend == nil {
		return "", errors.New("llm: extractor has no backend")
	}
	key, ok := e.keys.Current()
	if !ok {
		return "", ErrNoCredentials
	}
	resp, err := e.session(key, "", instruction).Send(ctx, Content{Role: "user", Parts: []Part{{Text: input}}})
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}

func (e *Extractor) generateJSON(ctx context.Context, instruction, input string, dst any) error {
	if e == nil || e.backend == nil {
		return errors.New("llm: extractor has no backend")
	}
	key, ok := e.keys.Current()
	if !ok {
		return ErrNoCredentials
	}
	resp, err := e.session(key, "application/json", instruction).Send(ctx, Content{Role: "user", Parts: []Part{{Text: input}}})
	if err != nil {
		return err
	}
	raw := stripCodeFence(resp.Text())
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("llm: decode extraction result: %w", err)
	}
	return nil
}

func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
