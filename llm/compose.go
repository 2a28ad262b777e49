package llm

import (
	"context"
	"fmt"
	"strings"

	"loom_back/knowledge"
)

// KnowledgeRetriever renders the knowledge fragment for a query.
type KnowledgeRetriever interface {
	Retrieve(ctx context.Context, query string, docs []knowledge.Document) string
}

type ComposeInput struct {
	Summary      string
	Memories     []MemoryItem
	Characters   []CharacterProfile
	Documents    []knowledge.Document
	TargetLength int
	UserInput    string
	Attachments  []Attachment
}

// SectionCost is the estimated token cost of one composed section.
type SectionCost struct {
	Name   string `json:"name"`
	Tokens int    `json:"tokens"`
}

type Composition struct {
	Prompt          string        `json:"prompt"`
	EstimatedTokens int           `json:"estimated_tokens"`
	Sections        []SectionCost `json:"sections"`
}

// Composer assembles the final prompt in a fixed section order.
type Composer struct {
	retriever KnowledgeRetriever
}

func NewComposer(retriever KnowledgeRetriever) *Composer {
	return &Composer{retriever: retriever}
}

func (c *Composer) Compose(ctx context.Context, in ComposeInput) Composition {
	var sections []string
	var costs []SectionCost

	add := func(name, body string) {
		sections = append(sections, body)
		tokens := EstimateTokens(body)
		costs = append(costs, SectionCost{Name: name, Tokens: tokens})
	}

	if summary := strings.TrimSpace(in.Summary); summary != "" {
		add("summary", wrapSection("STORY SO FAR", summary))
	}
	if block := formatMemories(in.Memories); block != "" {
		add("memory", wrapSection("LONG-TERM MEMORY", block))
	}
	if block := formatCharacters(in.Characters); block != "" {
		add("characters", wrapSection("CHARACTER NOTES", block))
	}
	if c != nil && c.retriever != nil {
		if fragment := c.retriever.Retrieve(ctx, in.UserInput, in.Documents); fragment != "" {
			add("knowledge", fragment)
		}
	}
	if in.TargetLength > 0 {
		add("length", wrapSection("LENGTH REQUIREMENT",
			fmt.Sprintf("The response must be approximately %d words long.", in.TargetLength)))
	}
	add("input", wrapSection("USER INPUT", in.UserInput))

	attachmentTokens := estimateAttachmentTokens(in.Attachments)
	if attachmentTokens > 0 {
		costs = append(costs, SectionCost{Name: "attachments", Tokens: attachmentTokens})
	}

	prompt := strings.Join(sections, "\n\n")
	return Composition{
		Prompt:          prompt,
		EstimatedTokens: EstimateTokens(prompt) + attachmentTokens,
		Sections:        costs,
	}
}

// Append adds a trailing section and re-estimates the prompt it produces.
func (c Composition) Append(name, body string) Composition {
	prompt := body
	if c.Prompt != "" {
		prompt = c.Prompt + "\n\n" + body
	}
	sections := append(append([]SectionCost(nil), c.Sections...), SectionCost{Name: name, Tokens: EstimateTokens(body)})
	return Composition{
		Prompt:          prompt,
		EstimatedTokens: c.EstimatedTokens - EstimateTokens(c.Prompt) + EstimateTokens(prompt),
		Sections:        sections,
	}
}

func wrapSection(name, body string) string {
	return "[" + name + "]\n" + body + "\n[/" + name + "]"
}

func formatMemories(items []MemoryItem) string {
	var builder strings.Builder
	for _, item := range items {
		text := strings.TrimSpace(item.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString("- ")
		builder.WriteString(text)
	}
	return builder.String()
}

func formatCharacters(profiles []CharacterProfile) string {
	var builder strings.Builder
	for _, profile := range profiles {
		name := strings.TrimSpace(profile.Name)
		if name == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString("- ")
		builder.WriteString(name)
		if traits := strings.TrimSpace(profile.Traits); traits != "" {
			builder.WriteString(": ")
			builder.WriteString(traits)
		}
		if status := strings.TrimSpace(profile.Status); status != "" {
			builder.WriteString(" (status: ")
			builder.WriteString(status)
			builder.WriteString(")")
		}
	}
	return builder.String()
}
