package llm

import (
	"context"
	"fmt"
	"log"
	"strings"
)

const (
	draftingInstruction = "[DRAFTING PHASE]\nWrite a complete first draft. Focus on content, events and continuity; prose polish is not a priority yet.\n[/DRAFTING PHASE]"
	refineInstruction   = "Critique the draft you just wrote for continuity errors, pacing and prose quality, then rewrite it in full applying every improvement. Output only the rewritten text."
	thoughtInstruction  = "If you reason before answering, put the reasoning inside <thought>...</thought> tags before the answer."
)

// TurnRequest is the input of one generation turn.
type TurnRequest struct {
	Settings    Settings
	Summary     string
	History     []Turn
	Input       string
	Attachments []Attachment
}

// TurnUpdate is one incremental event of a turn. Thought is cumulative.
// Restart tells the caller to discard partial text from a failed attempt.
type TurnUpdate struct {
	TextDelta string      `json:"text_delta,omitempty"`
	Thought   string      `json:"thought,omitempty"`
	Grounding []Grounding `json:"grounding,omitempty"`
	Restart   bool        `json:"restart,omitempty"`
	Usage     *Usage      `json:"usage,omitempty"`
	Done      bool        `json:"done,omitempty"`
}

type TurnResult struct {
	Text        string      `json:"text"`
	Thought     string      `json:"thought,omitempty"`
	Grounding   []Grounding `json:"grounding,omitempty"`
	Usage       Usage       `json:"usage"`
	Model       string      `json:"model"`
	KeyIndex    int         `json:"key_index"`
	Attempts    int         `json:"attempts"`
	Composition Composition `json:"composition"`
}

// Orchestrator drives a turn: compose, optional draft, streamed generation,
// and recovery through model fallback and key rotation.
type Orchestrator struct {
	backend       Backend
	keys          *KeyRing
	composer      *Composer
	fallbackModel string
	historyWindow int
}

func NewOrchestrator(backend Backend, keys *KeyRing, composer *Composer) *Orchestrator {
	return &Orchestrator{
		backend:       backend,
		keys:          keys,
		composer:      composer,
		fallbackModel: fallbackModelFromEnv(),
		historyWindow: HistoryWindow,
	}
}

func (o *Orchestrator) Keys() *KeyRing {
	return o.keys
}

// RunTurn executes one turn. emit receives updates in order; an error from
// emit aborts the turn.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit func(TurnUpdate) error) (*TurnResult, error) {
	if o.keys.Len() == 0 {
		return nil, ErrNoCredentials
	}
	if emit == nil {
		emit = func(TurnUpdate) error { return nil }
	}
	settings := req.Settings.Normalize()

	history := BuildHistory(req.History, o.historyWindow)
	composition := o.composer.Compose(ctx, ComposeInput{
		Summary:      req.Summary,
		Memories:     settings.Memories,
		Characters:   settings.Characters,
		Documents:    settings.Knowledge,
		TargetLength: settings.TargetLength,
		UserInput:    req.Input,
		Attachments:  req.Attachments,
	})
	if settings.AutoRefine {
		composition = composition.Append("drafting", draftingInstruction)
	}
	message := UserContent(composition.Prompt, req.Attachments)

	model := settings.ModelID
	fellBack := false
	restartPending := false
	attempts := 0

	for {
		attempts++
		key, _ := o.keys.Current()
		cfg := o.sessionConfig(settings, key, model)

		emitted := false
		forward := func(update TurnUpdate) error {
			if restartPending {
				update.Restart = true
				restartPending = false
			}
			if update.TextDelta != "" || update.Thought != "" {
				emitted = true
			}
			return emit(update)
		}

		result, err := o.attempt(ctx, cfg, history, message, settings.AutoRefine, composition.EstimatedTokens, forward)
		if err == nil {
			result.Model = model
			result.KeyIndex = o.keys.Index()
			result.Attempts = attempts
			result.Composition = composition
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if emitted {
			restartPending = true
		}

		switch kind := classifyFailure(err); kind {
		case failureContentBlocked:
			if !strings.Contains(err.Error(), ErrContentBlocked.Error()) {
				err = fmt.Errorf("%w: %v", ErrContentBlocked, err)
			}
			return nil, err
		case failureTerminal:
			return nil, err
		}

		if !fellBack && IsProModel(model) && !strings.EqualFold(model, o.fallbackModel) {
			fellBack = true
			log.Printf("llm: %s unavailable (%v), falling back to %s", model, err, o.fallbackModel)
			model = o.fallbackModel
			continue
		}
		if !o.keys.Rotate() {
			log.Printf("llm: all %d keys exhausted", o.keys.Len())
			return nil, err
		}
		next, _ := o.keys.Current()
		log.Printf("llm: key %s failed (%v), rotated to %s", maskKey(key), err, maskKey(next))
	}
}

func (o *Orchestrator) sessionConfig(settings Settings, key, model string) SessionConfig {
	instruction := settings.SystemInstruction
	if instruction != "" {
		instruction += "\n\n"
	}
	instruction += thoughtInstruction
	return SessionConfig{
		APIKey:            key,
		Model:             model,
		SystemInstruction: instruction,
		Generation:        settings.Generation,
		SafetyThreshold:   settings.SafetyThreshold,
		SearchEnabled:     settings.SearchEnabled,
	}
}

// attempt runs one generation against a fresh session.
func (o *Orchestrator) attempt(
	ctx context.Context,
	cfg SessionConfig,
	history []Content,
	message Content,
	refine bool,
	inputTokens int,
	emit func(TurnUpdate) error,
) (*TurnResult, error) {
	session := NewSession(o.backend, cfg, history)

	streamed := message
	if refine {
		if _, err := session.Send(ctx, message); err != nil {
			return nil, err
		}
		streamed = Content{Role: "user", Parts: []Part{{Text: refineInstruction}}}
	}

	parser := &ThoughtParser{}
	var visible strings.Builder
	var grounding []Grounding
	lastThought := ""

	err := session.SendStream(ctx, streamed, func(fragment *GenerateResponse) error {
		delta := parser.Push(fragment.Text())
		citations := fragment.Groundings()
		thought := parser.Thought()
		if delta == "" && len(citations) == 0 && thought == lastThought {
			return nil
		}
		lastThought = thought
		visible.WriteString(delta)
		grounding = append(grounding, citations...)
		return emit(TurnUpdate{TextDelta: delta, Thought: thought, Grounding: citations})
	})
	if err != nil {
		return nil, err
	}

	if tail := parser.Flush(); tail != "" || parser.Thought() != lastThought {
		visible.WriteString(tail)
		if err := emit(TurnUpdate{TextDelta: tail, Thought: parser.Thought()}); err != nil {
			return nil, err
		}
	}

	text := visible.String()
	thought := parser.Thought()
	usage := newUsage(inputTokens, EstimateTokens(text+thought))
	if err := emit(TurnUpdate{Thought: thought, Usage: &usage, Done: true}); err != nil {
		return nil, err
	}

	return &TurnResult{
		Text:      text,
		Thought:   thought,
		Grounding: dedupeGrounding(grounding),
		Usage:     usage,
	}, nil
}

func dedupeGrounding(items []Grounding) []Grounding {
	if len(items) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(items))
	result := make([]Grounding, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item.URI]; ok {
			continue
		}
		seen[item.URI] = struct{}{}
		result = append(result, item)
	}
	return result
}
