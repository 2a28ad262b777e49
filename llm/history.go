package llm

import (
	"strings"
	"time"
)

// HistoryWindow is the number of qualifying turns sent as backend context.
const HistoryWindow = 20

// Turn is one stored conversation message as the pipeline sees it.
type Turn struct {
	Seq         int          `json:"seq"`
	Role        string       `json:"role"`
	Text        string       `json:"text"`
	Thought     string       `json:"thought,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsError     bool         `json:"is_error,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (t Turn) qualifies() bool {
	return !t.IsError && strings.TrimSpace(t.Text) != ""
}

// QualifyingTurns drops error turns and turns without text, keeping order.
func QualifyingTurns(turns []Turn) []Turn {
	result := make([]Turn, 0, len(turns))
	for _, turn := range turns {
		if turn.qualifies() {
			result = append(result, turn)
		}
	}
	return result
}

// BuildHistory converts the last window qualifying turns into backend contents.
// Attachments of past turns are not resent.
func BuildHistory(turns []Turn, window int) []Content {
	if window <= 0 {
		window = HistoryWindow
	}
	qualifying := QualifyingTurns(turns)
	if len(qualifying) > window {
		qualifying = qualifying[len(qualifying)-window:]
	}
	contents := make([]Content, 0, len(qualifying))
	for _, turn := range qualifying {
		contents = append(contents, Content{
			Role:  backendRole(turn.Role),
			Parts: []Part{{Text: turn.Text}},
		})
	}
	return contents
}

// turnsBeyondWindow returns qualifying turns that fell out of the history
// window and were not yet folded into the summary.
func turnsBeyondWindow(turns []Turn, window, summarizedThrough int) []Turn {
	if window <= 0 {
		window = HistoryWindow
	}
	qualifying := QualifyingTurns(turns)
	if len(qualifying) <= window {
		return nil
	}
	older := qualifying[:len(qualifying)-window]
	result := make([]Turn, 0, len(older))
	for _, turn := range older {
		if turn.Seq > summarizedThrough {
			result = append(result, turn)
		}
	}
	return result
}

func backendRole(role string) string {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "model", "assistant":
		return "model"
	default:
		return "user"
	}
}
