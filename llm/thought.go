package llm

import "strings"

const (
	thoughtOpenTag  = "<thought>"
	thoughtCloseTag = "</thought>"
)

// ThoughtParser splits streamed model output into visible text and the
// reasoning trace enclosed in <thought>...</thought>. Tags may be split across
// fragments; an undecided tail is held back until the next fragment.
type ThoughtParser struct {
	inThought bool
	pending   string
	thought   strings.Builder
}

// Push consumes one fragment and returns the visible text it completes.
func (p *ThoughtParser) Push(fragment string) string {
	buf := p.pending + fragment
	p.pending = ""

	var visible strings.Builder
	for buf != "" {
		if !p.inThought {
			if idx := strings.Index(buf, thoughtOpenTag); idx >= 0 {
				visible.WriteString(buf[:idx])
				buf = buf[idx+len(thoughtOpenTag):]
				p.inThought = true
				continue
			}
			keep := partialTagSuffix(buf, thoughtOpenTag)
			visible.WriteString(buf[:len(buf)-keep])
			p.pending = buf[len(buf)-keep:]
			break
		}

		if idx := strings.Index(buf, thoughtCloseTag); idx >= 0 {
			p.thought.WriteString(buf[:idx])
			buf = buf[idx+len(thoughtCloseTag):]
			p.inThought = false
			continue
		}
		keep := partialTagSuffix(buf, thoughtCloseTag)
		p.thought.WriteString(buf[:len(buf)-keep])
		p.pending = buf[len(buf)-keep:]
		break
	}
	return visible.String()
}

// Flush releases any held-back tail at end of stream. A dangling partial tag
// is treated as ordinary text of the current segment.
func (p *ThoughtParser) Flush() string {
	tail := p.pending
	p.pending = ""
	if p.inThought {
		p.thought.WriteString(tail)
		return ""
	}
	return tail
}

// Thought returns the reasoning trace aggregated so far.
func (p *ThoughtParser) Thought() string {
	return p.thought.String()
}

func (p *ThoughtParser) InThought() bool {
	return p.inThought
}

// partialTagSuffix returns the length of the longest suffix of buf that is a
// proper prefix of tag.
func partialTagSuffix(buf, tag string) int {
	max := len(tag) - 1
	if max > len(buf) {
		max = len(buf)
	}
	for n := max; n > 0; n-- {
		if strings.HasSuffix(buf, tag[:n]) {
			return n
		}
	}
	return 0
}
