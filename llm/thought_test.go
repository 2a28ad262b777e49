package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThoughtParserSplitTags(t *testing.T) {
	var p ThoughtParser
	var visible []string
	for _, fragment := range []string{"abc<thou", "ght>hidden</thou", "ght>def"} {
		visible = append(visible, p.Push(fragment))
	}
	visible = append(visible, p.Flush())

	assert.Equal(t, []string{"abc", "", "def", ""}, visible)
	assert.Equal(t, "hidden", p.Thought())
	assert.False(t, p.InThought())
}

func TestThoughtParserOneCharacterAtATime(t *testing.T) {
	input := "Intro <thought>plan the scene</thought>The door creaks."
	var p ThoughtParser
	var visible strings.Builder
	for _, r := range input {
		visible.WriteString(p.Push(string(r)))
	}
	visible.WriteString(p.Flush())

	assert.Equal(t, "Intro The door creaks.", visible.String())
	assert.Equal(t, "plan the scene", p.Thought())
}

func TestThoughtParserMultipleBlocks(t *testing.T) {
	var p ThoughtParser
	out := p.Push("<thought>a</thought>x<thought>b</thought>y")
	assert.Equal(t, "xy", out)
	assert.Equal(t, "ab", p.Thought())
}

func TestThoughtParserLookalikeIsVisible(t *testing.T) {
	var p ThoughtParser
	assert.Equal(t, "a ", p.Push("a <th"))
	assert.Equal(t, "<there", p.Push("ere"))
	assert.Empty(t, p.Thought())
}

func TestThoughtParserFlushDanglingTag(t *testing.T) {
	var p ThoughtParser
	assert.Equal(t, "end", p.Push("end<thou"))
	assert.Equal(t, "<thou", p.Flush())

	var q ThoughtParser
	q.Push("<thought>still thinking</th")
	assert.Equal(t, "", q.Flush())
	assert.Equal(t, "still thinking</th", q.Thought())
	assert.True(t, q.InThought())
}
