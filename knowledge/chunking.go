package knowledge

import "strings"

const defaultChunkSize = 1000

// SplitFixed cuts text into consecutive chunks of size characters. The last
// chunk may be shorter. Boundaries ignore words and sentences.
func SplitFixed(text string, size int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if text == "" {
		return nil
	}

	runes := []rune(text)
	total := len(runes)
	segments := make([]string, 0, (total+size-1)/size)
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		segments = append(segments, string(runes[start:end]))
	}
	return segments
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	replaced = strings.ReplaceAll(replaced, "\r", "\n")
	return replaced
}

func runeLen(value string) int {
	return len([]rune(value))
}
