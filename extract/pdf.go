package extract

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// extractPDF concatenates the text shown on every page, each page preceded
// by a "--- Page N ---" marker.
func extractPDF(data []byte) (string, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadContext(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("extract: read pdf: %w", err)
	}
	if err := api.ValidateContext(ctx); err != nil {
		return "", fmt.Errorf("extract: validate pdf: %w", err)
	}

	pages := make([]string, 0, ctx.PageCount)
	for page := 1; page <= ctx.PageCount; page++ {
		reader, err := pdfcpu.ExtractPageContent(ctx, page)
		if err != nil {
			return "", fmt.Errorf("extract: page %d content: %w", page, err)
		}
		if reader == nil {
			pages = append(pages, "")
			continue
		}
		content, err := io.ReadAll(reader)
		if err != nil {
			return "", fmt.Errorf("extract: read page %d: %w", page, err)
		}
		pages = append(pages, textFromContentStream(content))
	}
	return joinPages(pages)
}

// joinPages prefixes each page with its marker. A document whose pages are
// all blank yields ErrNoText instead of a string of bare markers.
func joinPages(pages []string) (string, error) {
	var builder strings.Builder
	hasText := false
	for i, text := range pages {
		text = strings.TrimSpace(text)
		if text != "" {
			hasText = true
		}
		if builder.Len() > 0 {
			builder.WriteString("\n\n")
		}
		fmt.Fprintf(&builder, "--- Page %d ---\n", i+1)
		builder.WriteString(text)
	}
	if !hasText {
		return "", ErrNoText
	}
	return builder.String(), nil
}

// textFromContentStream recovers literal strings drawn by the Tj, TJ, ' and
// " operators, literal or hex. Positioning operators that start a new line
// become newlines.
func textFromContentStream(content []byte) string {
	var out strings.Builder
	var pending strings.Builder
	var token strings.Builder

	flushToken := func() {
		op := token.String()
		token.Reset()
		switch op {
		case "Tj", "TJ":
			out.WriteString(pending.String())
			pending.Reset()
		case "'", "\"":
			out.WriteByte('\n')
			out.WriteString(pending.String())
			pending.Reset()
		case "T*", "Td", "TD":
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
		case "ET":
			pending.Reset()
		}
	}

	for i := 0; i < len(content); i++ {
		ch := content[i]
		switch {
		case ch == '(':
			flushToken()
			literal, next := readLiteral(content, i+1)
			pending.WriteString(literal)
			i = next
		case ch == '<' && i+1 < len(content) && content[i+1] == '<':
			flushToken()
			i++
		case ch == '<' && i+1 < len(content) && content[i+1] != '<':
			flushToken()
			end := bytes.IndexByte(content[i:], '>')
			if end < 0 {
				end = len(content) - i
			}
			pending.WriteString(decodeHexString(content[i+1 : i+end]))
			i += end
		case ch == '%':
			flushToken()
			for i < len(content) && content[i] != '\n' && content[i] != '\r' {
				i++
			}
		case ch == ' ' || ch == '\n' || ch == '\r' || ch == '\t' || ch == '[' || ch == ']':
			flushToken()
		default:
			token.WriteByte(ch)
		}
	}
	flushToken()
	return strings.ToValidUTF8(out.String(), "")
}

// readLiteral decodes a PDF literal string starting after its opening
// parenthesis and returns the index of the closing one.
func readLiteral(content []byte, start int) (string, int) {
	var builder strings.Builder
	depth := 1
	i := start
	for ; i < len(content); i++ {
		ch := content[i]
		switch ch {
		case '\\':
			if i+1 >= len(content) {
				continue
			}
			i++
			switch esc := content[i]; esc {
			case 'n':
				builder.WriteByte('\n')
			case 'r':
				builder.WriteByte('\r')
			case 't':
				builder.WriteByte('\t')
			case 'b', 'f':
			case '(', ')', '\\':
				builder.WriteByte(esc)
			case '\r', '\n':
			default:
				if esc >= '0' && esc <= '7' {
					value := int(esc - '0')
					for n := 0; n < 2 && i+1 < len(content) && content[i+1] >= '0' && content[i+1] <= '7'; n++ {
						i++
						value = value*8 + int(content[i]-'0')
					}
					builder.WriteByte(byte(value))
				} else {
					builder.WriteByte(esc)
				}
			}
		case '(':
			depth++
			builder.WriteByte(ch)
		case ')':
			depth--
			if depth == 0 {
				return builder.String(), i
			}
			builder.WriteByte(ch)
		default:
			builder.WriteByte(ch)
		}
	}
	return builder.String(), i
}

// decodeHexString decodes the body of a <...> string. Two-byte codes are read
// as UTF-16BE when they carry a BOM or every high byte is zero; otherwise
// printable single bytes are kept. Anything else is a glyph id that needs the
// font's ToUnicode map and is dropped.
func decodeHexString(body []byte) string {
	digits := make([]byte, 0, len(body)+1)
	for _, ch := range body {
		if isHexDigit(ch) {
			digits = append(digits, ch)
		}
	}
	if len(digits)%2 == 1 {
		digits = append(digits, '0')
	}
	raw := make([]byte, hex.DecodedLen(len(digits)))
	if _, err := hex.Decode(raw, digits); err != nil || len(raw) == 0 {
		return ""
	}

	if len(raw)%2 == 0 {
		if text, ok := decodeUTF16BE(raw); ok {
			return text
		}
	}
	if isPrintableASCII(raw) {
		return string(raw)
	}
	return ""
}

func decodeUTF16BE(raw []byte) (string, bool) {
	units := make([]uint16, 0, len(raw)/2)
	zeroHigh := true
	for i := 0; i+1 < len(raw); i += 2 {
		if raw[i] != 0 {
			zeroHigh = false
		}
		units = append(units, uint16(raw[i])<<8|uint16(raw[i+1]))
	}
	hasBOM := units[0] == 0xFEFF
	if hasBOM {
		units = units[1:]
	}
	if !hasBOM && !zeroHigh {
		return "", false
	}
	runes := utf16.Decode(units)
	for _, r := range runes {
		if r == utf8.RuneError || (!unicode.IsPrint(r) && !unicode.IsSpace(r)) {
			return "", false
		}
	}
	return string(runes), true
}

func isPrintableASCII(raw []byte) bool {
	for _, b := range raw {
		if b < 0x20 || b > 0x7e {
			if b != '\n' && b != '\r' && b != '\t' {
				return false
			}
		}
	}
	return true
}

func isHexDigit(ch byte) bool {
	return (ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')
}
