// Package extract turns uploaded files into plain text for vectorization.
package extract

import (
	"errors"
	"fmt"
	"log"
	"mime"
	"path"
	"strings"
	"unicode/utf8"
)

const maxArchiveEntryBytes int64 = 20 * 1024 * 1024

var (
	ErrEmptyFile       = errors.New("extract: file is empty")
	ErrUnsupportedType = errors.New("extract: unsupported file type")
	// ErrNoText is returned for a PDF with no recoverable text, e.g. a scan.
	ErrNoText = errors.New("extract: no extractable text")
)

// File is an uploaded file awaiting extraction.
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Extracted is the plain text recovered from one file or archive entry.
type Extracted struct {
	Name     string
	MimeType string
	Size     int64
	Text     string
}

// Extract dispatches on the file type. Archives yield one result per
// contained text file.
func Extract(file File) ([]Extracted, error) {
	if len(file.Data) == 0 {
		return nil, ErrEmptyFile
	}
	mimeType := detectMimeType(file.Name, file.MimeType)

	switch {
	case mimeType == "application/pdf":
		text, err := extractPDF(file.Data)
		if err != nil {
			return nil, err
		}
		return []Extracted{{Name: file.Name, MimeType: mimeType, Size: int64(len(file.Data)), Text: text}}, nil
	case isRar(file.Name, mimeType):
		return extractRar(file.Data)
	case isZip(file.Name, mimeType):
		return extractZip(file.Data)
	case isBinaryMime(mimeType):
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	default:
		return []Extracted{{Name: file.Name, MimeType: mimeType, Size: int64(len(file.Data)), Text: decodeText(file.Data)}}, nil
	}
}

// ExtractAll extracts every file, logging and skipping the ones that fail.
func ExtractAll(files []File) []Extracted {
	results := make([]Extracted, 0, len(files))
	for _, file := range files {
		extracted, err := Extract(file)
		if err != nil {
			log.Printf("extract: skip %q: %v", file.Name, err)
			continue
		}
		for _, item := range extracted {
			if strings.TrimSpace(item.Text) == "" {
				log.Printf("extract: skip %q: no text content", item.Name)
				continue
			}
			results = append(results, item)
		}
	}
	return results
}

func detectMimeType(name, declared string) string {
	declared = strings.ToLower(strings.TrimSpace(declared))
	if idx := strings.Index(declared, ";"); idx >= 0 {
		declared = strings.TrimSpace(declared[:idx])
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".txt", ".log":
		return "text/plain"
	case ".rar":
		return "application/vnd.rar"
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if idx := strings.Index(byExt, ";"); idx >= 0 {
			byExt = byExt[:idx]
		}
		return byExt
	}
	if declared != "" {
		return declared
	}
	return "text/plain"
}

func isRar(name, mimeType string) bool {
	return mimeType == "application/vnd.rar" || mimeType == "application/x-rar-compressed" ||
		strings.EqualFold(path.Ext(name), ".rar")
}

func isZip(name, mimeType string) bool {
	return mimeType == "application/zip" || mimeType == "application/x-zip-compressed" ||
		strings.EqualFold(path.Ext(name), ".zip")
}

func isBinaryMime(mimeType string) bool {
	switch {
	case strings.HasPrefix(mimeType, "image/"),
		strings.HasPrefix(mimeType, "audio/"),
		strings.HasPrefix(mimeType, "video/"):
		return true
	}
	return false
}

// decodeText interprets data as UTF-8, replacing invalid sequences.
func decodeText(data []byte) string {
	data = trimBOM(data)
	if utf8.Valid(data) {
		return string(data)
	}
	return strings.ToValidUTF8(string(data), "�")
}

func trimBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

func isTextEntry(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".txt", ".md", ".markdown", ".csv", ".json", ".log", ".html", ".htm", ".xml", ".yaml", ".yml":
		return true
	}
	return false
}
