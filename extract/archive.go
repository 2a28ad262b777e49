package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/nwaples/rardecode/v2"
)

func extractRar(data []byte) ([]Extracted, error) {
	rr, err := rardecode.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("extract: parse rar archive: %w", err)
	}

	var results []Extracted
	for {
		header, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("extract: read rar entry: %w", err)
		}
		name := normalizeArchivePath(header.Name)
		if header.IsDir || name == "" || !isTextEntry(name) {
			continue
		}

		content, err := readLimited(rr, name)
		if err != nil {
			return nil, err
		}
		results = append(results, Extracted{
			Name:     name,
			MimeType: detectMimeType(name, ""),
			Size:     int64(len(content)),
			Text:     decodeText(content),
		})
	}
	if len(results) == 0 {
		return nil, errors.New("extract: archive contains no text files")
	}
	return results, nil
}

func extractZip(data []byte) ([]Extracted, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("extract: parse zip archive: %w", err)
	}

	var results []Extracted
	for _, entry := range zr.File {
		name := normalizeArchivePath(entry.Name)
		if entry.FileInfo().IsDir() || name == "" || !isTextEntry(name) {
			continue
		}
		rc, err := entry.Open()
		if err != nil {
			return nil, fmt.Errorf("extract: open zip entry %s: %w", name, err)
		}
		content, err := readLimited(rc, name)
		rc.Close()
		if err != nil {
			return nil, err
		}
		results = append(results, Extracted{
			Name:     name,
			MimeType: detectMimeType(name, ""),
			Size:     int64(len(content)),
			Text:     decodeText(content),
		})
	}
	if len(results) == 0 {
		return nil, errors.New("extract: archive contains no text files")
	}
	return results, nil
}

func readLimited(r io.Reader, name string) ([]byte, error) {
	content, err := io.ReadAll(io.LimitReader(r, maxArchiveEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("extract: read entry %s: %w", name, err)
	}
	if int64(len(content)) > maxArchiveEntryBytes {
		return nil, fmt.Errorf("extract: entry %s exceeds %d bytes", name, maxArchiveEntryBytes)
	}
	return content, nil
}

func normalizeArchivePath(value string) string {
	cleaned := path.Clean(strings.ReplaceAll(value, "\\", "/"))
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "." || strings.HasPrefix(cleaned, "__MACOSX/") || strings.HasPrefix(path.Base(cleaned), "._") {
		return ""
	}
	return cleaned
}
