package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ParsedDocument is the normalized text of one raw document. Chunk offsets
// refer to positions in Text.
type ParsedDocument struct {
	Title string
	Text  string
}

// Parse extracts normalized text from a raw document payload.
func Parse(path string, data []byte) (*ParsedDocument, error) {
	switch DetectFormat(path) {
	case FormatMarkdown:
		return parseMarkdown(path, data), nil
	case FormatText:
		return parseText(path, data), nil
	case FormatPDF:
		return parsePDF(path, data)
	default:
		return nil, fmt.Errorf("unsupported document format: %s", path)
	}
}

func parseMarkdown(path string, data []byte) *ParsedDocument {
	text := normalizePlainText(string(data))
	title := extractHeading(text)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &ParsedDocument{Title: title, Text: text}
}

func parseText(path string, data []byte) *ParsedDocument {
	text := normalizePlainText(string(data))
	title := firstNonEmptyLine(text)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &ParsedDocument{Title: title, Text: text}
}

func parsePDF(path string, data []byte) (*ParsedDocument, error) {
	reader := bytes.NewReader(data)
	doc, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read pdf text: %w", err)
	}

	text := normalizePlainText(buf.String())
	title := firstNonEmptyLine(text)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return &ParsedDocument{Title: title, Text: text}, nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}

func extractHeading(content string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
	}
	return ""
}

func firstNonEmptyLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
