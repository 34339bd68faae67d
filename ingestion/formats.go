// Package ingestion builds the corpus: parsing raw documents, chunking them,
// embedding the chunks, and writing the index.
package ingestion

import (
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported raw document formats.
type DocumentFormat string

const (
	FormatUnknown  DocumentFormat = ""
	FormatMarkdown DocumentFormat = "markdown"
	FormatPDF      DocumentFormat = "pdf"
	FormatText     DocumentFormat = "text"
)

// DetectFormat infers a document format from the path's extension.
func DetectFormat(path string) DocumentFormat {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".txt":
		return FormatText
	default:
		return FormatUnknown
	}
}
