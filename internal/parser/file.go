package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/avenoir-dev/spyglass/internal/fetcher"
	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// ParseFile dispatches on file extension: PDF and DOCX get real text
// extraction, everything else (plain text, source code, unrecognized
// extensions) is read as UTF-8. Satisfies fetcher.Parser.
func (s *Service) ParseFile(ctx context.Context, path string) (fetcher.ParseResult, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return parsePDF(path)
	case ".docx":
		return parseDOCX(path)
	default:
		return parseText(path)
	}
}

func parsePDF(path string) (fetcher.ParseResult, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return fetcher.ParseResult{}, fmt.Errorf("parser: open pdf %s: %w", path, err)
	}
	defer file.Close()

	var b strings.Builder
	totalPages := reader.NumPage()
	for pageNum := 1; pageNum <= totalPages; pageNum++ {
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}

	content := collapseWhitespace(b.String())
	return fetcher.ParseResult{
		Title:       filepath.Base(path),
		Content:     content,
		Description: truncateWords(content, DefaultDescriptionWords),
	}, nil
}

func parseDOCX(path string) (fetcher.ParseResult, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return fetcher.ParseResult{}, fmt.Errorf("parser: open docx %s: %w", path, err)
	}
	defer doc.Close()

	content := collapseWhitespace(doc.Editable().GetContent())
	return fetcher.ParseResult{
		Title:       filepath.Base(path),
		Content:     content,
		Description: truncateWords(content, DefaultDescriptionWords),
	}, nil
}

func parseText(path string) (fetcher.ParseResult, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return fetcher.ParseResult{}, fmt.Errorf("parser: read %s: %w", path, err)
	}

	content := string(body)
	return fetcher.ParseResult{
		Title:       filepath.Base(path),
		Content:     content,
		Description: truncateWords(content, DefaultDescriptionWords),
	}, nil
}
