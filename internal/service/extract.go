package service

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextExtractor produces the lexical artifact for one file.
type TextExtractor interface {
	// Extract returns the extracted text and whether it was truncated.
	Extract(ctx context.Context, name string, data []byte) (string, bool, error)
}

// PlainTextExtractor extracts UTF-8 text content, normalizing control
// characters and capping the output length.
type PlainTextExtractor struct {
	maxRunes int
}

// NewPlainTextExtractor creates a plain-text extractor with a rune cap.
func NewPlainTextExtractor(maxRunes int) *PlainTextExtractor {
	if maxRunes <= 0 {
		maxRunes = 20000
	}
	return &PlainTextExtractor{maxRunes: maxRunes}
}

// Extract sanitizes the content and truncates it to the configured cap.
func (e *PlainTextExtractor) Extract(ctx context.Context, name string, data []byte) (string, bool, error) {
	if ctx.Err() != nil {
		return "", false, ctx.Err()
	}
	if !utf8.Valid(data) {
		return "", false, fmt.Errorf("file %s is not valid UTF-8 text", name)
	}

	cleaned := sanitizeText(string(data))
	runes := []rune(cleaned)
	if len(runes) <= e.maxRunes {
		return cleaned, false, nil
	}
	return string(runes[:e.maxRunes]), true, nil
}

// sanitizeText drops control characters other than newline and tab and
// collapses runs of blank lines.
func sanitizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\t' {
			continue
		}
		b.WriteRune(r)
	}

	lines := strings.Split(b.String(), "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func contentTypeForFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	case "txt", "text":
		return "text/plain; charset=utf-8"
	case "json":
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
