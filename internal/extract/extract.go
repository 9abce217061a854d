// Package extract turns fetched documents into clean text chunks sized for
// LLM analysis.
package extract

import (
	"bytes"
	"context"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/green-detective/detective/internal/config"
)

// Chunk is one staged unit of page text.
type Chunk struct {
	URL  string
	Text string
}

// Extractor converts HTML and PDF bodies to normalized plain text.
type Extractor struct {
	cfg config.ExtractConfig
}

// New creates an Extractor.
func New(cfg config.ExtractConfig) *Extractor {
	if cfg.MaxChunkChars <= 0 {
		cfg.MaxChunkChars = 15000
	}
	if cfg.MaxPDFPages <= 0 {
		cfg.MaxPDFPages = 100
	}
	return &Extractor{cfg: cfg}
}

// Extract returns the page's text split into chunks of at most
// MaxChunkChars. Unusable documents yield an empty slice, never an error;
// a single bad page must not fail the crawl.
func (e *Extractor) Extract(ctx context.Context, pageURL string, body []byte, contentType string) []Chunk {
	if len(body) == 0 {
		return nil
	}

	var text string
	if isPDF(body, contentType) {
		var err error
		text, err = e.pdfText(ctx, body)
		if err != nil {
			zap.L().Warn("extract: pdf rejected",
				zap.String("url", pageURL),
				zap.Error(err),
			)
			return nil
		}
	} else {
		text = e.htmlText(pageURL, body)
	}

	text = normalizeText(text)
	if text == "" {
		return nil
	}

	var chunks []Chunk
	for _, part := range splitChunks(text, e.cfg.MaxChunkChars) {
		chunks = append(chunks, Chunk{URL: pageURL, Text: part})
	}
	return chunks
}

func isPDF(body []byte, contentType string) bool {
	if strings.Contains(strings.ToLower(contentType), "application/pdf") {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

// htmlText runs readability to drop boilerplate, falling back to a raw tag
// strip when readability finds no article body.
func (e *Extractor) htmlText(pageURL string, body []byte) string {
	u, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err == nil {
		if text := strings.TrimSpace(article.TextContent); len(text) > 100 {
			return text
		}
	}
	return stripTags(string(body))
}

// splitChunks cuts text into pieces of at most limit characters, breaking
// on the last whitespace inside the window when one exists.
func splitChunks(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var parts []string
	for len(text) > limit {
		cut := limit
		if i := strings.LastIndexAny(text[:limit], " \n\t"); i > limit/2 {
			cut = i
		}
		parts = append(parts, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
