// Package html provides a readable-text HTML extractor for the Attachment
// Adapter, with a tag-stripping fallback when readability parsing fails.
package html

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-shiori/go-readability"

	"github.com/chatcore/chatcore/ingest"
)

// Compile-time interface check.
var _ ingest.Extractor = (*Extractor)(nil)

// Extractor implements ingest.Extractor for text/html content. BaseURL, if
// set, resolves relative links encountered during readability parsing; it
// has no effect on the fallback path.
type Extractor struct {
	BaseURL string
}

// NewExtractor creates an HTML extractor. baseURL may be empty.
func NewExtractor(baseURL string) *Extractor {
	return &Extractor{BaseURL: baseURL}
}

// Extract returns the readable text content of an HTML document. If
// readability parsing fails or yields no text, it falls back to raw
// tag-stripping via ingest.StripHTML.
func (e *Extractor) Extract(content []byte) (string, error) {
	if len(content) == 0 {
		return "", fmt.Errorf("empty html content")
	}

	var parsedURL *url.URL
	if e.BaseURL != "" {
		parsedURL, _ = url.Parse(e.BaseURL)
	}
	if parsedURL == nil {
		parsedURL, _ = url.Parse("about:blank")
	}

	article, err := readability.FromReader(strings.NewReader(string(content)), parsedURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	return ingest.StripHTML(string(content)), nil
}
