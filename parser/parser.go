// Package parser extracts plain text from binary document formats so the
// rest of the pipeline can treat every input as text. Each parser receives
// the raw bytes and returns flattened text plus format-specific metadata;
// chunking and entity extraction happen downstream.
package parser

import (
	"context"
	"sort"

	"github.com/bbiangul/ingestor/fault"
)

// Parsed is what a parser produces from a document.
type Parsed struct {
	Text     string            // flattened text in document order
	Metadata map[string]string // format-specific details (pages, sheets, duration, ...)
}

// Parser extracts text from one family of content types.
type Parser interface {
	Parse(ctx context.Context, data []byte) (*Parsed, error)
	ContentTypes() []string
}

// Registry maps content types to their parsers.
type Registry struct {
	parsers map[string]Parser
}

// NewRegistry returns a registry with the built-in parsers registered.
func NewRegistry() *Registry {
	r := &Registry{parsers: make(map[string]Parser)}
	for _, p := range []Parser{&PDFParser{}, &DOCXParser{}, &XLSXParser{}, &PPTXParser{}, &MP4Parser{}} {
		for _, ct := range p.ContentTypes() {
			r.parsers[ct] = p
		}
	}
	return r
}

// Register adds or replaces the parser for a content type.
func (r *Registry) Register(contentType string, p Parser) {
	r.parsers[contentType] = p
}

// Has reports whether a parser is registered for the content type.
func (r *Registry) Has(contentType string) bool {
	_, ok := r.parsers[contentType]
	return ok
}

// Get returns the parser for a content type.
func (r *Registry) Get(contentType string) (Parser, error) {
	p, ok := r.parsers[contentType]
	if !ok {
		return nil, fault.Errorf(fault.Validation, "no parser for content type: %s", contentType)
	}
	return p, nil
}

// ContentTypes returns every registered content type, sorted.
func (r *Registry) ContentTypes() []string {
	out := make([]string, 0, len(r.parsers))
	for ct := range r.parsers {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}
