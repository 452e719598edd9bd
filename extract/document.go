package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/bbiangul/ingestor/llm"
	"github.com/bbiangul/ingestor/parser"
)

// DocumentExtractor handles binary document formats: the text comes out
// through the parser first, then runs the document template with the prose
// rule sweep as fallback. A document that parses to no text, such as a
// scanned PDF, produces an empty result rather than an error.
type DocumentExtractor struct {
	client  *llm.Client
	parsers *parser.Registry
	log     *slog.Logger
}

func NewDocumentExtractor(client *llm.Client, parsers *parser.Registry, log *slog.Logger) *DocumentExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentExtractor{client: client, parsers: parsers, log: log}
}

func (x *DocumentExtractor) Patterns() []string {
	return []string{
		"application/pdf",
		"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
		"application/vnd.openxmlformats-officedocument.presentationml.presentation",
		"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	}
}

func (x *DocumentExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	start := time.Now()
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}
	p, err := x.parsers.Get(in.ContentType)
	if err != nil {
		return nil, err
	}
	parsed, err := p.Parse(ctx, data)
	if err != nil {
		return nil, err
	}

	if parsed.Text == "" {
		x.log.Debug("document parsed to empty text", "content_type", in.ContentType)
		res := finish(x.log, nil, "", opts, start, false)
		res.Metadata = parsed.Metadata
		return res, nil
	}

	res, err := runText(ctx, x.client, x.log, parsed.Text, in.ContentType, llm.TemplatePDF, textRules, opts)
	if err != nil {
		return nil, err
	}
	res.Metadata = parsed.Metadata
	res.Text = parsed.Text
	res.Stats.ProcessingMs = time.Since(start).Milliseconds()
	return res, nil
}
