package extract

import (
	"context"
	"log/slog"

	"github.com/bbiangul/ingestor/llm"
)

// TextExtractor handles prose: plain text, markdown, HTML, and any other
// text/* subtype not claimed by the code extractor.
type TextExtractor struct {
	client *llm.Client
	log    *slog.Logger
}

func NewTextExtractor(client *llm.Client, log *slog.Logger) *TextExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &TextExtractor{client: client, log: log}
}

func (x *TextExtractor) Patterns() []string {
	return []string{"text/*"}
}

func (x *TextExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}
	ct := in.ContentType
	if ct == "" {
		ct = "text/plain"
	}
	return runText(ctx, x.client, x.log, string(data), ct, "", textRules, opts)
}
