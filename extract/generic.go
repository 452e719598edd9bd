package extract

import (
	"bytes"
	"context"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/bbiangul/ingestor/llm"
)

// GenericExtractor is the */* fallback. Textual payloads run the generic
// template with the prose rule sweep; binary payloads have nothing to offer
// and produce an empty result.
type GenericExtractor struct {
	client *llm.Client
	log    *slog.Logger
}

func NewGenericExtractor(client *llm.Client, log *slog.Logger) *GenericExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &GenericExtractor{client: client, log: log}
}

func (x *GenericExtractor) Patterns() []string {
	return []string{"*/*"}
}

func (x *GenericExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}
	if !looksText(data) {
		x.log.Debug("binary payload with no dedicated extractor, nothing to extract",
			"content_type", in.ContentType)
		return finish(x.log, nil, "", opts, time.Now(), false), nil
	}
	ct := in.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return runText(ctx, x.client, x.log, string(data), ct, llm.TemplateGeneric, textRules, opts)
}

// looksText reports whether the payload is plausibly human-readable: no NUL
// bytes and valid UTF-8 over the sampled prefix.
func looksText(data []byte) bool {
	sample := data
	if len(sample) > 8192 {
		sample = sample[:8192]
		// The cut may have landed mid-rune; shave the partial tail before
		// judging.
		for i := 0; i < 3 && !utf8.Valid(sample); i++ {
			sample = sample[:len(sample)-1]
		}
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return false
	}
	return utf8.Valid(sample)
}
