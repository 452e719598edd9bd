package extract

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bbiangul/ingestor/llm"
	"github.com/bbiangul/ingestor/parser"
)

// ruleTagRelevance scores entities lifted from embedded media tags. Tags are
// explicit author-supplied metadata, the same confidence tier as dates.
const ruleTagRelevance = 0.8

// videoTagKeys are the parser metadata keys that describe the work rather
// than the container. Each becomes an entity.
var videoTagKeys = []string{"title", "artist", "album", "genre", "comment", "keywords", "year", "description"}

// VideoExtractor derives entities from container metadata alone; no model
// call and no frame decoding. Embedded tags become entities, and the
// container facts (duration, dimensions, track counts) ride along as
// metadata. Video types without a registered parser produce an empty result.
type VideoExtractor struct {
	parsers *parser.Registry
	log     *slog.Logger
}

func NewVideoExtractor(parsers *parser.Registry, log *slog.Logger) *VideoExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &VideoExtractor{parsers: parsers, log: log}
}

func (x *VideoExtractor) Patterns() []string {
	return []string{"video/*"}
}

func (x *VideoExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	start := time.Now()
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}

	p, err := x.parsers.Get(in.ContentType)
	if err != nil {
		x.log.Debug("no container parser for video type", "content_type", in.ContentType)
		return finish(x.log, nil, "", opts, start, false), nil
	}
	parsed, err := p.Parse(ctx, data)
	if err != nil {
		return nil, err
	}

	var raw []llm.ExtractedEntity
	for _, key := range videoTagKeys {
		value, ok := parsed.Metadata[key]
		if !ok || value == "" {
			continue
		}
		raw = append(raw, llm.ExtractedEntity{
			Name:        value,
			Type:        "other",
			Description: fmt.Sprintf("Embedded %s tag", key),
			Mentions: []llm.ExtractedMention{{
				Context:   key + ": " + value,
				Relevance: ruleTagRelevance,
			}},
		})
	}

	res := finish(x.log, raw, "", opts, start, false)
	res.Metadata = parsed.Metadata
	res.Text = parsed.Text
	return res, nil
}
