package extract

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"log/slog"
	"strings"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/llm"
)

// ImageExtractor sends the encoded image bytes through the vision template.
// There is no rule fallback for pixels: when the model is unavailable or the
// provider cannot take images, the result is empty and still a success.
// Image dimensions decoded from the header ride along as metadata.
type ImageExtractor struct {
	client *llm.Client
	log    *slog.Logger
}

func NewImageExtractor(client *llm.Client, log *slog.Logger) *ImageExtractor {
	if log == nil {
		log = slog.Default()
	}
	return &ImageExtractor{client: client, log: log}
}

func (x *ImageExtractor) Patterns() []string {
	return []string{"image/*"}
}

func (x *ImageExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	start := time.Now()
	data, err := in.resolve()
	if err != nil {
		return nil, err
	}

	meta := make(map[string]string)
	mime := normalizeContentType(in.ContentType)
	if cfg, format, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		meta["width"] = fmt.Sprintf("%d", cfg.Width)
		meta["height"] = fmt.Sprintf("%d", cfg.Height)
		meta["format"] = format
		if !strings.HasPrefix(mime, "image/") {
			mime = "image/" + format
		}
	}

	raw := x.analyze(ctx, data, mime, opts)
	if ctx.Err() != nil {
		return nil, fault.Wrap(fault.Transient, "image extraction interrupted", ctx.Err())
	}

	res := finish(x.log, raw, "", opts, start, false)
	res.Metadata = meta
	return res, nil
}

// analyze runs the vision call and swallows its failures.
func (x *ImageExtractor) analyze(ctx context.Context, data []byte, mime string, opts Options) []llm.ExtractedEntity {
	if x.client == nil {
		x.log.Debug("no model client configured, skipping image analysis")
		return nil
	}
	b64 := base64.StdEncoding.EncodeToString(data)
	a, err := x.client.AnalyzeImage(ctx, b64, mime, opts.llmOptions())
	if err != nil {
		x.log.Warn("image analysis unavailable", "error", err)
		return nil
	}
	entities, err := llm.ParseEntities(a.Data)
	if err != nil {
		x.log.Warn("discarding malformed image analysis reply", "error", err)
		return nil
	}
	return entities
}
