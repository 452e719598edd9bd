// Package processor runs the single-item ingestion pipeline: resolve the
// payload, detect its content type, deduplicate by hash, chunk, extract
// entities, and persist the lot in one transaction.
//
// Extraction happens before the write transaction opens so the store's
// single-writer lock is never held across model calls; the observable
// guarantee is unchanged, either everything for an item commits or nothing
// does.
package processor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bbiangul/ingestor/chunker"
	"github.com/bbiangul/ingestor/extract"
	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/parser"
	"github.com/bbiangul/ingestor/store"
)

// Config carries the processor defaults. Per-request options override them.
type Config struct {
	Chunking   chunker.Config
	Extraction extract.Options
}

// Processor is the single-item pipeline. Safe for concurrent use; batch
// workers share one instance.
type Processor struct {
	store      *store.Store
	extractors *extract.Registry
	parsers    *parser.Registry
	cfg        Config
	log        *slog.Logger
}

// New returns a Processor writing to st and extracting through extractors.
func New(st *store.Store, extractors *extract.Registry, parsers *parser.Registry, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{store: st, extractors: extractors, parsers: parsers, cfg: cfg, log: log}
}

// Request describes one content item.
type Request struct {
	// Data is the payload. When nil, Path is read instead.
	Data []byte
	// Path locates the payload on disk. With Data set it only contributes
	// the file name to type and language detection.
	Path string
	// ContentType skips detection when set.
	ContentType string
	// Source scopes deduplication; defaults to the absolute path for files.
	Source      string
	Title       string
	Description string
	// Metadata is merged with extractor-produced metadata and stored as
	// JSON on the content row.
	Metadata map[string]string
	// Chunking overrides the processor's chunking defaults.
	Chunking *chunker.Config
	// Extraction overrides the processor's extraction defaults.
	Extraction *extract.Options
}

// Result reports one processed item.
type Result struct {
	ContentID    int64             `json:"content_id"`
	ContentType  string            `json:"content_type"`
	Chunks       int               `json:"chunks"`
	EntityIDs    []int64           `json:"entity_ids,omitempty"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ProcessingMs int64             `json:"processing_time_ms"`
}

// Process runs the full pipeline for one item. A (source, hash) match
// short-circuits before any write and reports the existing row.
func (p *Processor) Process(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	data, absPath, err := p.payload(req)
	if err != nil {
		return nil, err
	}

	ct := strings.TrimSpace(req.ContentType)
	if ct == "" {
		ct = Detect(firstNonEmpty(absPath, req.Path), data)
	}

	source := req.Source
	if source == "" {
		source = absPath
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	existing, err := p.store.GetContentBySourceHash(ctx, source, hash)
	switch {
	case err == nil:
		p.log.Debug("content deduplicated",
			"content_id", existing.ID, "source", source, "hash", hash[:12])
		return &Result{
			ContentID:    existing.ID,
			ContentType:  existing.ContentType,
			Deduplicated: true,
			ProcessingMs: time.Since(start).Milliseconds(),
		}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	pl, err := p.buildPlan(ctx, ct, data, firstNonEmpty(absPath, req.Path), req)
	if err != nil {
		return nil, err
	}
	for k, v := range req.Metadata {
		pl.meta[k] = v
	}

	content := store.Content{
		ContentType: ct,
		Title:       req.Title,
		Description: req.Description,
		Source:      source,
		FilePath:    absPath,
		Hash:        hash,
		Size:        int64(len(data)),
		Metadata:    marshalMeta(pl.meta),
	}

	var (
		contentID int64
		entityIDs []int64
	)
	err = p.store.InTx(ctx, func(t *store.Tx) error {
		var err error
		contentID, err = t.InsertContent(ctx, content)
		if err != nil {
			return err
		}
		for _, ch := range pl.chunks {
			if _, err := t.InsertChunk(ctx, store.Chunk{
				ContentID: contentID, Index: ch.Index, Text: ch.Text,
			}); err != nil {
				return err
			}
		}
		entityIDs, err = writeEntities(ctx, t, contentID, ct, pl.units)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("content processed",
		"content_id", contentID, "content_type", ct,
		"chunks", len(pl.chunks), "entities", len(entityIDs),
		"elapsed", time.Since(start).Round(time.Millisecond))

	res := &Result{
		ContentID:    contentID,
		ContentType:  ct,
		Chunks:       len(pl.chunks),
		EntityIDs:    entityIDs,
		ProcessingMs: time.Since(start).Milliseconds(),
	}
	if len(pl.meta) > 0 {
		res.Metadata = pl.meta
	}
	return res, nil
}

// ProcessFile is shorthand for Process on a file path with everything
// inferred.
func (p *Processor) ProcessFile(ctx context.Context, path string) (*Result, error) {
	return p.Process(ctx, Request{Path: path})
}

// Reprocess re-runs chunking and extraction for stored content, replacing
// its chunks and mentions in one transaction. The payload is re-read from
// the content's file path unless the request supplies one. The content row
// itself (hash, title, metadata) is left as stored.
func (p *Processor) Reprocess(ctx context.Context, contentID int64, req Request) (*Result, error) {
	start := time.Now()

	c, err := p.store.GetContent(ctx, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.Errorf(fault.NotFound, "content %d not found", contentID)
		}
		return nil, err
	}
	if req.Data == nil && req.Path == "" {
		if c.FilePath == "" {
			return nil, fault.Errorf(fault.Validation, "content %d has no file path to reprocess from", contentID)
		}
		req.Path = c.FilePath
	}
	if req.ContentType == "" {
		req.ContentType = c.ContentType
	}

	data, absPath, err := p.payload(req)
	if err != nil {
		return nil, err
	}
	pl, err := p.buildPlan(ctx, req.ContentType, data, firstNonEmpty(absPath, req.Path), req)
	if err != nil {
		return nil, err
	}

	var entityIDs []int64
	err = p.store.InTx(ctx, func(t *store.Tx) error {
		if err := t.DeleteMentions(ctx, contentID); err != nil {
			return err
		}
		if err := t.DeleteChunks(ctx, contentID); err != nil {
			return err
		}
		for _, ch := range pl.chunks {
			if _, err := t.InsertChunk(ctx, store.Chunk{
				ContentID: contentID, Index: ch.Index, Text: ch.Text,
			}); err != nil {
				return err
			}
		}
		var err error
		entityIDs, err = writeEntities(ctx, t, contentID, req.ContentType, pl.units)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("content reprocessed",
		"content_id", contentID, "chunks", len(pl.chunks), "entities", len(entityIDs),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Result{
		ContentID:    contentID,
		ContentType:  req.ContentType,
		Chunks:       len(pl.chunks),
		EntityIDs:    entityIDs,
		ProcessingMs: time.Since(start).Milliseconds(),
	}, nil
}

// ExtractStored re-runs entity extraction over a content row's stored
// chunks, replacing its mentions in one transaction. The chunks themselves
// are left untouched, so it works for inline content whose payload was
// never on disk. Mention positions are relative to the concatenated chunk
// texts.
func (p *Processor) ExtractStored(ctx context.Context, contentID int64) (*Result, error) {
	start := time.Now()

	c, err := p.store.GetContent(ctx, contentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.Errorf(fault.NotFound, "content %d not found", contentID)
		}
		return nil, err
	}
	chunks, err := p.store.GetChunks(ctx, contentID)
	if err != nil {
		return nil, err
	}

	// Container formats were chunked from their textual rendition; their
	// chunks re-extract as plain text.
	ct := c.ContentType
	if len(chunks) > 0 && p.wholeContent(ct, []byte(chunks[0].Text)) {
		ct = "text/plain"
	}

	var units []unit
	base := 0
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Transient, "processing interrupted", err)
		}
		res, err := p.extractors.Extract(ctx, extract.Input{
			Data: []byte(ch.Text), Path: c.FilePath, ContentType: ct,
		}, p.cfg.Extraction)
		if err != nil {
			return nil, err
		}
		if len(res.Entities) > 0 {
			units = append(units, unit{entities: res.Entities, base: base})
		}
		base += len(ch.Text)
	}

	var entityIDs []int64
	err = p.store.InTx(ctx, func(t *store.Tx) error {
		if err := t.DeleteMentions(ctx, contentID); err != nil {
			return err
		}
		var err error
		entityIDs, err = writeEntities(ctx, t, contentID, c.ContentType, units)
		return err
	})
	if err != nil {
		return nil, err
	}

	p.log.Info("entities re-extracted",
		"content_id", contentID, "chunks", len(chunks), "entities", len(entityIDs),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Result{
		ContentID:    contentID,
		ContentType:  c.ContentType,
		Chunks:       len(chunks),
		EntityIDs:    entityIDs,
		ProcessingMs: time.Since(start).Milliseconds(),
	}, nil
}

// ---------------------------------------------------------------------------
// Pipeline internals
// ---------------------------------------------------------------------------

// unit is one extraction outcome plus the document offset its mention
// positions are relative to.
type unit struct {
	entities []extract.Entity
	base     int
}

type plan struct {
	chunks []chunker.Chunk
	units  []unit
	meta   map[string]string
}

// buildPlan chunks the payload and runs extraction. Container formats
// (media, parser-backed documents, unrecognized binaries) are extracted once
// over the whole payload and chunked from the extractor's textual rendition;
// textual payloads are chunked first and extracted per chunk.
func (p *Processor) buildPlan(ctx context.Context, ct string, data []byte, path string, req Request) (*plan, error) {
	pl := &plan{meta: map[string]string{}}
	if len(data) == 0 {
		return pl, nil
	}

	chCfg := p.cfg.Chunking
	if req.Chunking != nil {
		chCfg = *req.Chunking
	}
	exOpts := p.cfg.Extraction
	if req.Extraction != nil {
		exOpts = *req.Extraction
	}
	split := chunker.New(chCfg)

	if p.wholeContent(ct, data) {
		res, err := p.extractors.Extract(ctx, extract.Input{Data: data, Path: path, ContentType: ct}, exOpts)
		if err != nil {
			return nil, err
		}
		for k, v := range res.Metadata {
			pl.meta[k] = v
		}
		if len(res.Entities) > 0 {
			pl.units = append(pl.units, unit{entities: res.Entities})
		}
		if res.Text != "" {
			if pl.chunks, err = split.Split(res.Text); err != nil {
				return nil, err
			}
		}
		return pl, nil
	}

	chunks, err := split.Split(string(data))
	if err != nil {
		return nil, err
	}
	pl.chunks = chunks

	base := 0
	for _, ch := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Transient, "processing interrupted", err)
		}
		res, err := p.extractors.Extract(ctx, extract.Input{
			Data: []byte(ch.Text), Path: path, ContentType: ct,
		}, exOpts)
		if err != nil {
			return nil, err
		}
		if len(res.Entities) > 0 {
			// ch.Text starts Overlap bytes before this chunk's first new
			// byte of the document.
			pl.units = append(pl.units, unit{entities: res.Entities, base: base - ch.Overlap})
		}
		base += len(ch.Text) - ch.Overlap
	}
	return pl, nil
}

// wholeContent reports whether extraction runs once over the full payload
// instead of per chunk.
func (p *Processor) wholeContent(ct string, data []byte) bool {
	if strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "video/") || strings.HasPrefix(ct, "audio/") {
		return true
	}
	if p.parsers != nil && p.parsers.Has(ct) {
		return true
	}
	return !textual(data)
}

// writeEntities upserts every extracted entity and links its mentions to the
// content row. Returns the distinct entity ids in first-seen order.
func writeEntities(ctx context.Context, t *store.Tx, contentID int64, ct string, units []unit) ([]int64, error) {
	var ids []int64
	seen := make(map[int64]bool)
	for _, u := range units {
		for _, e := range u.entities {
			id, err := t.UpsertEntity(ctx, store.Entity{
				Name:           e.Name,
				NormalizedName: strings.ToLower(e.Name),
				Type:           e.Type,
				Description:    e.Description,
			})
			if err != nil {
				return nil, err
			}
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}

			if len(e.Mentions) == 0 {
				// Keep the association alive even when every claimed
				// mention was rejected.
				if _, err := t.LinkEntityToContent(ctx, store.Mention{
					EntityID: id, ContentID: contentID, ContentType: ct,
					Relevance: e.Confidence,
				}); err != nil {
					return nil, err
				}
				continue
			}
			for _, m := range e.Mentions {
				if _, err := t.LinkEntityToContent(ctx, store.Mention{
					EntityID: id, ContentID: contentID, ContentType: ct,
					Relevance: m.Relevance, Context: m.Context,
					Position: u.base + m.Position,
				}); err != nil {
					return nil, err
				}
			}
		}
	}
	return ids, nil
}

// payload resolves the request to raw bytes and an absolute file path when
// the payload came from disk.
func (p *Processor) payload(req Request) ([]byte, string, error) {
	if req.Data != nil {
		return req.Data, "", nil
	}
	if req.Path == "" {
		return nil, "", fault.New(fault.Validation, "request has neither data nor path")
	}
	abs, err := filepath.Abs(req.Path)
	if err != nil {
		return nil, "", fault.Wrap(fault.Validation, "resolving path", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fault.Wrap(fault.NotFound, "content file not found", err)
		}
		return nil, "", fault.Wrap(fault.Fatal, "reading content file", err)
	}
	return data, abs, nil
}

func marshalMeta(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	b, _ := json.Marshal(meta)
	return string(b)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
