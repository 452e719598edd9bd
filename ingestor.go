// Package ingestor turns heterogeneous content into a searchable SQLite
// knowledge base. Content is typed, chunked, run through entity extraction
// (model-backed with a rule fallback), and stored together with its entity
// graph. The Engine ties storage, extraction, batch processing, durable
// jobs, graph reads and search behind one handle; the subpackages stay
// usable on their own.
package ingestor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bbiangul/ingestor/batch"
	"github.com/bbiangul/ingestor/chunker"
	"github.com/bbiangul/ingestor/extract"
	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/graph"
	"github.com/bbiangul/ingestor/jobs"
	"github.com/bbiangul/ingestor/llm"
	"github.com/bbiangul/ingestor/parser"
	"github.com/bbiangul/ingestor/processor"
	"github.com/bbiangul/ingestor/search"
	"github.com/bbiangul/ingestor/store"
)

// Version is recorded in each database's metadata on open.
const Version = "0.3.0"

// wholeChunk is the chunk cap used when chunking is disabled; anything
// under 1 GiB stays in one piece.
const wholeChunk = 1 << 30

// Engine is the ingestion facade. One engine owns one database and is safe
// for concurrent use.
type Engine struct {
	cfg        Config
	log        *slog.Logger
	store      *store.Store
	client     *llm.Client
	parsers    *parser.Registry
	extractors *extract.Registry
	proc       *processor.Processor
	batches    *batch.Engine
	jobs       *jobs.Registry
	searcher   *search.Searcher

	ownStore bool
	closed   atomic.Bool

	jobMu   sync.Mutex
	jobRuns map[string]context.CancelFunc
}

// Option adjusts engine construction.
type Option func(*engineOptions)

type engineOptions struct {
	log      *slog.Logger
	provider llm.Provider
	store    *store.Store
}

// WithLogger sets the engine logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *engineOptions) { o.log = log }
}

// WithProvider injects an already-constructed model provider, bypassing the
// ai configuration section.
func WithProvider(p llm.Provider) Option {
	return func(o *engineOptions) { o.provider = p }
}

// WithStore runs the engine against an existing store. The engine will not
// close it.
func WithStore(st *store.Store) Option {
	return func(o *engineOptions) { o.store = st }
}

// New builds an engine from cfg: it opens (or adopts) the store, constructs
// the model client, wires the extraction and processing pipeline, and fails
// over any jobs interrupted by a previous process.
func New(cfg Config, opts ...Option) (*Engine, error) {
	var o engineOptions
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log
	if log == nil {
		log = slog.Default()
	}

	if cfg.Chunking.Strategy != "" {
		if _, err := chunker.ParseStrategy(cfg.Chunking.Strategy); err != nil {
			return nil, fmt.Errorf("%w: unknown chunking strategy %q", ErrInvalidConfig, cfg.Chunking.Strategy)
		}
	}
	if cfg.Extraction.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("%w: confidence threshold %v is above 1", ErrInvalidConfig, cfg.Extraction.ConfidenceThreshold)
	}

	st := o.store
	ownStore := false
	if st == nil {
		if err := cfg.EnsureStateDirs(); err != nil {
			return nil, err
		}
		var err error
		st, err = store.New(cfg.DBPath(""), store.Options{
			CacheSize:      cfg.Storage.Cache.MaxSize,
			CacheTTL:       time.Duration(cfg.Storage.Cache.TTLMs) * time.Millisecond,
			CacheAutoPrune: cfg.Storage.Cache.AutoPrune,
			Version:        Version,
			Logger:         log,
		})
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		ownStore = true
	}

	var client *llm.Client
	switch {
	case o.provider != nil:
		client = llm.NewClient(o.provider, log)
	case cfg.AI.Provider != "":
		c, err := llm.NewClientFromConfig(llm.Config{
			Provider: cfg.AI.Provider,
			Model:    cfg.AI.Model,
			BaseURL:  cfg.AI.Endpoint,
			APIKey:   cfg.AI.Credential,
		}, log)
		if err != nil {
			if ownStore {
				st.Close()
			}
			return nil, fmt.Errorf("creating model provider: %w", err)
		}
		client = c
	}
	// A nil client leaves the textual pipelines on rule sweeps alone.

	parsers := parser.NewRegistry()
	extractors := extract.NewDefaultRegistry(client, parsers, log)
	proc := processor.New(st, extractors, parsers, processor.Config{
		Chunking:   cfg.chunkerConfig(),
		Extraction: cfg.extractOptions(),
	}, log)
	engine := batch.New(proc, batch.NewBus(log), log)

	registry := jobs.NewRegistry(st, log)
	if err := registry.Resume(context.Background()); err != nil {
		log.Warn("resuming interrupted jobs", "error", err)
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		store:      st,
		client:     client,
		parsers:    parsers,
		extractors: extractors,
		proc:       proc,
		batches:    engine,
		jobs:       registry,
		searcher:   search.New(st, search.Config{}, log),
		ownStore:   ownStore,
		jobRuns:    make(map[string]context.CancelFunc),
	}

	ai := cfg.AI.Provider
	if client == nil {
		ai = "rules-only"
	}
	log.Info("engine ready", "db", st.Path(), "ai", ai, "version", Version)
	return e, nil
}

// Close cancels running jobs and releases the store. Further calls on the
// engine return ErrEngineClosed.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return ErrEngineClosed
	}
	e.jobMu.Lock()
	for _, cancel := range e.jobRuns {
		cancel()
	}
	e.jobMu.Unlock()
	if e.ownStore {
		return e.store.Close()
	}
	return nil
}

// Store exposes the underlying store for diagnostic access.
func (e *Engine) Store() *store.Store { return e.store }

func (e *Engine) guard() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	return nil
}

// ---------------------------------------------------------------------------
// Ingest surface
// ---------------------------------------------------------------------------

// ProcessContent runs one item through the full pipeline. Identical bytes
// from the same source resolve to the already-stored row.
func (e *Engine) ProcessContent(ctx context.Context, req processor.Request) (*processor.Result, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	res, err := e.proc.Process(ctx, req)
	if err == nil && !res.Deduplicated {
		e.invalidateSearch(ctx)
	}
	return res, err
}

// ProcessFile ingests a file with type, source, and title inferred.
func (e *Engine) ProcessFile(ctx context.Context, path string) (*processor.Result, error) {
	return e.ProcessContent(ctx, processor.Request{Path: path})
}

// Reprocess re-chunks and re-extracts stored content in place.
func (e *Engine) Reprocess(ctx context.Context, contentID int64, req processor.Request) (*processor.Result, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	res, err := e.proc.Reprocess(ctx, contentID, req)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, fmt.Errorf("%w: %d", ErrContentNotFound, contentID)
		}
		return nil, err
	}
	e.invalidateSearch(ctx)
	return res, nil
}

// ProcessBatch runs items through the batch engine. A nil opts uses the
// configured defaults from BatchOptions.
func (e *Engine) ProcessBatch(ctx context.Context, items []batch.Item, opts *batch.Options) (*batch.Result, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	bo := e.BatchOptions()
	if opts != nil {
		bo = *opts
	}
	res, err := e.batches.Process(ctx, items, bo)
	if res != nil && res.Successful > 0 {
		e.invalidateSearch(ctx)
	}
	return res, err
}

// BatchOptions returns the batch defaults derived from the engine
// configuration. Callers adjust fields and pass the result to ProcessBatch.
func (e *Engine) BatchOptions() batch.Options {
	return batch.Options{
		MaxConcurrency:     e.cfg.Batch.MaxConcurrency,
		DynamicConcurrency: e.cfg.Batch.DynamicConcurrency,
		ContinueOnError:    e.cfg.Batch.ContinueOnError,
		PrioritizeItems:    e.cfg.Batch.PrioritizeItems,
		WorkerMemoryLimit:  e.cfg.Batch.WorkerMemoryLimit,
		ItemTimeout:        time.Duration(e.cfg.Batch.TimeoutMs) * time.Millisecond,
		UseWorkers:         true,
	}
}

// CancelBatch stops a running batch: queued items never start, in-flight
// items report cancelled. Returns ErrBatchNotFound once the batch has
// finished or was never started.
func (e *Engine) CancelBatch(batchID string) error {
	if err := e.guard(); err != nil {
		return err
	}
	if !e.batches.Cancel(batchID) {
		return fmt.Errorf("%w: %s", ErrBatchNotFound, batchID)
	}
	return nil
}

// ExtractEntities runs ad-hoc extraction over content without storing
// anything. A nil opts uses the configured extraction defaults.
func (e *Engine) ExtractEntities(ctx context.Context, data []byte, contentType string, opts *extract.Options) (*extract.Result, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = processor.Detect("", data)
	}
	ex := e.extractors.Lookup(contentType)
	if ex == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}
	eo := e.cfg.extractOptions()
	if opts != nil {
		eo = *opts
	}
	return ex.Extract(ctx, extract.Input{Data: data, ContentType: contentType}, eo)
}

// Subscribe registers a listener for batch progress and resource events.
// The returned stop function unsubscribes and closes the channel. Slow
// listeners lose events rather than blocking the pipeline.
func (e *Engine) Subscribe(buffer int) (<-chan batch.Event, func()) {
	return e.batches.Bus().Subscribe(buffer)
}

// ---------------------------------------------------------------------------
// Storage surface
// ---------------------------------------------------------------------------

// GetContent returns one content row.
func (e *Engine) GetContent(ctx context.Context, id int64) (*store.Content, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	c, err := e.store.GetContent(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrContentNotFound, id)
	}
	return c, err
}

// GetChunks returns the stored chunks of a content row in document order.
func (e *Engine) GetChunks(ctx context.Context, contentID int64) ([]store.Chunk, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.store.GetChunks(ctx, contentID)
}

// ListContent pages through stored content, newest first.
func (e *Engine) ListContent(ctx context.Context, f store.ContentFilter) ([]store.Content, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.store.ListContent(ctx, f)
}

// DeleteContent removes a content row with its chunks and mentions.
func (e *Engine) DeleteContent(ctx context.Context, id int64) error {
	if err := e.guard(); err != nil {
		return err
	}
	if err := e.store.DeleteContent(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrContentNotFound, id)
		}
		return err
	}
	e.invalidateSearch(ctx)
	return nil
}

// SearchContent runs the fused full-text and entity search with snippets.
func (e *Engine) SearchContent(ctx context.Context, query string, opts search.Options) ([]search.Result, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.searcher.Search(ctx, query, opts)
}

// GetEntity returns one entity row.
func (e *Engine) GetEntity(ctx context.Context, id int64) (*store.Entity, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	ent, err := e.store.GetEntity(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
	}
	return ent, err
}

// ListEntities pages through entities filtered by type or name prefix.
func (e *Engine) ListEntities(ctx context.Context, f store.EntityFilter) ([]store.Entity, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.store.ListEntities(ctx, f)
}

// SearchEntities matches entities by name, normalized name, or alias.
func (e *Engine) SearchEntities(ctx context.Context, q string, f search.EntityFilter) ([]store.Entity, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.searcher.SearchEntities(ctx, q, f)
}

// GetRelatedEntities walks the relationship graph around an entity.
// relType narrows to one relationship type; maxDepth below one means one
// hop.
func (e *Engine) GetRelatedEntities(ctx context.Context, id int64, relType string, maxDepth int) ([]graph.RelatedEntity, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	out, err := graph.Related(ctx, e.store, id, relType, maxDepth)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, fmt.Errorf("%w: %d", ErrEntityNotFound, id)
		}
		return nil, err
	}
	return out, nil
}

// GetEntityContent returns the content rows an entity is mentioned in,
// most recent first.
func (e *Engine) GetEntityContent(ctx context.Context, entityID int64, limit, offset int) ([]store.Content, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if _, err := e.GetEntity(ctx, entityID); err != nil {
		return nil, err
	}
	return e.store.GetEntityContent(ctx, entityID, limit, offset)
}

// Stats reports row counts and entity cache effectiveness.
func (e *Engine) Stats(ctx context.Context) (*Stats, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	db, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		DB:      *db,
		Cache:   e.store.CacheStats(),
		DBPath:  e.store.Path(),
		Version: Version,
	}, nil
}

// Stats aggregates database row counts with cache numbers.
type Stats struct {
	DB      store.DBStats    `json:"db"`
	Cache   store.CacheStats `json:"cache"`
	DBPath  string           `json:"db_path"`
	Version string           `json:"version"`
}

// invalidateSearch drops cached search results after a write. Failures are
// logged, not surfaced; a stale cache entry expires on its own.
func (e *Engine) invalidateSearch(ctx context.Context) {
	if err := e.searcher.Invalidate(ctx); err != nil {
		e.log.Warn("invalidating search cache", "error", err)
	}
}

// ---------------------------------------------------------------------------
// Configuration mapping
// ---------------------------------------------------------------------------

// chunkerConfig maps the chunking section onto the chunker package.
// Disabled chunking stores each document whole, as a single chunk.
func (c *Config) chunkerConfig() chunker.Config {
	if !c.Chunking.Enabled {
		return chunker.Config{Strategy: chunker.StrategySize, MaxChunkSize: wholeChunk}
	}
	return chunker.Config{
		Strategy:     chunker.Strategy(c.Chunking.Strategy),
		MaxChunkSize: c.Chunking.MaxChunkSize,
		Overlap:      c.Chunking.ChunkOverlap,
	}
}

// extractOptions maps the extraction and ai sections onto the extractors.
func (c *Config) extractOptions() extract.Options {
	return extract.Options{
		EntityTypes:   c.Extraction.AllowedTypes,
		MinConfidence: c.Extraction.ConfidenceThreshold,
		MaxEntities:   c.Extraction.MaxEntities,
		Timeout:       time.Duration(c.AI.TimeoutMs) * time.Millisecond,
		MaxRetries:    c.AI.Retries,
	}
}
