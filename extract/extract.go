// Package extract turns content into typed entities. A Registry routes each
// content type to an extractor; every extractor runs the same post-processing
// pipeline (normalize, validate, merge, filter) so callers see uniform
// results whether the entities came from a model or from a rule sweep.
package extract

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/llm"
	"github.com/bbiangul/ingestor/parser"
)

const (
	defaultMinConfidence = 0.5
	defaultMaxEntities   = 50
)

// Input is one piece of content to extract from. Data takes precedence;
// Path is read lazily when Data is empty.
type Input struct {
	Data        []byte
	Path        string
	ContentType string
}

// resolve returns the content bytes, reading Path when Data is empty.
func (in Input) resolve() ([]byte, error) {
	data := in.Data
	if len(data) == 0 && in.Path != "" {
		b, err := os.ReadFile(in.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fault.Wrap(fault.NotFound, "reading content file", err)
			}
			return nil, fault.Wrap(fault.Fatal, "reading content file", err)
		}
		data = b
	}
	if len(data) == 0 {
		return nil, fault.New(fault.Validation, "empty content")
	}
	return data, nil
}

// Options tunes one extraction. The zero value means defaults.
type Options struct {
	// EntityTypes restricts the result to the named types and switches the
	// text template to its custom-types variant.
	EntityTypes []string
	// MinConfidence drops entities whose confidence falls below it.
	// Zero means the default of 0.5; use -1 to keep everything.
	MinConfidence float64
	// MaxEntities caps the result size, keeping the most confident.
	// Zero means the default of 50; use -1 to remove the cap.
	MaxEntities int
	// Language hints the input language to the model.
	Language string
	// Context is caller-supplied background included in the prompt.
	Context string
	// Timeout caps each model attempt.
	Timeout time.Duration
	// MaxRetries is the model retry count after the first attempt.
	// Zero means the client default of 3; use -1 to disable retries.
	MaxRetries int
}

func (o Options) llmOptions() llm.Options {
	return llm.Options{
		Timeout:     o.Timeout,
		MaxRetries:  o.MaxRetries,
		EntityTypes: o.EntityTypes,
		Language:    o.Language,
		Context:     o.Context,
	}
}

func (o Options) minConfidence() float64 {
	switch {
	case o.MinConfidence < 0:
		return 0
	case o.MinConfidence == 0:
		return defaultMinConfidence
	default:
		return o.MinConfidence
	}
}

// maxEntities returns the result cap; zero means uncapped.
func (o Options) maxEntities() int {
	switch {
	case o.MaxEntities < 0:
		return 0
	case o.MaxEntities == 0:
		return defaultMaxEntities
	default:
		return o.MaxEntities
	}
}

// Mention is one validated occurrence of an entity in the input.
type Mention struct {
	Context   string  `json:"context,omitempty"`
	Position  int     `json:"position"`
	Relevance float64 `json:"relevance"`
}

// Entity is one extracted entity after normalization. Name carries the
// normalized display form; Confidence is the strongest mention's relevance.
type Entity struct {
	Name        string    `json:"name"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
	Mentions    []Mention `json:"mentions,omitempty"`
}

// Key returns the merge and storage identity: the entity type plus the
// case-folded name.
func (e Entity) Key() string {
	return e.Type + "\x00" + strings.ToLower(e.Name)
}

// Stats describes one extractor invocation.
type Stats struct {
	ProcessingMs int64 `json:"processing_time_ms"`
	EntityCount  int   `json:"entity_count"`
	// Fallback is set when the entities came from a rule sweep instead of
	// the model.
	Fallback bool `json:"fallback,omitempty"`
}

// Result is the outcome of one extraction. Entities are sorted by descending
// confidence. Metadata carries extractor-specific facts such as image
// dimensions or document page counts. Text is set by extractors that derive
// a textual rendition from a binary container (documents, video summaries)
// so callers can index it without parsing the payload a second time.
type Result struct {
	Entities []Entity          `json:"entities"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Text     string            `json:"-"`
	Stats    Stats             `json:"stats"`
}

// Extractor turns one piece of content into entities. Patterns lists the
// content-type patterns the extractor registers under by default.
type Extractor interface {
	Extract(ctx context.Context, in Input, opts Options) (*Result, error)
	Patterns() []string
}

// --- registry ---

// Registry routes content types to extractors. Lookup precedence: exact
// match, then the category wildcard ("text/*"), then the "*/*" fallback.
type Registry struct {
	extractors map[string]Extractor
	log        *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{extractors: make(map[string]Extractor), log: log}
}

// Register maps a content-type pattern to an extractor, replacing any
// previous registration. Registration happens once at startup; the map is
// not guarded for concurrent mutation.
func (r *Registry) Register(pattern string, e Extractor) {
	r.extractors[normalizeContentType(pattern)] = e
}

// Lookup returns the extractor for a content type, or nil when nothing
// matches and no fallback is registered.
func (r *Registry) Lookup(contentType string) Extractor {
	ct := normalizeContentType(contentType)
	if e, ok := r.extractors[ct]; ok {
		return e
	}
	if i := strings.Index(ct, "/"); i > 0 {
		if e, ok := r.extractors[ct[:i]+"/*"]; ok {
			return e
		}
	}
	return r.extractors["*/*"]
}

// Extract routes the input to its extractor and runs it.
func (r *Registry) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	e := r.Lookup(in.ContentType)
	if e == nil {
		return nil, fault.Errorf(fault.Validation, "no extractor for content type: %s", in.ContentType)
	}
	return e.Extract(ctx, in, opts)
}

// ContentTypes returns the registered patterns, sorted.
func (r *Registry) ContentTypes() []string {
	out := make([]string, 0, len(r.extractors))
	for ct := range r.extractors {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

// normalizeContentType folds case and strips parameters such as
// "; charset=utf-8".
func normalizeContentType(ct string) string {
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// NewDefaultRegistry wires the standard extractor set. client may be nil, in
// which case the textual pipelines run on rule sweeps alone and image
// extraction returns empty results.
func NewDefaultRegistry(client *llm.Client, parsers *parser.Registry, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	r := NewRegistry(log)
	for _, e := range []Extractor{
		NewTextExtractor(client, log),
		NewCodeExtractor(client, log),
		NewDocumentExtractor(client, parsers, log),
		NewImageExtractor(client, log),
		NewVideoExtractor(parsers, log),
		NewGenericExtractor(client, log),
	} {
		for _, pattern := range e.Patterns() {
			r.Register(pattern, e)
		}
	}
	return r
}

// --- shared pipeline ---

// ruleFunc is a regex sweep producing entities in the model's output shape
// so the shared pipeline treats both sources uniformly.
type ruleFunc func(text string) []llm.ExtractedEntity

// runText is the model-then-rules pipeline shared by the textual extractors.
// template overrides the content-type template selection when non-empty.
// When the model call fails, or succeeds with nothing, the rule sweep's
// entities take over; model errors only surface when no sweep exists.
func runText(ctx context.Context, client *llm.Client, log *slog.Logger, text, contentType, template string, rules ruleFunc, opts Options) (*Result, error) {
	start := time.Now()

	raw, err := modelEntities(ctx, client, text, contentType, template, opts)
	if err != nil && ctx.Err() != nil {
		return nil, fault.Wrap(fault.Transient, "extraction interrupted", ctx.Err())
	}

	fallback := false
	if (err != nil || len(raw) == 0) && rules != nil {
		hits := rules(text)
		if err != nil {
			logModelFailure(log, contentType, err)
			err = nil
			fallback = true
			raw = hits
		} else if len(hits) > 0 {
			fallback = true
			raw = append(raw, hits...)
		}
	}
	if err != nil {
		return nil, err
	}
	return finish(log, raw, text, opts, start, fallback), nil
}

// modelEntities runs one extraction call against the model. A nil client
// reports missing credentials so rule fallbacks engage.
func modelEntities(ctx context.Context, client *llm.Client, text, contentType, template string, opts Options) ([]llm.ExtractedEntity, error) {
	if client == nil {
		return nil, fault.Wrap(fault.Upstream, "no model client configured", llm.ErrMissingCredentials)
	}
	if template == "" {
		return client.ExtractEntities(ctx, text, contentType, opts.llmOptions())
	}
	a, err := client.Analyze(ctx, text, template, opts.llmOptions())
	if err != nil {
		return nil, err
	}
	return llm.ParseEntities(a.Data)
}

// logModelFailure keeps the no-credentials case quiet. Running without a
// configured model is a supported mode, not a per-item incident.
func logModelFailure(log *slog.Logger, contentType string, err error) {
	if errors.Is(err, llm.ErrMissingCredentials) {
		log.Debug("model unavailable, using rule extraction", "content_type", contentType)
		return
	}
	log.Warn("model extraction failed, using rule fallback", "content_type", contentType, "error", err)
}

// finish runs the shared post-processing over raw model or rule output:
// normalize, validate mentions against the source, merge duplicates, filter,
// and attach stats.
func finish(log *slog.Logger, raw []llm.ExtractedEntity, source string, opts Options, start time.Time, fallback bool) *Result {
	entities := normalizeEntities(log, raw, source)
	entities = mergeEntities(entities)
	entities = filterEntities(entities, opts)
	return &Result{
		Entities: entities,
		Stats: Stats{
			ProcessingMs: time.Since(start).Milliseconds(),
			EntityCount:  len(entities),
			Fallback:     fallback,
		},
	}
}
