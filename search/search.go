// Package search serves the read side of ingested content: full-text
// search over chunks fused with entity-name matches, snippet generation,
// and a persistent result cache keyed by query plus parameters.
package search

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/store"
)

// DefaultCacheTTL is how long a cached result set stays servable.
const DefaultCacheTTL = 5 * time.Minute

// defaultEntityWeight is the RRF weight of the entity-match leg relative
// to an FTS weight of 1.
const defaultEntityWeight = 0.5

// Config tunes a Searcher. The zero value means defaults.
type Config struct {
	CacheTTL     time.Duration
	EntityWeight float64
}

// Options narrow one search call.
type Options struct {
	ContentTypes []string `json:"contentTypes,omitempty"`
	Limit        int      `json:"limit,omitempty"`
	Offset       int      `json:"offset,omitempty"`
}

// Result is one search hit with its highlighted snippet and the retrieval
// methods that found it.
type Result struct {
	store.SearchResult
	Snippet string   `json:"snippet,omitempty"`
	Methods []string `json:"methods,omitempty"`
}

// Searcher answers content queries against a store.
type Searcher struct {
	st           *store.Store
	log          *slog.Logger
	cacheTTL     time.Duration
	entityWeight float64
}

// New returns a Searcher over st.
func New(st *store.Store, cfg Config, log *slog.Logger) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = DefaultCacheTTL
	}
	if cfg.EntityWeight <= 0 {
		cfg.EntityWeight = defaultEntityWeight
	}
	return &Searcher{st: st, log: log, cacheTTL: cfg.CacheTTL, entityWeight: cfg.EntityWeight}
}

// Search runs the query through FTS and entity matching, fuses the two
// result lists, and attaches highlighted snippets. Identical queries with
// identical options are served from the search cache until it expires.
func (s *Searcher) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fault.New(fault.Validation, "empty search query")
	}
	start := time.Now()

	hash, params := cacheKey(query, opts)
	if cached, ok, err := s.st.GetSearchCache(ctx, hash); err != nil {
		s.log.Warn("search cache read failed", "error", err)
	} else if ok {
		var out []Result
		if err := json.Unmarshal([]byte(cached), &out); err == nil {
			s.log.Debug("search served from cache", "query", query, "results", len(out))
			return out, nil
		}
		// Unreadable cache rows are replaced by the fresh result below.
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	// Both legs fetch the full window so fusion sees every candidate that
	// could land in the requested page.
	window := limit + opts.Offset

	ftsQuery := sanitizeQuery(query)
	var ftsResults []store.SearchResult
	if ftsQuery != "" {
		var err error
		ftsResults, err = s.st.SearchFTS(ctx, ftsQuery, store.SearchOptions{
			ContentTypes: opts.ContentTypes,
			Limit:        window,
		})
		if err != nil {
			return nil, err
		}
	}

	terms := queryTerms(query)
	entityResults, err := s.entityChunks(ctx, terms, opts.ContentTypes, window)
	if err != nil {
		return nil, err
	}

	fused := fuseRRF(ftsResults, entityResults, 1.0, s.entityWeight, window)
	if opts.Offset >= len(fused) {
		fused = nil
	} else {
		fused = fused[opts.Offset:]
	}

	for i := range fused {
		fused[i].Snippet = makeSnippet(fused[i].Text, terms)
	}

	if encoded, err := json.Marshal(fused); err == nil {
		if err := s.st.PutSearchCache(ctx, hash, query, params, string(encoded), s.cacheTTL); err != nil {
			s.log.Warn("search cache write failed", "error", err)
		}
	}

	s.log.Info("search complete",
		"query", query, "fts_hits", len(ftsResults), "entity_hits", len(entityResults),
		"results", len(fused), "elapsed", time.Since(start).Round(time.Millisecond))
	return fused, nil
}

// EntityFilter narrows SearchEntities.
type EntityFilter struct {
	Type   string
	Limit  int
	Offset int
}

// SearchEntities finds entities whose name or any alias contains q,
// case-insensitively, ordered by name.
func (s *Searcher) SearchEntities(ctx context.Context, q string, f EntityFilter) ([]store.Entity, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return nil, fault.New(fault.Validation, "empty entity query")
	}
	pattern := "%" + strings.ToLower(q) + "%"

	query := `
		SELECT DISTINCT e.id, e.name, e.normalized_name, e.entity_type,
		       e.description, e.metadata, e.created_at, e.updated_at
		FROM entities e
		LEFT JOIN entity_aliases a ON a.entity_id = e.id
		WHERE (e.normalized_name LIKE ? OR LOWER(e.name) LIKE ? OR LOWER(a.alias) LIKE ?)`
	args := []any{pattern, pattern, pattern}
	if f.Type != "" {
		query += " AND e.entity_type = ?"
		args = append(args, f.Type)
	}
	query += " ORDER BY e.name LIMIT ? OFFSET ?"
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, f.Offset)

	rows, err := s.st.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Entity
	for rows.Next() {
		var e store.Entity
		var desc, meta sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type,
			&desc, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Description = desc.String
		e.Metadata = meta.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Invalidate drops every cached search result. Called after writes that
// change what queries would return.
func (s *Searcher) Invalidate(ctx context.Context) error {
	return s.st.InvalidateSearchCache(ctx)
}

// entityChunks returns chunks of content mentioning entities whose name
// matches any query term, ranked by mention relevance.
func (s *Searcher) entityChunks(ctx context.Context, terms, contentTypes []string, limit int) ([]store.SearchResult, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	conds := make([]string, 0, len(terms))
	var args []any
	for _, t := range terms {
		conds = append(conds, "e.normalized_name LIKE ?")
		args = append(args, "%"+t+"%")
	}

	query := `
		SELECT ch.id, ch.content_id, ch.chunk_index, ch.text,
		       c.title, c.content_type, c.source, MAX(m.relevance) AS relevance
		FROM entities e
		JOIN entity_mentions m ON m.entity_id = e.id
		JOIN content c ON c.id = m.content_id
		JOIN content_chunks ch ON ch.content_id = c.id
		WHERE (` + strings.Join(conds, " OR ") + `)`
	if n := len(contentTypes); n > 0 {
		query += " AND c.content_type IN (?" + strings.Repeat(", ?", n-1) + ")"
		for _, ct := range contentTypes {
			args = append(args, ct)
		}
	}
	query += `
		GROUP BY ch.id
		ORDER BY relevance DESC, ch.content_id, ch.chunk_index
		LIMIT ?`
	args = append(args, limit)

	rows, err := s.st.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.SearchResult
	for rows.Next() {
		var r store.SearchResult
		var title, source sql.NullString
		if err := rows.Scan(&r.ChunkID, &r.ContentID, &r.ChunkIndex, &r.Text,
			&title, &r.ContentType, &source, &r.Score); err != nil {
			return nil, err
		}
		r.Title = title.String
		r.Source = source.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// cacheKey hashes the query together with every option that changes the
// result, so different pages and filters cache independently.
func cacheKey(query string, opts Options) (hash, params string) {
	encoded, _ := json.Marshal(opts)
	params = string(encoded)
	sum := sha256.Sum256([]byte(query + "\x00" + params))
	return hex.EncodeToString(sum[:]), params
}
