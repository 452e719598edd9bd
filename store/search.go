package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SearchOptions narrows SearchFTS.
type SearchOptions struct {
	// ContentTypes restricts hits to content with one of these MIME types.
	ContentTypes []string
	// Limit defaults to 20.
	Limit  int
	Offset int
}

// SearchFTS runs a full-text query over the chunk index and returns hits
// best first. The query must already be sanitised into FTS5 syntax; Score is
// the negated bm25 rank so that higher means better.
func (s *Store) SearchFTS(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	q := `
		SELECT f.rowid, f.rank, ch.content_id, ch.chunk_index, ch.text,
		       c.title, c.content_type, c.source
		FROM content_fts f
		JOIN content_chunks ch ON ch.id = f.rowid
		JOIN content c ON c.id = ch.content_id
		WHERE content_fts MATCH ?`
	args := []any{query}
	if n := len(opts.ContentTypes); n > 0 {
		q += fmt.Sprintf(" AND c.content_type IN (?%s)", repeatPlaceholders(n-1))
		for _, ct := range opts.ContentTypes {
			args = append(args, ct)
		}
	}
	q += " ORDER BY f.rank LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(opts.Limit, 20), opts.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var rank float64
		var title, source sql.NullString
		if err := rows.Scan(&r.ChunkID, &rank, &r.ContentID, &r.ChunkIndex, &r.Text,
			&title, &r.ContentType, &source); err != nil {
			return nil, err
		}
		r.Title = title.String
		r.Source = source.String
		r.Score = -rank
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Search result cache ---

// sqliteTime is the text format of SQLite's datetime('now').
const sqliteTime = "2006-01-02 15:04:05"

// GetSearchCache returns the cached result JSON for a query hash, or ok=false
// when absent or expired. Expired rows found on the way are pruned.
func (s *Store) GetSearchCache(ctx context.Context, hash string) (string, bool, error) {
	var results string
	err := s.db.QueryRowContext(ctx, `
		SELECT results FROM search_cache
		WHERE search_hash = ? AND expires_at > datetime('now')
	`, hash).Scan(&results)
	if err == sql.ErrNoRows {
		// Opportunistic cleanup keeps the table from accumulating corpses.
		s.PruneSearchCache(ctx)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return results, true, nil
}

// PutSearchCache stores a search result under its query hash for ttl.
func (s *Store) PutSearchCache(ctx context.Context, hash, query, params, results string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl).Format(sqliteTime)
	return s.InTx(ctx, func(t *Tx) error {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO search_cache (search_hash, query, params, results, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(search_hash) DO UPDATE SET
			    query = excluded.query,
			    params = excluded.params,
			    results = excluded.results,
			    created_at = CURRENT_TIMESTAMP,
			    expires_at = excluded.expires_at
		`, hash, query, jsonOrEmpty(params), results, expires)
		return err
	})
}

// PruneSearchCache deletes expired cache rows and reports how many went.
func (s *Store) PruneSearchCache(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM search_cache WHERE expires_at <= datetime('now')")
	if err != nil {
		return 0, classify(err)
	}
	return res.RowsAffected()
}

// InvalidateSearchCache drops the whole cache. Called after writes that
// change what searches would return.
func (s *Store) InvalidateSearchCache(ctx context.Context) error {
	return s.Exec(ctx, "DELETE FROM search_cache")
}
