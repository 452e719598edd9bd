// Package store implements the embedded storage engine: a single SQLite file
// holding content, chunks, the entity graph, the FTS index, the search cache,
// and durable job records.
//
// Concurrency: reads run concurrently on the connection pool; write
// transactions serialise on an in-process mutex so each transaction stays
// short and SQLITE_BUSY never surfaces between workers of the same process.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bbiangul/ingestor/fault"
)

// Content represents a row in the content table.
type Content struct {
	ID          int64  `json:"id"`
	ContentType string `json:"content_type"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
	FilePath    string `json:"file_path,omitempty"`
	Hash        string `json:"hash"`
	Size        int64  `json:"size"`
	Metadata    string `json:"metadata,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

// Chunk represents a row in the content_chunks table.
type Chunk struct {
	ID        int64  `json:"id"`
	ContentID int64  `json:"content_id"`
	Index     int    `json:"chunk_index"`
	Text      string `json:"text"`
	Metadata  string `json:"metadata,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Entity represents a row in the entities table. NormalizedName is produced
// by the type-aware normaliser before the entity reaches the store.
type Entity struct {
	ID             int64  `json:"id"`
	Name           string `json:"name"`
	NormalizedName string `json:"normalized_name"`
	Type           string `json:"entity_type"`
	Description    string `json:"description,omitempty"`
	Metadata       string `json:"metadata,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// Mention links an entity to a content row with per-occurrence relevance.
type Mention struct {
	ID          int64   `json:"id"`
	EntityID    int64   `json:"entity_id"`
	ContentID   int64   `json:"content_id"`
	ContentType string  `json:"content_type,omitempty"`
	Relevance   float64 `json:"relevance"`
	Context     string  `json:"context,omitempty"`
	Position    int     `json:"position"`
	CreatedAt   string  `json:"created_at"`
}

// Alias is an alternative surface form for an entity.
type Alias struct {
	ID         int64   `json:"id"`
	EntityID   int64   `json:"entity_id"`
	Alias      string  `json:"alias"`
	Confidence float64 `json:"confidence"`
}

// Relationship is a directed typed edge between two entities.
type Relationship struct {
	ID       int64   `json:"id"`
	SourceID int64   `json:"source_entity_id"`
	TargetID int64   `json:"target_entity_id"`
	Type     string  `json:"relationship_type"`
	Strength float64 `json:"strength"`
}

// SearchResult holds an FTS hit: the chunk, its parent content, and the score.
type SearchResult struct {
	ChunkID     int64   `json:"chunk_id"`
	ContentID   int64   `json:"content_id"`
	ChunkIndex  int     `json:"chunk_index"`
	Text        string  `json:"text"`
	Title       string  `json:"title,omitempty"`
	ContentType string  `json:"content_type"`
	Source      string  `json:"source,omitempty"`
	Score       float64 `json:"score"`
}

// Stmt is one statement of an ExecuteBatch call.
type Stmt struct {
	SQL  string
	Args []any
}

// Options configures a Store.
type Options struct {
	// CacheSize caps each entity cache. Zero means the default of 1000.
	CacheSize int
	// CacheTTL is the entity cache entry lifetime. Zero means 30 minutes.
	CacheTTL time.Duration
	// CacheAutoPrune enables the background sweep of expired cache entries.
	CacheAutoPrune bool
	// Version is recorded in db_metadata as ingestor_version.
	Version string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the documented store defaults.
func DefaultOptions() Options {
	return Options{
		CacheSize:      1000,
		CacheTTL:       30 * time.Minute,
		CacheAutoPrune: true,
		Version:        "dev",
	}
}

// Store wraps the SQLite database for all ingestor persistence.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	cache   *entityCache
	log     *slog.Logger
	path    string
}

// New opens (or creates) a SQLite database at the given path, creating the
// parent directory when missing, and initialises the schema.
func New(path string, opts Options) (*Store, error) {
	if opts.CacheSize == 0 {
		opts.CacheSize = 1000
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = 30 * time.Minute
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.Fatal, "creating schema", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{
		db:    db,
		cache: newEntityCache(opts.CacheSize, opts.CacheTTL, opts.CacheAutoPrune),
		log:   log,
		path:  path,
	}

	if err := s.Migrate(context.Background(), opts.Version); err != nil {
		s.cache.stop()
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close stops the cache sweeper and closes the database.
func (s *Store) Close() error {
	s.cache.stop()
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// --- Generic statement surface ---

// Exec runs a single write statement under the writer lock.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx, query, args...)
	return classify(err)
}

// Query runs a read statement. The caller owns the returned rows.
func (s *Store) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// QueryOne runs a read statement expected to yield at most one row.
func (s *Store) QueryOne(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// Tx is a write transaction. All writes of one ingest (content, chunks,
// entities, mentions) go through a single Tx so the batch boundary is the
// unit of atomicity.
type Tx struct {
	tx      *sql.Tx
	s       *Store
	pending []func(c *entityCache)
}

// InTx runs fn inside BEGIN/COMMIT, rolling back on any error. Deferred
// entity-cache fills apply only after a successful commit so a rollback never
// leaves the cache pointing at rows that were not written.
func (s *Store) InTx(ctx context.Context, fn func(*Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	t := &Tx{tx: tx, s: s}
	if err := fn(t); err != nil {
		tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	for _, apply := range t.pending {
		apply(s.cache)
	}
	return nil
}

// ExecuteBatch runs all statements in one transaction: BEGIN, exec each,
// COMMIT, with ROLLBACK on the first error.
func (s *Store) ExecuteBatch(ctx context.Context, stmts []Stmt) error {
	return s.InTx(ctx, func(t *Tx) error {
		for _, st := range stmts {
			if _, err := t.tx.ExecContext(ctx, st.SQL, st.Args...); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Content operations ---

// InsertContent inserts a content row and returns its id. A (source, hash)
// collision reports fault.Conflict; callers resolve it via
// GetContentBySourceHash.
func (s *Store) InsertContent(ctx context.Context, c Content) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(t *Tx) error {
		var err error
		id, err = t.InsertContent(ctx, c)
		return err
	})
	return id, err
}

// InsertContent inserts a content row within the transaction.
func (t *Tx) InsertContent(ctx context.Context, c Content) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO content (content_type, title, description, source, file_path, hash, size, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ContentType, nullable(c.Title), nullable(c.Description), c.Source,
		nullable(c.FilePath), c.Hash, c.Size, jsonOrEmpty(c.Metadata))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetContent retrieves a content row by id.
func (s *Store) GetContent(ctx context.Context, id int64) (*Content, error) {
	return scanContent(s.db.QueryRowContext(ctx, `
		SELECT id, content_type, title, description, source, file_path, hash, size, metadata, created_at, updated_at
		FROM content WHERE id = ?
	`, id))
}

// GetContentBySourceHash retrieves a content row by its dedup key.
func (s *Store) GetContentBySourceHash(ctx context.Context, source, hash string) (*Content, error) {
	return scanContent(s.db.QueryRowContext(ctx, `
		SELECT id, content_type, title, description, source, file_path, hash, size, metadata, created_at, updated_at
		FROM content WHERE source = ? AND hash = ?
	`, source, hash))
}

// ContentFilter narrows ListContent.
type ContentFilter struct {
	ContentType string
	Source      string
	Limit       int
	Offset      int
}

// ListContent returns content rows newest first.
func (s *Store) ListContent(ctx context.Context, f ContentFilter) ([]Content, error) {
	query := `
		SELECT id, content_type, title, description, source, file_path, hash, size, metadata, created_at, updated_at
		FROM content`
	var conds []string
	var args []any
	if f.ContentType != "" {
		conds = append(conds, "content_type = ?")
		args = append(args, f.ContentType)
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit, 50), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Content
	for rows.Next() {
		c, err := scanContentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpdateContentMeta updates the mutable content fields (title, description,
// metadata). The FTS trigger rewrites the content's index rows.
func (s *Store) UpdateContentMeta(ctx context.Context, id int64, title, description, metadata string) error {
	return s.InTx(ctx, func(t *Tx) error {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE content SET title = ?, description = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?
		`, nullable(title), nullable(description), jsonOrEmpty(metadata), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// DeleteContent removes a content row and everything it owns. Chunks are
// deleted explicitly before the parent so the FTS delete trigger can still
// read the parent's title and description.
func (s *Store) DeleteContent(ctx context.Context, id int64) error {
	return s.InTx(ctx, func(t *Tx) error {
		if _, err := t.tx.ExecContext(ctx,
			"DELETE FROM entity_mentions WHERE content_id = ?", id); err != nil {
			return err
		}
		if _, err := t.tx.ExecContext(ctx,
			"DELETE FROM content_chunks WHERE content_id = ?", id); err != nil {
			return err
		}
		res, err := t.tx.ExecContext(ctx, "DELETE FROM content WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
}

// --- Chunk operations ---

// InsertChunk inserts one chunk row within the transaction. The FTS insert
// trigger indexes it in the same transaction.
func (t *Tx) InsertChunk(ctx context.Context, ch Chunk) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO content_chunks (content_id, chunk_index, text, metadata)
		VALUES (?, ?, ?, ?)
	`, ch.ContentID, ch.Index, ch.Text, jsonOrEmpty(ch.Metadata))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// InsertChunk inserts a single chunk in its own transaction.
func (s *Store) InsertChunk(ctx context.Context, ch Chunk) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(t *Tx) error {
		var err error
		id, err = t.InsertChunk(ctx, ch)
		return err
	})
	return id, err
}

// GetChunks returns a content's chunks in index order.
func (s *Store) GetChunks(ctx context.Context, contentID int64) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content_id, chunk_index, text, metadata, created_at
		FROM content_chunks WHERE content_id = ? ORDER BY chunk_index
	`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata sql.NullString
		if err := rows.Scan(&c.ID, &c.ContentID, &c.Index, &c.Text, &metadata, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Metadata = metadata.String
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks stored for a content row.
func (s *Store) CountChunks(ctx context.Context, contentID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM content_chunks WHERE content_id = ?", contentID).Scan(&n)
	return n, err
}

// DeleteChunks removes all chunks for a content row (reprocessing path).
func (t *Tx) DeleteChunks(ctx context.Context, contentID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM content_chunks WHERE content_id = ?", contentID)
	return err
}

// DeleteMentions removes all entity mentions for a content row.
func (t *Tx) DeleteMentions(ctx context.Context, contentID int64) error {
	_, err := t.tx.ExecContext(ctx, "DELETE FROM entity_mentions WHERE content_id = ?", contentID)
	return err
}

// --- Stats ---

// DBStats holds counts of key database objects.
type DBStats struct {
	Content       int `json:"content"`
	Chunks        int `json:"chunks"`
	Entities      int `json:"entities"`
	Mentions      int `json:"mentions"`
	Relationships int `json:"relationships"`
	Jobs          int `json:"jobs"`
}

// Stats returns row counts for the main tables.
func (s *Store) Stats(ctx context.Context) (*DBStats, error) {
	stats := &DBStats{}
	queries := []struct {
		query string
		dest  *int
	}{
		{"SELECT COUNT(*) FROM content", &stats.Content},
		{"SELECT COUNT(*) FROM content_chunks", &stats.Chunks},
		{"SELECT COUNT(*) FROM entities", &stats.Entities},
		{"SELECT COUNT(*) FROM entity_mentions", &stats.Mentions},
		{"SELECT COUNT(*) FROM entity_relationships", &stats.Relationships},
		{"SELECT COUNT(*) FROM jobs", &stats.Jobs},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// --- helpers ---

func scanContent(row *sql.Row) (*Content, error) {
	c := &Content{}
	var title, desc, fpath, metadata sql.NullString
	err := row.Scan(&c.ID, &c.ContentType, &title, &desc, &c.Source, &fpath,
		&c.Hash, &c.Size, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	c.Description = desc.String
	c.FilePath = fpath.String
	c.Metadata = metadata.String
	return c, nil
}

func scanContentRows(rows *sql.Rows) (*Content, error) {
	c := &Content{}
	var title, desc, fpath, metadata sql.NullString
	err := rows.Scan(&c.ID, &c.ContentType, &title, &desc, &c.Source, &fpath,
		&c.Hash, &c.Size, &metadata, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	c.Description = desc.String
	c.FilePath = fpath.String
	c.Metadata = metadata.String
	return c, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonOrEmpty(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func limitOrDefault(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}

func repeatPlaceholders(n int) string {
	s := ""
	for i := 0; i < n; i++ {
		s += ", ?"
	}
	return s
}

