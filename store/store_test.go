//go:build cgo

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbiangul/ingestor/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := DefaultOptions()
	opts.CacheAutoPrune = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(filepath.Join(t.TempDir(), "test.db"), opts)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleContent(source, text string) Content {
	return Content{
		ContentType: "text/plain",
		Title:       "Sample " + source,
		Description: "a sample row",
		Source:      source,
		Hash:        fmt.Sprintf("%x", sha256.Sum256([]byte(text))),
		Size:        int64(len(text)),
		Metadata:    `{"lang":"en"}`,
	}
}

// insertWithChunks stores one content row plus its chunks in a single
// transaction, the way the processor does.
func insertWithChunks(t *testing.T, s *Store, source string, chunks ...string) int64 {
	t.Helper()
	ctx := context.Background()
	all := ""
	for _, c := range chunks {
		all += c
	}
	var id int64
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.InsertContent(ctx, sampleContent(source, all))
		if err != nil {
			return err
		}
		for i, text := range chunks {
			if _, err := tx.InsertChunk(ctx, Chunk{ContentID: id, Index: i, Text: text}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("inserting content with chunks: %v", err)
	}
	return id
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew(t *testing.T) {
	s := newTestStore(t)
	if s.DB() == nil {
		t.Fatal("expected non-nil *sql.DB")
	}
}

func TestNewCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	opts := DefaultOptions()
	opts.CacheAutoPrune = false
	s, err := New(path, opts)
	if err != nil {
		t.Fatalf("creating store in nested dir: %v", err)
	}
	s.Close()
}

func TestNewIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	opts := DefaultOptions()
	opts.CacheAutoPrune = false
	s1, err := New(path, opts)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s1.Close()
	s2, err := New(path, opts)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s2.Close()
}

func TestMetadataSeeded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ver, err := s.GetMetadata(ctx, "schema_version")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if ver != "1.0" {
		t.Errorf("schema_version = %q, want 1.0", ver)
	}
	created, err := s.GetMetadata(ctx, "created_at")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if created == "" {
		t.Error("created_at not recorded")
	}
	appVer, err := s.GetMetadata(ctx, "ingestor_version")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if appVer != "dev" {
		t.Errorf("ingestor_version = %q, want dev", appVer)
	}
}

// ---------------------------------------------------------------------------
// Content CRUD
// ---------------------------------------------------------------------------

func TestInsertAndGetContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertContent(ctx, sampleContent("file:///a.txt", "hello"))
	if err != nil {
		t.Fatalf("InsertContent: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	c, err := s.GetContent(ctx, id)
	if err != nil {
		t.Fatalf("GetContent: %v", err)
	}
	if c.ContentType != "text/plain" {
		t.Errorf("content_type = %q", c.ContentType)
	}
	if c.Source != "file:///a.txt" {
		t.Errorf("source = %q", c.Source)
	}
	if c.CreatedAt == "" || c.UpdatedAt == "" {
		t.Error("timestamps not populated")
	}
}

func TestDuplicateSourceHashConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := sampleContent("file:///dup.txt", "same bytes")
	if _, err := s.InsertContent(ctx, c); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	_, err := s.InsertContent(ctx, c)
	if err == nil {
		t.Fatal("expected conflict on duplicate (source, hash)")
	}
	if fault.KindOf(err) != fault.Conflict {
		t.Errorf("kind = %q, want conflict", fault.KindOf(err))
	}
}

func TestGetContentBySourceHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := sampleContent("file:///b.txt", "some text")
	id, err := s.InsertContent(ctx, c)
	if err != nil {
		t.Fatalf("InsertContent: %v", err)
	}

	got, err := s.GetContentBySourceHash(ctx, c.Source, c.Hash)
	if err != nil {
		t.Fatalf("GetContentBySourceHash: %v", err)
	}
	if got.ID != id {
		t.Errorf("id = %d, want %d", got.ID, id)
	}

	// Same hash under a different source is a different row.
	if _, err := s.GetContentBySourceHash(ctx, "file:///other.txt", c.Hash); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows for unknown source, got %v", err)
	}
}

func TestListContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c := sampleContent(fmt.Sprintf("file:///%d.txt", i), fmt.Sprintf("text %d", i))
		if i == 2 {
			c.ContentType = "text/markdown"
		}
		if _, err := s.InsertContent(ctx, c); err != nil {
			t.Fatalf("InsertContent: %v", err)
		}
	}

	all, err := s.ListContent(ctx, ContentFilter{})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d rows, want 3", len(all))
	}

	md, err := s.ListContent(ctx, ContentFilter{ContentType: "text/markdown"})
	if err != nil {
		t.Fatalf("ListContent filtered: %v", err)
	}
	if len(md) != 1 {
		t.Fatalf("got %d markdown rows, want 1", len(md))
	}
}

func TestDeleteContentCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertWithChunks(t, s, "file:///del.txt", "first chunk", "second chunk")

	eid, err := s.UpsertEntity(ctx, Entity{Name: "Acme", NormalizedName: "Acme", Type: "organization"})
	if err != nil {
		t.Fatalf("UpsertEntity: %v", err)
	}
	if _, err := s.LinkEntityToContent(ctx, Mention{EntityID: eid, ContentID: id, Relevance: 0.8}); err != nil {
		t.Fatalf("LinkEntityToContent: %v", err)
	}

	if err := s.DeleteContent(ctx, id); err != nil {
		t.Fatalf("DeleteContent: %v", err)
	}

	if _, err := s.GetContent(ctx, id); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("content still present: %v", err)
	}
	chunks, err := s.GetChunks(ctx, id)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("got %d orphan chunks", len(chunks))
	}
	mentions, err := s.GetMentions(ctx, id)
	if err != nil {
		t.Fatalf("GetMentions: %v", err)
	}
	if len(mentions) != 0 {
		t.Errorf("got %d orphan mentions", len(mentions))
	}
	// The entity itself survives the content deletion.
	if _, err := s.GetEntity(ctx, eid); err != nil {
		t.Errorf("entity deleted with content: %v", err)
	}
}

func TestDeleteMissingContent(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteContent(context.Background(), 9999); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("expected ErrNoRows, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Chunks
// ---------------------------------------------------------------------------

func TestChunksComeBackInOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertWithChunks(t, s, "file:///ordered.txt", "alpha", "bravo", "charlie")

	chunks, err := s.GetChunks(ctx, id)
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, want := range []string{"alpha", "bravo", "charlie"} {
		if chunks[i].Index != i {
			t.Errorf("chunk %d has index %d", i, chunks[i].Index)
		}
		if chunks[i].Text != want {
			t.Errorf("chunk %d text = %q, want %q", i, chunks[i].Text, want)
		}
	}

	n, err := s.CountChunks(ctx, id)
	if err != nil {
		t.Fatalf("CountChunks: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestDuplicateChunkIndexConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertWithChunks(t, s, "file:///c.txt", "only chunk")
	_, err := s.InsertChunk(ctx, Chunk{ContentID: id, Index: 0, Text: "imposter"})
	if fault.KindOf(err) != fault.Conflict {
		t.Errorf("kind = %q, want conflict", fault.KindOf(err))
	}
}

// ---------------------------------------------------------------------------
// Transactions / batch
// ---------------------------------------------------------------------------

func TestInTxRollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertContent(ctx, sampleContent("file:///rollback.txt", "doomed")); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	rows, err := s.ListContent(ctx, ContentFilter{Source: "file:///rollback.txt"})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rollback left %d rows behind", len(rows))
	}
}

func TestExecuteBatchAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	good := Stmt{
		SQL:  "INSERT INTO content (content_type, source, hash, size) VALUES (?, ?, ?, ?)",
		Args: []any{"text/plain", "file:///batch.txt", "h1", 1},
	}
	bad := Stmt{SQL: "INSERT INTO no_such_table (x) VALUES (1)"}

	if err := s.ExecuteBatch(ctx, []Stmt{good, bad}); err == nil {
		t.Fatal("expected batch to fail")
	}

	rows, err := s.ListContent(ctx, ContentFilter{Source: "file:///batch.txt"})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("failed batch left %d rows behind", len(rows))
	}

	if err := s.ExecuteBatch(ctx, []Stmt{good}); err != nil {
		t.Fatalf("clean batch: %v", err)
	}
	rows, err = s.ListContent(ctx, ContentFilter{Source: "file:///batch.txt"})
	if err != nil {
		t.Fatalf("ListContent: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("got %d rows, want 1", len(rows))
	}
}

// ---------------------------------------------------------------------------
// Full-text search
// ---------------------------------------------------------------------------

func TestSearchFTSFindsChunkText(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertWithChunks(t, s, "file:///fts1.txt", "the quick brown fox", "jumps over the lazy dog")
	insertWithChunks(t, s, "file:///fts2.txt", "nothing about animals here")

	hits, err := s.SearchFTS(ctx, "fox", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Text != "the quick brown fox" {
		t.Errorf("hit text = %q", hits[0].Text)
	}
	if hits[0].Score <= 0 {
		t.Errorf("score = %v, want > 0", hits[0].Score)
	}
}

func TestSearchFTSFindsTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var id int64
	err := s.InTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.InsertContent(ctx, Content{
			ContentType: "text/plain",
			Title:       "Quarterly Financials",
			Source:      "file:///fin.txt",
			Hash:        "finhash",
			Size:        10,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertChunk(ctx, Chunk{ContentID: id, Index: 0, Text: "numbers go up"})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchFTS(ctx, "financials", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits for title term, want 1", len(hits))
	}
	if hits[0].ContentID != id {
		t.Errorf("content id = %d, want %d", hits[0].ContentID, id)
	}
}

func TestSearchFTSContentTypeFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertWithChunks(t, s, "file:///plain.txt", "shared keyword zebra")
	err := s.InTx(ctx, func(tx *Tx) error {
		id, err := tx.InsertContent(ctx, Content{
			ContentType: "text/markdown",
			Source:      "file:///plain.md",
			Hash:        "mdhash",
			Size:        10,
		})
		if err != nil {
			return err
		}
		_, err = tx.InsertChunk(ctx, Chunk{ContentID: id, Index: 0, Text: "shared keyword zebra"})
		return err
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	hits, err := s.SearchFTS(ctx, "zebra", SearchOptions{ContentTypes: []string{"text/markdown"}})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].ContentType != "text/markdown" {
		t.Errorf("content type = %q", hits[0].ContentType)
	}
}

func TestSearchFTSAfterTitleUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertWithChunks(t, s, "file:///retitle.txt", "body text stays put")

	if err := s.UpdateContentMeta(ctx, id, "Renamed Widget Report", "", ""); err != nil {
		t.Fatalf("UpdateContentMeta: %v", err)
	}

	// Old title no longer matches.
	hits, err := s.SearchFTS(ctx, "sample", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("stale title still indexed: %d hits", len(hits))
	}

	// New title matches, and the body is still reachable.
	hits, err = s.SearchFTS(ctx, "widget", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("new title not indexed: %d hits", len(hits))
	}
	hits, err = s.SearchFTS(ctx, "body", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 1 {
		t.Errorf("chunk text lost after title update: %d hits", len(hits))
	}
}

func TestSearchFTSAfterDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertWithChunks(t, s, "file:///gone.txt", "ephemeral porcupine content")

	if err := s.DeleteContent(ctx, id); err != nil {
		t.Fatalf("DeleteContent: %v", err)
	}

	hits, err := s.SearchFTS(ctx, "porcupine", SearchOptions{})
	if err != nil {
		t.Fatalf("SearchFTS: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted content still searchable: %d hits", len(hits))
	}
}

// ---------------------------------------------------------------------------
// Search result cache
// ---------------------------------------------------------------------------

func TestSearchCacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetSearchCache(ctx, "h1"); err != nil || ok {
		t.Fatalf("expected cold miss, got ok=%v err=%v", ok, err)
	}

	if err := s.PutSearchCache(ctx, "h1", "fox", `{"limit":20}`, `[{"id":1}]`, 5*time.Minute); err != nil {
		t.Fatalf("PutSearchCache: %v", err)
	}
	results, ok, err := s.GetSearchCache(ctx, "h1")
	if err != nil {
		t.Fatalf("GetSearchCache: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if results != `[{"id":1}]` {
		t.Errorf("results = %q", results)
	}
}

func TestSearchCacheExpires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Already-expired entry reads as a miss.
	if err := s.PutSearchCache(ctx, "h2", "fox", "{}", "[]", -time.Second); err != nil {
		t.Fatalf("PutSearchCache: %v", err)
	}
	if _, ok, err := s.GetSearchCache(ctx, "h2"); err != nil || ok {
		t.Fatalf("expected expired miss, got ok=%v err=%v", ok, err)
	}

	n, err := s.PruneSearchCache(ctx)
	if err != nil {
		t.Fatalf("PruneSearchCache: %v", err)
	}
	// The expired row may already have been swept by the miss path.
	if n > 1 {
		t.Errorf("pruned %d rows, want at most 1", n)
	}
}

// ---------------------------------------------------------------------------
// Stats
// ---------------------------------------------------------------------------

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertWithChunks(t, s, "file:///stats.txt", "one", "two")

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Content != 1 {
		t.Errorf("content = %d, want 1", stats.Content)
	}
	if stats.Chunks != 2 {
		t.Errorf("chunks = %d, want 2", stats.Chunks)
	}
}
