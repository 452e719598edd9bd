package store

// schemaSQL is the DDL for all ingestor tables. Every statement is idempotent
// so initialisation can run against an existing database file.
//
// content_fts is an external-content FTS5 table over the chunk_search view,
// which joins each chunk to its parent content row so chunk text and the
// parent title/description share one index. Removals go through the FTS5
// 'delete' sentinel, which needs the old column values; DeleteContent
// therefore removes chunks before the parent row so the delete trigger can
// still read the parent.
const schemaSQL = `
-- Ingested content, dedup-unique on (source, hash)
CREATE TABLE IF NOT EXISTS content (
    id INTEGER PRIMARY KEY,
    content_type TEXT NOT NULL,
    title TEXT,
    description TEXT,
    source TEXT NOT NULL DEFAULT '',
    file_path TEXT,
    hash TEXT NOT NULL,
    size INTEGER NOT NULL DEFAULT 0,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source, hash)
);

-- Contiguous 0..N-1 chunk sequence per content row
CREATE TABLE IF NOT EXISTS content_chunks (
    id INTEGER PRIMARY KEY,
    content_id INTEGER NOT NULL REFERENCES content(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    text TEXT NOT NULL,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(content_id, chunk_index)
);

-- Entities, dedup-unique on (normalized_name, entity_type)
CREATE TABLE IF NOT EXISTS entities (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    description TEXT,
    metadata JSON,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(normalized_name, entity_type)
);

-- Content <-> entity many-to-many with per-mention relevance and context
CREATE TABLE IF NOT EXISTS entity_mentions (
    id INTEGER PRIMARY KEY,
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    content_id INTEGER NOT NULL REFERENCES content(id) ON DELETE CASCADE,
    content_type TEXT,
    relevance REAL NOT NULL DEFAULT 0 CHECK(relevance >= 0 AND relevance <= 1),
    context TEXT,
    position INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Alternative surface forms for an entity
CREATE TABLE IF NOT EXISTS entity_aliases (
    id INTEGER PRIMARY KEY,
    entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    alias TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 1.0,
    UNIQUE(entity_id, alias)
);

-- Directed typed edges between entities; self-relations forbidden
CREATE TABLE IF NOT EXISTS entity_relationships (
    id INTEGER PRIMARY KEY,
    source_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    target_entity_id INTEGER NOT NULL REFERENCES entities(id) ON DELETE CASCADE,
    relationship_type TEXT NOT NULL,
    strength REAL NOT NULL DEFAULT 0.5 CHECK(strength >= 0 AND strength <= 1),
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(source_entity_id, target_entity_id, relationship_type),
    CHECK(source_entity_id != target_entity_id)
);

-- Search results keyed by hash of query+params; rows past expires_at are invisible
CREATE TABLE IF NOT EXISTS search_cache (
    search_hash TEXT PRIMARY KEY,
    query TEXT NOT NULL,
    params JSON,
    results TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    expires_at DATETIME NOT NULL
);

-- Durable job records with denormalised progress counters
CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    total_items INTEGER NOT NULL DEFAULT 0,
    completed_items INTEGER NOT NULL DEFAULT 0,
    failed_items INTEGER NOT NULL DEFAULT 0,
    processing_items INTEGER NOT NULL DEFAULT 0,
    pending_items INTEGER NOT NULL DEFAULT 0,
    skipped_items INTEGER NOT NULL DEFAULT 0,
    options JSON,
    created_by TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS job_items (
    id INTEGER PRIMARY KEY,
    job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    input_ref TEXT NOT NULL,
    result_ref TEXT,
    error_message TEXT,
    started_at DATETIME,
    finished_at DATETIME
);

-- Self-describing database file (schema_version, created_at, ingestor_version)
CREATE TABLE IF NOT EXISTS db_metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_content_hash ON content(hash);
CREATE INDEX IF NOT EXISTS idx_chunks_content ON content_chunks(content_id);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id);
CREATE INDEX IF NOT EXISTS idx_mentions_content ON entity_mentions(content_id);
CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
CREATE INDEX IF NOT EXISTS idx_entities_norm ON entities(normalized_name);
CREATE INDEX IF NOT EXISTS idx_rel_source ON entity_relationships(source_entity_id);
CREATE INDEX IF NOT EXISTS idx_rel_target ON entity_relationships(target_entity_id);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_job_items_job ON job_items(job_id);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires ON search_cache(expires_at);

-- Joined source for the external-content FTS index
CREATE VIEW IF NOT EXISTS chunk_search AS
    SELECT ch.id AS id, c.title AS title, c.description AS description, ch.text AS text
    FROM content_chunks ch
    JOIN content c ON c.id = ch.content_id;

CREATE VIRTUAL TABLE IF NOT EXISTS content_fts USING fts5(
    title, description, text,
    content='chunk_search',
    content_rowid='id',
    tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS chunks_ai AFTER INSERT ON content_chunks BEGIN
    INSERT INTO content_fts(rowid, title, description, text)
        SELECT new.id, c.title, c.description, new.text
        FROM content c WHERE c.id = new.content_id;
END;

CREATE TRIGGER IF NOT EXISTS chunks_ad AFTER DELETE ON content_chunks BEGIN
    INSERT INTO content_fts(content_fts, rowid, title, description, text)
        SELECT 'delete', old.id, c.title, c.description, old.text
        FROM content c WHERE c.id = old.content_id;
END;

CREATE TRIGGER IF NOT EXISTS chunks_au AFTER UPDATE OF text ON content_chunks BEGIN
    INSERT INTO content_fts(content_fts, rowid, title, description, text)
        SELECT 'delete', old.id, c.title, c.description, old.text
        FROM content c WHERE c.id = old.content_id;
    INSERT INTO content_fts(rowid, title, description, text)
        SELECT new.id, c.title, c.description, new.text
        FROM content c WHERE c.id = new.content_id;
END;

CREATE TRIGGER IF NOT EXISTS content_au AFTER UPDATE OF title, description ON content BEGIN
    INSERT INTO content_fts(content_fts, rowid, title, description, text)
        SELECT 'delete', ch.id, old.title, old.description, ch.text
        FROM content_chunks ch WHERE ch.content_id = old.id;
    INSERT INTO content_fts(rowid, title, description, text)
        SELECT ch.id, new.title, new.description, ch.text
        FROM content_chunks ch WHERE ch.content_id = new.id;
END;
`
