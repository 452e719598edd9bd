package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/bbiangul/ingestor/fault"
)

// --- Entities ---

// UpsertEntity inserts an entity or, on a (normalized_name, entity_type)
// collision, merges into the existing row. A longer incoming description
// replaces a shorter stored one; the reverse never happens. Returns the
// surviving row id.
func (s *Store) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	if id, ok := s.cache.getID(e.NormalizedName, e.Type); ok {
		return id, nil
	}
	var id int64
	err := s.InTx(ctx, func(t *Tx) error {
		var err error
		id, err = t.UpsertEntity(ctx, e)
		return err
	})
	return id, err
}

// UpsertEntity is the transactional form of Store.UpsertEntity. The cache
// fill is deferred until the surrounding transaction commits.
func (t *Tx) UpsertEntity(ctx context.Context, e Entity) (int64, error) {
	if id, ok := t.s.cache.getID(e.NormalizedName, e.Type); ok {
		return id, nil
	}
	if e.NormalizedName == "" || e.Type == "" {
		return 0, fault.New(fault.Validation, "entity requires a normalized name and type")
	}

	// RETURNING reports the surviving row id on both the insert and the
	// update path.
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO entities (name, normalized_name, entity_type, description, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(normalized_name, entity_type) DO UPDATE SET
		    description = CASE
		        WHEN excluded.description IS NOT NULL
		         AND length(excluded.description) > length(COALESCE(entities.description, ''))
		        THEN excluded.description
		        ELSE entities.description
		    END,
		    metadata = CASE
		        WHEN excluded.metadata != '{}' THEN excluded.metadata
		        ELSE entities.metadata
		    END,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`, e.Name, e.NormalizedName, e.Type, nullable(e.Description), jsonOrEmpty(e.Metadata)).Scan(&id)
	if err != nil {
		return 0, err
	}

	name, typ := e.NormalizedName, e.Type
	t.pending = append(t.pending, func(c *entityCache) {
		c.byID.Remove(id)
		c.putKey(name, typ, id)
	})
	return id, nil
}

// GetEntity retrieves an entity by id, consulting the cache first.
func (s *Store) GetEntity(ctx context.Context, id int64) (*Entity, error) {
	if e, ok := s.cache.getByID(id); ok {
		return &e, nil
	}
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, entity_type, description, metadata, created_at, updated_at
		FROM entities WHERE id = ?
	`, id))
	if err != nil {
		return nil, err
	}
	s.cache.put(*e)
	return e, nil
}

// GetEntityByNameAndType retrieves an entity by its unique key. The name
// argument is the normalized form.
func (s *Store) GetEntityByNameAndType(ctx context.Context, normalizedName, entityType string) (*Entity, error) {
	if id, ok := s.cache.getID(normalizedName, entityType); ok {
		return s.GetEntity(ctx, id)
	}
	e, err := s.scanEntity(s.db.QueryRowContext(ctx, `
		SELECT id, name, normalized_name, entity_type, description, metadata, created_at, updated_at
		FROM entities WHERE normalized_name = ? AND entity_type = ?
	`, normalizedName, entityType))
	if err != nil {
		return nil, err
	}
	s.cache.put(*e)
	return e, nil
}

// EntityFilter narrows ListEntities.
type EntityFilter struct {
	Type     string
	NameLike string
	Limit    int
	Offset   int
}

// ListEntities returns entities ordered by name.
func (s *Store) ListEntities(ctx context.Context, f EntityFilter) ([]Entity, error) {
	query := `
		SELECT id, name, normalized_name, entity_type, description, metadata, created_at, updated_at
		FROM entities`
	var conds []string
	var args []any
	if f.Type != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, f.Type)
	}
	if f.NameLike != "" {
		conds = append(conds, "(name LIKE ? OR normalized_name LIKE ?)")
		pat := "%" + f.NameLike + "%"
		args = append(args, pat, pat)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name LIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(f.Limit, 50), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectEntities(rows)
}

// DeleteEntity removes an entity and, via cascade, its mentions, aliases and
// relationships.
func (s *Store) DeleteEntity(ctx context.Context, id int64) error {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return err
	}
	err = s.InTx(ctx, func(t *Tx) error {
		_, err := t.tx.ExecContext(ctx, "DELETE FROM entities WHERE id = ?", id)
		return err
	})
	if err != nil {
		return err
	}
	s.cache.invalidate(e.ID, e.NormalizedName, e.Type)
	return nil
}

// EntityTypeCounts returns how many entities exist per type.
func (s *Store) EntityTypeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_type, COUNT(*) FROM entities GROUP BY entity_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var typ string
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, err
		}
		counts[typ] = n
	}
	return counts, rows.Err()
}

// EntityRank pairs an entity with its mention count.
type EntityRank struct {
	Entity   Entity `json:"entity"`
	Mentions int    `json:"mentions"`
}

// TopEntities returns the most-mentioned entities, optionally restricted to
// one type.
func (s *Store) TopEntities(ctx context.Context, entityType string, limit int) ([]EntityRank, error) {
	query := `
		SELECT e.id, e.name, e.normalized_name, e.entity_type, e.description, e.metadata,
		       e.created_at, e.updated_at, COUNT(m.id) AS mentions
		FROM entities e
		LEFT JOIN entity_mentions m ON m.entity_id = e.id`
	var args []any
	if entityType != "" {
		query += " WHERE e.entity_type = ?"
		args = append(args, entityType)
	}
	query += " GROUP BY e.id ORDER BY mentions DESC, e.name LIMIT ?"
	args = append(args, limitOrDefault(limit, 20))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityRank
	for rows.Next() {
		var r EntityRank
		var desc, metadata sql.NullString
		if err := rows.Scan(&r.Entity.ID, &r.Entity.Name, &r.Entity.NormalizedName,
			&r.Entity.Type, &desc, &metadata, &r.Entity.CreatedAt, &r.Entity.UpdatedAt,
			&r.Mentions); err != nil {
			return nil, err
		}
		r.Entity.Description = desc.String
		r.Entity.Metadata = metadata.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Mentions ---

// LinkEntityToContent records a mention of an entity in a content row.
func (s *Store) LinkEntityToContent(ctx context.Context, m Mention) (int64, error) {
	var id int64
	err := s.InTx(ctx, func(t *Tx) error {
		var err error
		id, err = t.LinkEntityToContent(ctx, m)
		return err
	})
	return id, err
}

// LinkEntityToContent is the transactional form of Store.LinkEntityToContent.
func (t *Tx) LinkEntityToContent(ctx context.Context, m Mention) (int64, error) {
	if m.Relevance < 0 || m.Relevance > 1 {
		return 0, fault.Errorf(fault.Validation, "mention relevance %v outside [0, 1]", m.Relevance)
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO entity_mentions (entity_id, content_id, content_type, relevance, context, position)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.EntityID, m.ContentID, nullable(m.ContentType), m.Relevance, nullable(m.Context), m.Position)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetMentions returns all entity mentions recorded for a content row.
func (s *Store) GetMentions(ctx context.Context, contentID int64) ([]Mention, error) {
	return s.queryMentions(ctx, `
		SELECT id, entity_id, content_id, content_type, relevance, context, position, created_at
		FROM entity_mentions WHERE content_id = ? ORDER BY position
	`, contentID)
}

// GetEntityMentions returns an entity's mentions across all content.
func (s *Store) GetEntityMentions(ctx context.Context, entityID int64) ([]Mention, error) {
	return s.queryMentions(ctx, `
		SELECT id, entity_id, content_id, content_type, relevance, context, position, created_at
		FROM entity_mentions WHERE entity_id = ? ORDER BY content_id, position
	`, entityID)
}

// GetEntityContent returns the content rows an entity is mentioned in,
// most relevant first.
func (s *Store) GetEntityContent(ctx context.Context, entityID int64, limit, offset int) ([]Content, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.content_type, c.title, c.description, c.source, c.file_path,
		       c.hash, c.size, c.metadata, c.created_at, c.updated_at
		FROM content c
		JOIN entity_mentions m ON m.content_id = c.id
		WHERE m.entity_id = ?
		GROUP BY c.id
		ORDER BY MAX(m.relevance) DESC, c.id
		LIMIT ? OFFSET ?
	`, entityID, limitOrDefault(limit, 20), offset)
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

// Cooccurrence counts how many content rows two entities share.
type Cooccurrence struct {
	EntityID int64 `json:"entity_id"`
	Shared   int   `json:"shared_content"`
}

// Cooccurrences returns the entities that appear in the same content as the
// given one, ordered by how much content they share.
func (s *Store) Cooccurrences(ctx context.Context, entityID int64, limit int) ([]Cooccurrence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m2.entity_id, COUNT(DISTINCT m1.content_id) AS shared
		FROM entity_mentions m1
		JOIN entity_mentions m2 ON m2.content_id = m1.content_id AND m2.entity_id != m1.entity_id
		WHERE m1.entity_id = ?
		GROUP BY m2.entity_id
		ORDER BY shared DESC, m2.entity_id
		LIMIT ?
	`, entityID, limitOrDefault(limit, 20))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Cooccurrence
	for rows.Next() {
		var c Cooccurrence
		if err := rows.Scan(&c.EntityID, &c.Shared); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- Aliases ---

// UpsertAlias records an alternative surface form for an entity, keeping the
// highest confidence seen.
func (s *Store) UpsertAlias(ctx context.Context, a Alias) error {
	return s.InTx(ctx, func(t *Tx) error {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO entity_aliases (entity_id, alias, confidence)
			VALUES (?, ?, ?)
			ON CONFLICT(entity_id, alias) DO UPDATE SET
			    confidence = MAX(excluded.confidence, entity_aliases.confidence)
		`, a.EntityID, a.Alias, a.Confidence)
		return err
	})
}

// GetAliases returns an entity's aliases, highest confidence first.
func (s *Store) GetAliases(ctx context.Context, entityID int64) ([]Alias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, entity_id, alias, confidence
		FROM entity_aliases WHERE entity_id = ? ORDER BY confidence DESC, alias
	`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Alias, &a.Confidence); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Relationships ---

// UpsertRelationship records a typed edge between two entities. A repeat of
// the same (source, target, type) keeps the stronger strength.
func (s *Store) UpsertRelationship(ctx context.Context, r Relationship) error {
	if r.SourceID == r.TargetID {
		return fault.New(fault.Validation, "relationship cannot point at itself")
	}
	if r.Strength < 0 || r.Strength > 1 {
		return fault.Errorf(fault.Validation, "relationship strength %v outside [0, 1]", r.Strength)
	}
	return s.InTx(ctx, func(t *Tx) error {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO entity_relationships (source_entity_id, target_entity_id, relationship_type, strength)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source_entity_id, target_entity_id, relationship_type) DO UPDATE SET
			    strength = MAX(excluded.strength, entity_relationships.strength)
		`, r.SourceID, r.TargetID, r.Type, r.Strength)
		return err
	})
}

// GetRelationshipsFor returns every edge touching an entity, in either
// direction.
func (s *Store) GetRelationshipsFor(ctx context.Context, entityID int64) ([]Relationship, error) {
	return s.queryRelationships(ctx, `
		SELECT id, source_entity_id, target_entity_id, relationship_type, strength
		FROM entity_relationships
		WHERE source_entity_id = ? OR target_entity_id = ?
		ORDER BY strength DESC, id
	`, entityID, entityID)
}

// AllRelationships returns up to limit edges, strongest first. The community
// walk reads the whole graph through this.
func (s *Store) AllRelationships(ctx context.Context, limit int) ([]Relationship, error) {
	return s.queryRelationships(ctx, `
		SELECT id, source_entity_id, target_entity_id, relationship_type, strength
		FROM entity_relationships ORDER BY strength DESC, id LIMIT ?
	`, limitOrDefault(limit, 10000))
}

// --- scan helpers ---

func (s *Store) scanEntity(row *sql.Row) (*Entity, error) {
	e := &Entity{}
	var desc, metadata sql.NullString
	err := row.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &desc, &metadata,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Description = desc.String
	e.Metadata = metadata.String
	return e, nil
}

func (s *Store) collectEntities(rows *sql.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		var e Entity
		var desc, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type, &desc, &metadata,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Description = desc.String
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) queryMentions(ctx context.Context, query string, args ...any) ([]Mention, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Mention
	for rows.Next() {
		var m Mention
		var ctype, mctx sql.NullString
		if err := rows.Scan(&m.ID, &m.EntityID, &m.ContentID, &ctype, &m.Relevance,
			&mctx, &m.Position, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.ContentType = ctype.String
		m.Context = mctx.String
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) queryRelationships(ctx context.Context, query string, args ...any) ([]Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		var r Relationship
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Type, &r.Strength); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
