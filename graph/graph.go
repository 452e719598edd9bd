// Package graph answers relationship questions over the stored entity
// graph: which entities connect to which, directly or through
// intermediaries, and which groups of entities habitually appear in the
// same content. Traversal runs over an in-memory adjacency list loaded
// per call; the store stays the source of truth.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/store"
)

// RelatedEntity is one entity reached by a traversal, with how far out it
// sits and the weakest relationship strength along its discovery path.
type RelatedEntity struct {
	Entity   store.Entity `json:"entity"`
	Depth    int          `json:"depth"`
	Strength float64      `json:"strength"`
}

type edge struct {
	to       int64
	relType  string
	strength float64
}

// Related walks the relationship graph outward from entityID, treating
// edges as undirected. A non-empty relType restricts the walk to edges of
// that type; maxDepth defaults to 1 hop. Results order by depth, then
// descending strength.
func Related(ctx context.Context, s *store.Store, entityID int64, relType string, maxDepth int) ([]RelatedEntity, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}
	if _, err := s.GetEntity(ctx, entityID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fault.Errorf(fault.NotFound, "entity not found: %d", entityID)
		}
		return nil, err
	}

	rels, err := s.AllRelationships(ctx, 0)
	if err != nil {
		return nil, err
	}

	neighbours := make(map[int64][]edge)
	for _, r := range rels {
		if relType != "" && r.Type != relType {
			continue
		}
		neighbours[r.SourceID] = append(neighbours[r.SourceID], edge{to: r.TargetID, relType: r.Type, strength: r.Strength})
		neighbours[r.TargetID] = append(neighbours[r.TargetID], edge{to: r.SourceID, relType: r.Type, strength: r.Strength})
	}

	// BFS, tracking the weakest edge on the path that discovered each node.
	type visit struct {
		depth    int
		strength float64
	}
	visited := map[int64]visit{entityID: {0, 1}}
	queue := []int64{entityID}

	for depth := 1; depth <= maxDepth && len(queue) > 0; depth++ {
		var next []int64
		for _, id := range queue {
			from := visited[id]
			for _, e := range neighbours[id] {
				pathStrength := from.strength
				if e.strength < pathStrength {
					pathStrength = e.strength
				}
				if _, seen := visited[e.to]; seen {
					continue
				}
				visited[e.to] = visit{depth: depth, strength: pathStrength}
				next = append(next, e.to)
			}
		}
		queue = next
	}
	delete(visited, entityID)
	if len(visited) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	entities, err := entitiesByIDs(ctx, s, ids)
	if err != nil {
		return nil, err
	}

	out := make([]RelatedEntity, 0, len(entities))
	for _, e := range entities {
		v := visited[e.ID]
		out = append(out, RelatedEntity{Entity: e, Depth: v.depth, Strength: v.strength})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Depth != out[j].Depth {
			return out[i].Depth < out[j].Depth
		}
		if out[i].Strength != out[j].Strength {
			return out[i].Strength > out[j].Strength
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	return out, nil
}

// entitiesByIDs resolves entity rows in batches to keep IN clauses small.
func entitiesByIDs(ctx context.Context, s *store.Store, ids []int64) ([]store.Entity, error) {
	const batchSize = 200
	var out []store.Entity

	for start := 0; start < len(ids); start += batchSize {
		end := start + batchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		placeholders := "?"
		for i := 1; i < len(batch); i++ {
			placeholders += ", ?"
		}
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		rows, err := s.Query(ctx, `
			SELECT id, name, normalized_name, entity_type, description, metadata, created_at, updated_at
			FROM entities WHERE id IN (`+placeholders+`)
		`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var e store.Entity
			var desc, meta sql.NullString
			if err := rows.Scan(&e.ID, &e.Name, &e.NormalizedName, &e.Type,
				&desc, &meta, &e.CreatedAt, &e.UpdatedAt); err != nil {
				rows.Close()
				return nil, err
			}
			e.Description = desc.String
			e.Metadata = meta.String
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return out, nil
}
