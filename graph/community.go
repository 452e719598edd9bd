package graph

import (
	"context"
	"sort"

	"github.com/bbiangul/ingestor/store"
)

// EntityPair is two entities mentioned in the same content, with how many
// content rows they share. SourceID is always the smaller id.
type EntityPair struct {
	SourceID int64 `json:"source_entity_id"`
	TargetID int64 `json:"target_entity_id"`
	Shared   int   `json:"shared_content"`
}

// Community is a connected group of entities in the co-occurrence graph.
type Community struct {
	Entities []store.Entity `json:"entities"`
	Size     int            `json:"size"`
}

// Cooccurrence returns entity pairs that appear together in at least
// minShared content rows, strongest pairs first. minShared below 1 is
// treated as 1.
func Cooccurrence(ctx context.Context, s *store.Store, minShared int) ([]EntityPair, error) {
	if minShared < 1 {
		minShared = 1
	}
	rows, err := s.Query(ctx, `
		SELECT m1.entity_id, m2.entity_id, COUNT(DISTINCT m1.content_id) AS shared
		FROM entity_mentions m1
		JOIN entity_mentions m2 ON m2.content_id = m1.content_id AND m2.entity_id > m1.entity_id
		GROUP BY m1.entity_id, m2.entity_id
		HAVING shared >= ?
		ORDER BY shared DESC, m1.entity_id, m2.entity_id
	`, minShared)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EntityPair
	for rows.Next() {
		var p EntityPair
		if err := rows.Scan(&p.SourceID, &p.TargetID, &p.Shared); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Communities groups entities into connected components of the
// co-occurrence graph built from pairs sharing at least minShared content
// rows. Entities that never share content with another entity belong to
// no community. Largest communities come first.
func Communities(ctx context.Context, s *store.Store, minShared int) ([]Community, error) {
	pairs, err := Cooccurrence(ctx, s, minShared)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 0 {
		return nil, nil
	}

	neighbours := make(map[int64][]int64)
	for _, p := range pairs {
		neighbours[p.SourceID] = append(neighbours[p.SourceID], p.TargetID)
		neighbours[p.TargetID] = append(neighbours[p.TargetID], p.SourceID)
	}

	// Connected components via BFS. Iterate seeds in id order so component
	// membership is deterministic.
	seeds := make([]int64, 0, len(neighbours))
	for id := range neighbours {
		seeds = append(seeds, id)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i] < seeds[j] })

	visited := make(map[int64]bool, len(neighbours))
	var components [][]int64
	for _, seed := range seeds {
		if visited[seed] {
			continue
		}
		var comp []int64
		queue := []int64{seed}
		visited[seed] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, n := range neighbours[node] {
				if !visited[n] {
					visited[n] = true
					queue = append(queue, n)
				}
			}
		}
		components = append(components, comp)
	}

	out := make([]Community, 0, len(components))
	for _, comp := range components {
		entities, err := entitiesByIDs(ctx, s, comp)
		if err != nil {
			return nil, err
		}
		sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })
		out = append(out, Community{Entities: entities, Size: len(entities)})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Size > out[j].Size })
	return out, nil
}
