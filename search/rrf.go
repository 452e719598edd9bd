package search

import (
	"sort"

	"github.com/bbiangul/ingestor/store"
)

const rrfK = 60 // RRF constant (standard value from literature)

// fuseRRF combines the FTS and entity-match result lists with Reciprocal
// Rank Fusion: each list is ranked independently and a chunk's fused score
// is sum(weight_i / (k + rank_i)). Chunks found by both methods rise above
// chunks found by one.
func fuseRRF(ftsResults, entityResults []store.SearchResult, weightFTS, weightEntity float64, maxResults int) []Result {
	type fusedEntry struct {
		result  store.SearchResult
		score   float64
		methods []string
	}

	fused := make(map[int64]*fusedEntry)

	for rank, r := range ftsResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightFTS / float64(rrfK+rank+1)
		entry.methods = append(entry.methods, "fts")
	}

	for rank, r := range entityResults {
		entry, ok := fused[r.ChunkID]
		if !ok {
			entry = &fusedEntry{result: r}
			fused[r.ChunkID] = entry
		}
		entry.score += weightEntity / float64(rrfK+rank+1)
		entry.methods = append(entry.methods, "entity")
	}

	entries := make([]*fusedEntry, 0, len(fused))
	for _, e := range fused {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].score != entries[j].score {
			return entries[i].score > entries[j].score
		}
		return entries[i].result.ChunkID < entries[j].result.ChunkID
	})

	if maxResults > 0 && len(entries) > maxResults {
		entries = entries[:maxResults]
	}

	results := make([]Result, len(entries))
	for i, e := range entries {
		results[i] = Result{SearchResult: e.result, Methods: e.methods}
		results[i].Score = e.score
	}
	return results
}
