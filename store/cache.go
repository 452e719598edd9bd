package store

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// entityCache holds two bounded LRU maps over the entities table: one keyed
// by row id and one keyed by (normalized_name, entity_type). Entries carry an
// expiry; expired entries read as misses and are dropped on access, plus
// swept by a background ticker when autoPrune is on.
type entityCache struct {
	byID  *lru.Cache[int64, cachedEntity]
	byKey *lru.Cache[string, cachedID]
	ttl   time.Duration

	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}

	hits   uint64
	misses uint64
}

type cachedEntity struct {
	entity    Entity
	expiresAt time.Time
}

type cachedID struct {
	id        int64
	expiresAt time.Time
}

func entityKey(normalizedName, entityType string) string {
	return normalizedName + "\x00" + entityType
}

func newEntityCache(size int, ttl time.Duration, autoPrune bool) *entityCache {
	byID, _ := lru.New[int64, cachedEntity](size)
	byKey, _ := lru.New[string, cachedID](size)
	c := &entityCache{
		byID:  byID,
		byKey: byKey,
		ttl:   ttl,
	}
	if autoPrune {
		c.ticker = time.NewTicker(ttl / 2)
		c.done = make(chan struct{})
		go c.sweep()
	}
	return c
}

func (c *entityCache) sweep() {
	for {
		select {
		case <-c.ticker.C:
			c.prune()
		case <-c.done:
			return
		}
	}
}

// prune evicts every expired entry from both maps.
func (c *entityCache) prune() {
	now := time.Now()
	for _, id := range c.byID.Keys() {
		if v, ok := c.byID.Peek(id); ok && now.After(v.expiresAt) {
			c.byID.Remove(id)
		}
	}
	for _, k := range c.byKey.Keys() {
		if v, ok := c.byKey.Peek(k); ok && now.After(v.expiresAt) {
			c.byKey.Remove(k)
		}
	}
}

func (c *entityCache) stop() {
	if c.ticker == nil {
		return
	}
	c.ticker.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}

func (c *entityCache) getByID(id int64) (Entity, bool) {
	v, ok := c.byID.Get(id)
	if !ok {
		c.miss()
		return Entity{}, false
	}
	if time.Now().After(v.expiresAt) {
		c.byID.Remove(id)
		c.miss()
		return Entity{}, false
	}
	c.hit()
	return v.entity, true
}

func (c *entityCache) getID(normalizedName, entityType string) (int64, bool) {
	k := entityKey(normalizedName, entityType)
	v, ok := c.byKey.Get(k)
	if !ok {
		c.miss()
		return 0, false
	}
	if time.Now().After(v.expiresAt) {
		c.byKey.Remove(k)
		c.miss()
		return 0, false
	}
	c.hit()
	return v.id, true
}

// put fills both maps from a fully loaded entity row.
func (c *entityCache) put(e Entity) {
	exp := time.Now().Add(c.ttl)
	c.byID.Add(e.ID, cachedEntity{entity: e, expiresAt: exp})
	c.byKey.Add(entityKey(e.NormalizedName, e.Type), cachedID{id: e.ID, expiresAt: exp})
}

// putKey fills only the key map, for upserts where the full row was not read.
func (c *entityCache) putKey(normalizedName, entityType string, id int64) {
	c.byKey.Add(entityKey(normalizedName, entityType), cachedID{id: id, expiresAt: time.Now().Add(c.ttl)})
}

// invalidate drops an entity from both maps. Any mutation of an entity row
// must call it so neither map serves stale data.
func (c *entityCache) invalidate(id int64, normalizedName, entityType string) {
	c.byID.Remove(id)
	c.byKey.Remove(entityKey(normalizedName, entityType))
}

func (c *entityCache) hit() {
	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
}

func (c *entityCache) miss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// CacheStats reports entity cache occupancy and hit rates.
type CacheStats struct {
	Entries uint64  `json:"entries"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

func (c *entityCache) stats() CacheStats {
	c.mu.Lock()
	hits, misses := c.hits, c.misses
	c.mu.Unlock()
	st := CacheStats{
		Entries: uint64(c.byID.Len()),
		Hits:    hits,
		Misses:  misses,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// CacheStats returns the live entity cache counters.
func (s *Store) CacheStats() CacheStats {
	return s.cache.stats()
}
