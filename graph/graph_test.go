//go:build cgo

package graph

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	opts := store.DefaultOptions()
	opts.CacheAutoPrune = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := store.New(filepath.Join(t.TempDir(), "graph.db"), opts)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEntity(t *testing.T, s *store.Store, name, typ string) int64 {
	t.Helper()
	id, err := s.UpsertEntity(context.Background(), store.Entity{
		Name:           name,
		NormalizedName: name,
		Type:           typ,
	})
	if err != nil {
		t.Fatalf("UpsertEntity(%s): %v", name, err)
	}
	return id
}

func seedRelationship(t *testing.T, s *store.Store, src, dst int64, relType string, strength float64) {
	t.Helper()
	err := s.UpsertRelationship(context.Background(), store.Relationship{
		SourceID: src,
		TargetID: dst,
		Type:     relType,
		Strength: strength,
	})
	if err != nil {
		t.Fatalf("UpsertRelationship(%d->%d): %v", src, dst, err)
	}
}

func seedContent(t *testing.T, s *store.Store, source string) int64 {
	t.Helper()
	id, err := s.InsertContent(context.Background(), store.Content{
		ContentType: "text/plain",
		Source:      source,
		Hash:        fmt.Sprintf("%x", sha256.Sum256([]byte(source))),
	})
	if err != nil {
		t.Fatalf("InsertContent(%s): %v", source, err)
	}
	return id
}

func mention(t *testing.T, s *store.Store, entityID, contentID int64) {
	t.Helper()
	_, err := s.LinkEntityToContent(context.Background(), store.Mention{
		EntityID:  entityID,
		ContentID: contentID,
		Relevance: 0.9,
	})
	if err != nil {
		t.Fatalf("LinkEntityToContent(%d, %d): %v", entityID, contentID, err)
	}
}

// -----------------------------------------------------------------------
// Related
// -----------------------------------------------------------------------

func TestRelatedDefaultDepthIsOneHop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedEntity(t, s, "alice", "person")
	acme := seedEntity(t, s, "acme", "organization")
	bob := seedEntity(t, s, "bob", "person")
	seedRelationship(t, s, alice, acme, "works_at", 0.9)
	seedRelationship(t, s, acme, bob, "employs", 0.8)

	got, err := Related(ctx, s, alice, "", 0)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entities at depth 1, want 1: %+v", len(got), got)
	}
	if got[0].Entity.ID != acme || got[0].Depth != 1 {
		t.Errorf("got %+v, want acme at depth 1", got[0])
	}
}

func TestRelatedFollowsIncomingEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedEntity(t, s, "alice", "person")
	acme := seedEntity(t, s, "acme", "organization")
	seedRelationship(t, s, acme, alice, "employs", 0.7)

	got, err := Related(ctx, s, alice, "", 1)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 || got[0].Entity.ID != acme {
		t.Errorf("incoming edge not followed: %+v", got)
	}
}

func TestRelatedDepthTwoAndPathStrength(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedEntity(t, s, "a", "person")
	b := seedEntity(t, s, "b", "person")
	c := seedEntity(t, s, "c", "person")
	seedRelationship(t, s, a, b, "knows", 0.9)
	seedRelationship(t, s, b, c, "knows", 0.4)

	got, err := Related(ctx, s, a, "", 2)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d entities, want 2: %+v", len(got), got)
	}
	if got[0].Entity.ID != b || got[0].Depth != 1 || got[0].Strength != 0.9 {
		t.Errorf("first hop = %+v, want b depth=1 strength=0.9", got[0])
	}
	// Path strength is the weakest edge on the path.
	if got[1].Entity.ID != c || got[1].Depth != 2 || got[1].Strength != 0.4 {
		t.Errorf("second hop = %+v, want c depth=2 strength=0.4", got[1])
	}
}

func TestRelatedCycleSafety(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := seedEntity(t, s, "a", "person")
	b := seedEntity(t, s, "b", "person")
	c := seedEntity(t, s, "c", "person")
	seedRelationship(t, s, a, b, "knows", 0.9)
	seedRelationship(t, s, b, c, "knows", 0.9)
	seedRelationship(t, s, c, a, "knows", 0.9)

	got, err := Related(ctx, s, a, "", 10)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("triangle walk found %d entities, want 2: %+v", len(got), got)
	}
}

func TestRelatedFiltersByRelationshipType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedEntity(t, s, "alice", "person")
	acme := seedEntity(t, s, "acme", "organization")
	bob := seedEntity(t, s, "bob", "person")
	seedRelationship(t, s, alice, acme, "works_at", 0.9)
	seedRelationship(t, s, alice, bob, "knows", 0.9)

	got, err := Related(ctx, s, alice, "works_at", 1)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 1 || got[0].Entity.ID != acme {
		t.Errorf("type filter leaked: %+v", got)
	}
}

func TestRelatedUnknownEntity(t *testing.T) {
	s := newTestStore(t)

	_, err := Related(context.Background(), s, 9999, "", 1)
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

// -----------------------------------------------------------------------
// Cooccurrence and communities
// -----------------------------------------------------------------------

func TestCooccurrencePairs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := seedEntity(t, s, "alice", "person")
	acme := seedEntity(t, s, "acme", "organization")
	bob := seedEntity(t, s, "bob", "person")

	c1 := seedContent(t, s, "doc-1")
	c2 := seedContent(t, s, "doc-2")
	// alice+acme share two contents; bob shares one with each.
	mention(t, s, alice, c1)
	mention(t, s, acme, c1)
	mention(t, s, bob, c1)
	mention(t, s, alice, c2)
	mention(t, s, acme, c2)

	pairs, err := Cooccurrence(ctx, s, 2)
	if err != nil {
		t.Fatalf("Cooccurrence: %v", err)
	}
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs with minShared=2, want 1: %+v", len(pairs), pairs)
	}
	if pairs[0].SourceID != alice || pairs[0].TargetID != acme || pairs[0].Shared != 2 {
		t.Errorf("pair = %+v, want alice+acme shared=2", pairs[0])
	}

	all, err := Cooccurrence(ctx, s, 1)
	if err != nil {
		t.Fatalf("Cooccurrence: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d pairs with minShared=1, want 3: %+v", len(all), all)
	}
	// Strongest pair first.
	if all[0].Shared != 2 {
		t.Errorf("first pair shared = %d, want 2", all[0].Shared)
	}
}

func TestCommunitiesAreConnectedComponents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Cluster one: three entities across two documents.
	alice := seedEntity(t, s, "alice", "person")
	acme := seedEntity(t, s, "acme", "organization")
	bob := seedEntity(t, s, "bob", "person")
	c1 := seedContent(t, s, "doc-1")
	c2 := seedContent(t, s, "doc-2")
	mention(t, s, alice, c1)
	mention(t, s, acme, c1)
	mention(t, s, acme, c2)
	mention(t, s, bob, c2)

	// Cluster two: disjoint pair.
	carol := seedEntity(t, s, "carol", "person")
	initech := seedEntity(t, s, "initech", "organization")
	c3 := seedContent(t, s, "doc-3")
	mention(t, s, carol, c3)
	mention(t, s, initech, c3)

	// Loner: never shares content.
	dave := seedEntity(t, s, "dave", "person")
	c4 := seedContent(t, s, "doc-4")
	mention(t, s, dave, c4)

	comms, err := Communities(ctx, s, 1)
	if err != nil {
		t.Fatalf("Communities: %v", err)
	}
	if len(comms) != 2 {
		t.Fatalf("got %d communities, want 2: %+v", len(comms), comms)
	}
	if comms[0].Size != 3 || comms[1].Size != 2 {
		t.Errorf("sizes = %d, %d, want 3, 2", comms[0].Size, comms[1].Size)
	}

	members := map[int64]bool{}
	for _, e := range comms[0].Entities {
		members[e.ID] = true
	}
	if !members[alice] || !members[acme] || !members[bob] {
		t.Errorf("first community members = %+v", comms[0].Entities)
	}
	for _, c := range comms {
		for _, e := range c.Entities {
			if e.ID == dave {
				t.Error("loner entity placed in a community")
			}
		}
	}
}

func TestCommunitiesEmptyGraph(t *testing.T) {
	s := newTestStore(t)

	comms, err := Communities(context.Background(), s, 1)
	if err != nil {
		t.Fatalf("Communities: %v", err)
	}
	if comms != nil {
		t.Errorf("got %+v, want nil", comms)
	}
}
