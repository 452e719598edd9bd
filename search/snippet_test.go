package search

import (
	"strings"
	"testing"

	"github.com/bbiangul/ingestor/store"
)

// -----------------------------------------------------------------------
// Query sanitization
// -----------------------------------------------------------------------

func TestSanitizeQueryStripsFTSOperators(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"plain text", "release schedule for the gateway"},
		{"injection attempt", `"unclosed OR (x NEAR y)*`},
		{"colons and carets", "title:report ^boost"},
		{"single word", "compliance"},
		{"hyphenated", "john-doe acme-corp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := sanitizeQuery(tt.input)
			for _, ch := range []string{"*", "(", ")", "+", "^", ":"} {
				if strings.Contains(result, ch) {
					t.Errorf("sanitized query still contains %q: %s", ch, result)
				}
			}
		})
	}
}

func TestSanitizeQueryMultiWord(t *testing.T) {
	result := sanitizeQuery("quarterly revenue report")

	if !strings.Contains(result, `"quarterly revenue report"`) {
		t.Errorf("missing quoted phrase: %s", result)
	}
	if !strings.Contains(result, " OR ") {
		t.Errorf("missing OR separators: %s", result)
	}
}

func TestSanitizeQueryEmpty(t *testing.T) {
	if got := sanitizeQuery("  !*()  "); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestQueryTerms(t *testing.T) {
	got := queryTerms("Where is the Acme Corp revenue report? report")
	want := []string{"acme", "corp", "revenue", "report"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("term[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

// -----------------------------------------------------------------------
// Snippets
// -----------------------------------------------------------------------

func TestMakeSnippetPicksMatchingSentence(t *testing.T) {
	text := "The weather was mild. Acme Corp announced record revenue. Nobody was surprised."
	got := makeSnippet(text, []string{"acme", "revenue"})

	if !strings.Contains(got, "<b>Acme</b>") || !strings.Contains(got, "<b>revenue</b>") {
		t.Errorf("terms not highlighted: %s", got)
	}
	if strings.Contains(got, "weather") {
		t.Errorf("snippet includes irrelevant sentence: %s", got)
	}
}

func TestMakeSnippetExtendsToAdjacentSentence(t *testing.T) {
	text := "Acme hired John. John joined Acme in March. Unrelated trailer."
	got := makeSnippet(text, []string{"acme", "john", "march"})

	if !strings.Contains(got, "March") {
		t.Errorf("best sentence missing: %s", got)
	}
	if !strings.Contains(got, "hired") {
		t.Errorf("adjacent matching sentence not included: %s", got)
	}
}

func TestMakeSnippetNoMatchFallsBackToHead(t *testing.T) {
	text := "First sentence of the document. Second sentence follows."
	got := makeSnippet(text, []string{"absent"})

	if !strings.Contains(got, "First sentence") {
		t.Errorf("fallback snippet = %q", got)
	}
	if strings.Contains(got, "<b>") {
		t.Errorf("nothing should be highlighted: %s", got)
	}
}

func TestMakeSnippetRespectsMaxLen(t *testing.T) {
	long := strings.Repeat("acme word salad keeps going and going ", 30) + "."
	got := makeSnippet(long, []string{"acme"})

	// Highlight marks add length; the underlying text stays clipped.
	bare := strings.ReplaceAll(strings.ReplaceAll(got, "<b>", ""), "</b>", "")
	if len(bare) > snippetMaxLen {
		t.Errorf("snippet text %d bytes, max %d", len(bare), snippetMaxLen)
	}
}

func TestHighlightPreservesCaseAndPunctuation(t *testing.T) {
	got := highlight("Acme, yes: ACME.", map[string]bool{"acme": true})
	want := "<b>Acme</b>, yes: <b>ACME</b>."
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------
// Fusion
// -----------------------------------------------------------------------

func chunkHit(chunkID int64) store.SearchResult {
	return store.SearchResult{ChunkID: chunkID, ContentID: chunkID, Text: "text"}
}

func TestFuseRRFBothLegsBeatOne(t *testing.T) {
	fts := []store.SearchResult{chunkHit(1), chunkHit(2)}
	entity := []store.SearchResult{chunkHit(3), chunkHit(2)}

	fused := fuseRRF(fts, entity, 1.0, 1.0, 10)
	if len(fused) != 3 {
		t.Fatalf("got %d results, want 3", len(fused))
	}
	// Chunk 2 appears in both lists, so it outranks both single-method hits.
	if fused[0].ChunkID != 2 {
		t.Errorf("top result = %d, want 2", fused[0].ChunkID)
	}
	if len(fused[0].Methods) != 2 {
		t.Errorf("methods = %v, want both", fused[0].Methods)
	}
}

func TestFuseRRFWeightsAndRankOrder(t *testing.T) {
	fts := []store.SearchResult{chunkHit(1), chunkHit(2)}

	fused := fuseRRF(fts, nil, 1.0, 0.5, 10)
	if fused[0].ChunkID != 1 || fused[1].ChunkID != 2 {
		t.Fatalf("rank order broken: %+v", fused)
	}
	if fused[0].Score <= fused[1].Score {
		t.Errorf("scores not descending: %v <= %v", fused[0].Score, fused[1].Score)
	}
	// score = weight / (k + rank + 1)
	want := 1.0 / float64(rrfK+1)
	if fused[0].Score != want {
		t.Errorf("score = %v, want %v", fused[0].Score, want)
	}
}

func TestFuseRRFCapsResults(t *testing.T) {
	var fts []store.SearchResult
	for i := int64(1); i <= 10; i++ {
		fts = append(fts, chunkHit(i))
	}
	fused := fuseRRF(fts, nil, 1.0, 0.5, 3)
	if len(fused) != 3 {
		t.Errorf("got %d results, want 3", len(fused))
	}
}
