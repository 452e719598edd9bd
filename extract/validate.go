package extract

import (
	"strings"

	"github.com/bbiangul/ingestor/llm"
)

// validateMentions drops mentions whose claimed context cannot be found in
// the source text and clamps positions and relevances into range. Models
// fabricate context strings often enough that unverifiable mentions are
// worth discarding; an entity left with no mentions falls back to its
// reported relevance and usually dies in the confidence filter.
//
// An empty source skips the containment check; image and video inputs have
// no text to verify against.
func validateMentions(source string, mentions []llm.ExtractedMention) []Mention {
	if len(mentions) == 0 {
		return nil
	}
	lower := strings.ToLower(source)
	out := make([]Mention, 0, len(mentions))
	for _, m := range mentions {
		context := strings.TrimSpace(m.Context)
		if context != "" && source != "" && !strings.Contains(lower, strings.ToLower(context)) {
			continue
		}
		out = append(out, Mention{
			Context:   context,
			Position:  clampPosition(m.Position, len(source)),
			Relevance: clamp01(m.Relevance),
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// clampPosition forces a byte offset into [0, sourceLen); inputs without
// text pin it to zero.
func clampPosition(pos, sourceLen int) int {
	if pos < 0 || sourceLen == 0 {
		return 0
	}
	if pos >= sourceLen {
		return sourceLen - 1
	}
	return pos
}
