package extract

import (
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/bbiangul/ingestor/llm"
)

// normalizeEntities converts raw model or rule output into normalized
// entities: names cleaned per type, unknown types folded to "other",
// mentions validated against the source text.
func normalizeEntities(log *slog.Logger, raw []llm.ExtractedEntity, source string) []Entity {
	out := make([]Entity, 0, len(raw))
	for _, e := range raw {
		typ := foldType(log, e.Type)
		name := NormalizeName(typ, e.Name)
		if name == "" {
			continue
		}
		mentions := validateMentions(source, e.Mentions)
		out = append(out, Entity{
			Name:        name,
			Type:        typ,
			Description: strings.TrimSpace(e.Description),
			Confidence:  confidenceOf(e.Relevance, mentions),
			Mentions:    mentions,
		})
	}
	return out
}

// foldType lowercases the reported type and folds anything outside the
// canonical set to "other".
func foldType(log *slog.Logger, typ string) string {
	t := strings.ToLower(strings.TrimSpace(typ))
	for _, known := range llm.EntityTypes {
		if t == known {
			return t
		}
	}
	log.Warn("unknown entity type, folding to other", "type", typ)
	return "other"
}

// NormalizeName cleans an entity name for its type: surrounding quotes
// stripped and internal whitespace collapsed for everything; person and
// location names title-cased with articles lowercased; organization casing
// preserved; dates rewritten to YYYY-MM-DD.
func NormalizeName(typ, name string) string {
	name = strings.Trim(strings.TrimSpace(name), "\"'`“”‘’")
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return ""
	}
	switch typ {
	case "person", "location":
		return titleCase(name)
	case "date":
		return normalizeDate(name)
	default:
		return name
	}
}

// nameArticles stay lowercase inside title-cased names, except in first
// position: "Ludwig van Beethoven" but "The Hague".
var nameArticles = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true,
	"de": true, "del": true, "della": true, "di": true, "da": true,
	"la": true, "le": true, "van": true, "von": true, "der": true,
	"den": true, "du": true, "el": true, "al": true, "bin": true,
	"ibn": true,
}

func titleCase(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		if i > 0 && nameArticles[strings.ToLower(w)] {
			words[i] = strings.ToLower(w)
			continue
		}
		words[i] = titleWord(w)
	}
	return strings.Join(words, " ")
}

// titleWord uppercases the first letter and lowercases the rest, but leaves
// mixed-case words alone so McDonald survives, and keeps short all-caps
// words as initials (JFK).
func titleWord(w string) string {
	runes := []rune(w)
	hasUpper, hasLower := false, false
	for _, r := range runes[1:] {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if unicode.IsLower(r) {
			hasLower = true
		}
	}
	if hasUpper && hasLower {
		return w
	}
	if hasUpper && len(runes) <= 3 {
		return w
	}
	out := strings.ToLower(w)
	r := []rune(out)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// dateLayouts are tried in order; the lenient numeric layouts accept both
// zero-padded and bare month and day fields.
var dateLayouts = []string{
	"1/2/2006",
	"2006-1-2",
	"January 2, 2006",
	"2 January 2006",
}

// normalizeDate rewrites recognized date forms to YYYY-MM-DD and leaves
// everything else untouched.
func normalizeDate(name string) string {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, name); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return name
}

// mergeEntities folds entities sharing a (type, name) identity: mentions
// concatenate, the longer description wins, confidence takes the maximum.
// First-seen order is preserved.
func mergeEntities(entities []Entity) []Entity {
	merged := make([]Entity, 0, len(entities))
	index := make(map[string]int, len(entities))
	for _, e := range entities {
		key := e.Key()
		i, ok := index[key]
		if !ok {
			index[key] = len(merged)
			merged = append(merged, e)
			continue
		}
		prev := &merged[i]
		prev.Mentions = append(prev.Mentions, e.Mentions...)
		if len(e.Description) > len(prev.Description) {
			prev.Description = e.Description
		}
		if e.Confidence > prev.Confidence {
			prev.Confidence = e.Confidence
		}
	}
	return merged
}

// filterEntities applies the confidence threshold, restricts to the
// requested types, sorts by descending confidence, and caps the result.
func filterEntities(entities []Entity, opts Options) []Entity {
	threshold := opts.minConfidence()
	allowed := make(map[string]bool, len(opts.EntityTypes))
	for _, t := range opts.EntityTypes {
		allowed[strings.ToLower(strings.TrimSpace(t))] = true
	}

	kept := make([]Entity, 0, len(entities))
	for _, e := range entities {
		if e.Confidence < threshold {
			continue
		}
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		kept = append(kept, e)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Confidence > kept[j].Confidence
	})

	if limit := opts.maxEntities(); limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
