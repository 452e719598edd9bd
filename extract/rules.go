package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bbiangul/ingestor/llm"
)

// Fixed mention relevances for rule-derived entities. The sweeps are blunt
// instruments: date patterns rarely lie, organization suffixes mostly hold,
// capitalized bigrams are the noisiest.
const (
	rulePersonRelevance = 0.6
	ruleOrgRelevance    = 0.7
	ruleDateRelevance   = 0.8
	ruleCodeRelevance   = 0.6
)

// ruleContextRadius is how many bytes of surrounding text each rule mention
// carries on either side of the match.
const ruleContextRadius = 60

var (
	rePersonBigram = regexp.MustCompile(`\b[A-Z][a-z]+ [A-Z][a-z]+\b`)
	reOrgSuffix    = regexp.MustCompile(`\b[A-Z][A-Za-z&'.-]*(?: [A-Z&][A-Za-z&'.-]*)* (?:Inc|Corp|LLC|Ltd|Company|Association)\b`)
	reDateUS       = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	reDateISO      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
)

// bigramStopwords weed the worst capitalized-bigram false positives:
// sentence-leading function words ("The Committee", "In March").
var bigramStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "this": true, "that": true,
	"these": true, "those": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "from": true, "with": true, "and": true,
	"but": true, "or": true, "if": true, "when": true, "while": true,
	"dear": true,
}

// textRules sweeps prose for the patterns worth keeping when no model is
// available: organization suffixes, capitalized name bigrams, and dates.
// Bigrams inside an organization match are skipped so "Acme Corp" does not
// double as a person.
func textRules(text string) []llm.ExtractedEntity {
	var out []llm.ExtractedEntity

	orgSpans := reOrgSuffix.FindAllStringIndex(text, -1)
	for _, span := range orgSpans {
		out = append(out, ruleEntity(text, span, "organization", ruleOrgRelevance))
	}

	for _, span := range rePersonBigram.FindAllStringIndex(text, -1) {
		if overlapsAny(span, orgSpans) {
			continue
		}
		first, _, _ := strings.Cut(text[span[0]:span[1]], " ")
		if bigramStopwords[strings.ToLower(first)] {
			continue
		}
		out = append(out, ruleEntity(text, span, "person", rulePersonRelevance))
	}

	for _, re := range []*regexp.Regexp{reDateUS, reDateISO} {
		for _, span := range re.FindAllStringIndex(text, -1) {
			out = append(out, ruleEntity(text, span, "date", ruleDateRelevance))
		}
	}

	return out
}

var (
	reCodeClass    = regexp.MustCompile(`\bclass\s+([A-Za-z_]\w*)`)
	reCodeFunction = regexp.MustCompile(`\bfunction\s+([A-Za-z_]\w*)`)
	reCodeDef      = regexp.MustCompile(`\bdef\s+([A-Za-z_]\w*)`)
	reCodeConst    = regexp.MustCompile(`\bconst\s+([A-Z][A-Z0-9_]+)\s*=`)
	reCodeImport   = regexp.MustCompile(`\bimport\s+[^;\n]*?from\s+['"]([^'"]+)['"]`)
)

// codeRules sweeps source code for declared symbols and import specifiers,
// all tagged technology.
func codeRules(text string) []llm.ExtractedEntity {
	var out []llm.ExtractedEntity
	for _, re := range []*regexp.Regexp{
		reCodeClass, reCodeFunction, reCodeDef, reCodeConst, reCodeImport,
	} {
		for _, idx := range re.FindAllStringSubmatchIndex(text, -1) {
			// idx[2:4] is the capture group holding the symbol name.
			entity := ruleEntity(text, idx[0:2], "technology", ruleCodeRelevance)
			entity.Name = text[idx[2]:idx[3]]
			entity.Mentions[0].Position = idx[2]
			out = append(out, entity)
		}
	}
	return out
}

// ruleEntity builds one entity in the model output shape with a single
// mention anchored at the match.
func ruleEntity(text string, span []int, typ string, relevance float64) llm.ExtractedEntity {
	return llm.ExtractedEntity{
		Name: text[span[0]:span[1]],
		Type: typ,
		Mentions: []llm.ExtractedMention{{
			Context:   contextWindow(text, span[0], span[1]),
			Position:  span[0],
			Relevance: relevance,
		}},
	}
}

// contextWindow returns the match plus up to ruleContextRadius bytes on each
// side, nudged to rune boundaries.
func contextWindow(text string, start, end int) string {
	lo := start - ruleContextRadius
	if lo < 0 {
		lo = 0
	}
	hi := end + ruleContextRadius
	if hi > len(text) {
		hi = len(text)
	}
	for lo < len(text) && !utf8.RuneStart(text[lo]) {
		lo++
	}
	for hi < len(text) && !utf8.RuneStart(text[hi]) {
		hi++
	}
	return text[lo:hi]
}

func overlapsAny(span []int, spans [][]int) bool {
	for _, s := range spans {
		if span[0] < s[1] && s[0] < span[1] {
			return true
		}
	}
	return false
}
