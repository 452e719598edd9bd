package search

import "strings"

// ftsReplacer strips FTS5 syntax characters so user input can never break
// out of the MATCH expression.
var ftsReplacer = strings.NewReplacer(
	"\"", "", "*", "", "(", "", ")", "",
	"+", "", "-", "", "^", "", ":", "",
	"?", "", "[", "", "]", "", "{", "",
	"}", "", "!", "", ".", "", ",", "",
	";", "",
)

// sanitizeQuery turns free-form input into an FTS5 MATCH expression: the
// whole phrase quoted for exact matches, OR-joined with the individual
// significant words for broader recall.
func sanitizeQuery(query string) string {
	cleaned := ftsReplacer.Replace(query)
	words := strings.Fields(cleaned)
	if len(words) == 0 {
		return ""
	}

	var parts []string
	if len(words) > 1 {
		parts = append(parts, "\""+strings.Join(words, " ")+"\"")
	}
	for _, w := range words {
		if len(w) > 2 && !stopWords[strings.ToLower(w)] {
			parts = append(parts, w)
		}
	}
	if len(parts) == 0 {
		return strings.Join(words, " OR ")
	}
	return strings.Join(parts, " OR ")
}

// queryTerms returns the deduplicated significant words of a query,
// lowercased, for snippet highlighting and entity matching.
func queryTerms(query string) []string {
	cleaned := ftsReplacer.Replace(query)
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(cleaned)) {
		if len(w) > 2 && !stopWords[w] && !seen[w] {
			seen[w] = true
			terms = append(terms, w)
		}
	}
	return terms
}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "of": true, "with": true, "by": true, "from": true,
	"is": true, "are": true, "was": true, "were": true, "be": true,
	"been": true, "being": true, "have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true, "will": true, "would": true,
	"could": true, "should": true, "may": true, "might": true, "must": true,
	"shall": true, "can": true, "this": true, "that": true, "these": true,
	"those": true, "what": true, "which": true, "who": true, "whom": true,
	"where": true, "when": true, "how": true, "why": true, "not": true,
	"no": true, "nor": true, "if": true, "then": true, "than": true,
	"so": true, "as": true, "about": true, "into": true, "between": true,
}
