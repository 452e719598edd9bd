package search

import (
	"strings"
	"unicode"
)

// snippetMaxLen is the approximate maximum character length for a snippet.
const snippetMaxLen = 300

// makeSnippet returns the 1-2 sentences of text most relevant to the query
// terms, with matched terms wrapped in <b> marks. Returns the clipped head
// of the text when no sentence matches, so a result always has a preview.
func makeSnippet(text string, terms []string) string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return ""
	}

	termSet := make(map[string]bool, len(terms))
	for _, t := range terms {
		termSet[t] = true
	}

	// Score each sentence by overlap with the query terms.
	scores := make([]int, len(sentences))
	bestIdx, bestScore := 0, 0
	for i, s := range sentences {
		for _, w := range splitWords(s) {
			if termSet[w] {
				scores[i]++
			}
		}
		if scores[i] > bestScore {
			bestScore = scores[i]
			bestIdx = i
		}
	}

	if bestScore == 0 {
		return highlight(clip(sentences[0], snippetMaxLen), termSet)
	}

	result := sentences[bestIdx]

	// Add the better-scoring adjacent sentence when it fits.
	if len(result) < snippetMaxLen {
		candidateIdx, candidateScore := -1, 0
		for _, delta := range []int{1, -1} {
			adj := bestIdx + delta
			if adj >= 0 && adj < len(sentences) && scores[adj] > candidateScore {
				candidateScore = scores[adj]
				candidateIdx = adj
			}
		}
		if candidateIdx >= 0 && candidateScore > 0 {
			combined := result + " " + sentences[candidateIdx]
			if candidateIdx < bestIdx {
				combined = sentences[candidateIdx] + " " + result
			}
			if len(combined) <= snippetMaxLen {
				result = combined
			}
		}
	}

	return highlight(clip(result, snippetMaxLen), termSet)
}

// highlight wraps every word matching a query term in <b> marks,
// preserving the original casing and punctuation around it.
func highlight(s string, terms map[string]bool) string {
	if len(terms) == 0 {
		return s
	}
	var b strings.Builder
	var word strings.Builder

	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := word.String()
		if terms[strings.ToLower(w)] {
			b.WriteString("<b>")
			b.WriteString(w)
			b.WriteString("</b>")
		} else {
			b.WriteString(w)
		}
		word.Reset()
	}

	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}

// splitSentences splits text at period/question/exclamation boundaries
// followed by whitespace or end of string.
func splitSentences(text string) []string {
	var sentences []string
	var cur strings.Builder

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		cur.WriteRune(runes[i])
		if runes[i] == '.' || runes[i] == '?' || runes[i] == '!' {
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\n' || runes[i+1] == '\t' {
				s := strings.TrimSpace(cur.String())
				if s != "" {
					sentences = append(sentences, s)
				}
				cur.Reset()
			}
		}
	}
	if cur.Len() > 0 {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// clip shortens s to at most n bytes on a word boundary.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut]
}
