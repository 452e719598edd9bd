// Package chunker splits content into bounded chunks ahead of entity
// extraction and indexing. Four strategies are provided; all of them keep
// enough information on each chunk that concatenating every chunk minus its
// recorded overlap reproduces the input byte for byte.
package chunker

import (
	"regexp"
	"strings"

	"github.com/bbiangul/ingestor/fault"
)

// Strategy selects how chunk boundaries are chosen.
type Strategy string

const (
	// StrategySize splits at fixed byte offsets.
	StrategySize Strategy = "size"
	// StrategyParagraph splits on blank-line boundaries, starting a fresh
	// chunk at section headings and falling back to sentences for
	// paragraphs larger than a whole chunk.
	StrategyParagraph Strategy = "paragraph"
	// StrategySentence packs whole sentences, carrying the last sentence
	// of each chunk into the next as overlap.
	StrategySentence Strategy = "sentence"
	// StrategyToken budgets by estimated tokens on word boundaries,
	// treating one token as roughly four bytes.
	StrategyToken Strategy = "token"
)

const (
	// DefaultMaxChunkSize bounds a chunk at 4 MiB.
	DefaultMaxChunkSize = 4 << 20

	// tokenBytes is the assumed byte length of one token.
	tokenBytes = 4

	// overlapFloor is the smallest default overlap in bytes.
	overlapFloor = 256
)

// ParseStrategy validates a strategy name coming from configuration.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySize, StrategyParagraph, StrategySentence, StrategyToken:
		return Strategy(s), nil
	}
	return "", fault.Errorf(fault.Validation, "unknown chunking strategy: %q", s)
}

// DefaultOverlap returns the default overlap for a chunk size: 10% of the
// chunk, never less than 256 bytes.
func DefaultOverlap(maxChunkSize int) int {
	ov := maxChunkSize / 10
	if ov < overlapFloor {
		ov = overlapFloor
	}
	return ov
}

// Config controls the chunking behaviour.
type Config struct {
	Strategy     Strategy // boundary selection; defaults to StrategyParagraph
	MaxChunkSize int      // maximum chunk size in bytes; defaults to DefaultMaxChunkSize
	Overlap      int      // bytes carried between consecutive chunks; defaults to DefaultOverlap
}

// Chunk is one bounded slice of the input. Overlap counts the leading bytes
// duplicated from the previous chunk, so Text[Overlap:] is the chunk's new
// contribution to the document.
type Chunk struct {
	Index   int
	Text    string
	Overlap int
}

// Chunker splits content according to its configuration.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.  Zero-value fields are
// replaced with sensible defaults, and the overlap is clamped below the chunk
// size so that every chunk contributes new bytes.
func New(cfg Config) *Chunker {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyParagraph
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = DefaultMaxChunkSize
	}
	if cfg.Overlap <= 0 {
		cfg.Overlap = DefaultOverlap(cfg.MaxChunkSize)
	}
	if cfg.Overlap >= cfg.MaxChunkSize {
		cfg.Overlap = cfg.MaxChunkSize / 2
	}
	return &Chunker{cfg: cfg}
}

// Config returns the effective configuration after defaulting.
func (c *Chunker) Config() Config { return c.cfg }

// Split breaks text into chunks using the configured strategy.  Empty input
// yields no chunks.  Indices are assigned 0..N-1 in document order.
func (c *Chunker) Split(text string) ([]Chunk, error) {
	if text == "" {
		return nil, nil
	}
	var chunks []Chunk
	switch c.cfg.Strategy {
	case StrategySize:
		chunks = c.splitBySize(text)
	case StrategyParagraph:
		chunks = c.splitByParagraphs(text)
	case StrategySentence:
		chunks = c.splitBySentences(text)
	case StrategyToken:
		chunks = c.splitByTokens(text)
	default:
		return nil, fault.Errorf(fault.Validation, "unknown chunking strategy: %q", c.cfg.Strategy)
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks, nil
}

// Reconstruct reassembles the original input from a chunk sequence by
// stripping each chunk's overlap prefix.
func Reconstruct(chunks []Chunk) string {
	var b strings.Builder
	for _, ch := range chunks {
		if ch.Overlap >= len(ch.Text) {
			continue
		}
		b.WriteString(ch.Text[ch.Overlap:])
	}
	return b.String()
}

// splitBySize emits fixed byte windows.  Every window after the first starts
// with the previous window's trailing Overlap bytes, so each step advances
// MaxChunkSize-Overlap new bytes.
func (c *Chunker) splitBySize(text string) []Chunk {
	var chunks []Chunk
	pos := 0
	for pos < len(text) {
		back := 0
		if pos > 0 {
			back = c.cfg.Overlap
			if back > pos {
				back = pos
			}
		}
		take := c.cfg.MaxChunkSize - back
		if take > len(text)-pos {
			take = len(text) - pos
		}
		chunks = append(chunks, Chunk{Text: text[pos-back : pos+take], Overlap: back})
		pos += take
	}
	return chunks
}

// splitByParagraphs packs blank-line separated paragraphs into chunks.
// Separators stay attached to the paragraph they terminate so the pieces
// partition the input; paragraph chunks carry no overlap.  A paragraph
// opening on a heading line starts a fresh chunk, keeping sections
// together.  A paragraph that alone exceeds the chunk size is handed to
// the sentence splitter.
func (c *Chunker) splitByParagraphs(text string) []Chunk {
	var chunks []Chunk
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, Chunk{Text: cur.String()})
			cur.Reset()
		}
	}

	for _, p := range splitParagraphPieces(text) {
		if len(p) > c.cfg.MaxChunkSize {
			flush()
			chunks = append(chunks, c.splitBySentences(p)...)
			continue
		}
		if cur.Len() > 0 && (startsWithHeading(p) || cur.Len()+len(p) > c.cfg.MaxChunkSize) {
			flush()
		}
		cur.WriteString(p)
	}
	flush()
	return chunks
}

// splitBySentences packs whole sentences into chunks.  When a chunk fills
// up, its last sentence is copied into the next chunk as overlap.  A single
// sentence larger than the chunk size falls back to byte windows.
func (c *Chunker) splitBySentences(text string) []Chunk {
	var chunks []Chunk
	var cur strings.Builder
	overlap := 0
	last := ""

	// A chunk holding nothing beyond its overlap has no new bytes to
	// contribute and is dropped.
	flush := func() {
		if cur.Len() > overlap {
			chunks = append(chunks, Chunk{Text: cur.String(), Overlap: overlap})
		}
		cur.Reset()
		overlap = 0
	}

	for _, s := range splitSentencePieces(text) {
		if len(s) > c.cfg.MaxChunkSize {
			flush()
			chunks = append(chunks, c.splitBySize(s)...)
			last = ""
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(s) > c.cfg.MaxChunkSize {
			seed := last
			flush()
			if seed != "" && len(seed)+len(s) <= c.cfg.MaxChunkSize {
				cur.WriteString(seed)
				overlap = len(seed)
			}
		}
		cur.WriteString(s)
		last = s
	}
	flush()
	return chunks
}

// splitByTokens budgets chunks by estimated token count, packing whole
// words.  Overlap reuses the configured byte budget rounded down to whole
// words from the previous chunk's tail.
func (c *Chunker) splitByTokens(text string) []Chunk {
	maxTok := c.cfg.MaxChunkSize / tokenBytes
	if maxTok < 1 {
		maxTok = 1
	}
	ovTok := c.cfg.Overlap / tokenBytes

	var chunks []Chunk
	var cur strings.Builder
	var words []string // pieces currently in cur, overlap seed included
	curTok := 0
	overlap := 0

	flush := func() {
		if cur.Len() > overlap {
			chunks = append(chunks, Chunk{Text: cur.String(), Overlap: overlap})
		}
		cur.Reset()
		curTok = 0
		overlap = 0
	}

	for _, w := range splitWordPieces(text) {
		wt := tokenCount(w)
		if wt > maxTok {
			flush()
			chunks = append(chunks, c.splitBySize(w)...)
			words = nil
			continue
		}
		if cur.Len() > 0 && curTok+wt > maxTok {
			seed := overlapTail(words, ovTok)
			seedTok := tokensOf(seed)
			// Shrink the seed until the incoming word still fits the budget.
			for len(seed) > 0 && seedTok+wt > maxTok {
				seedTok -= tokenCount(seed[0])
				seed = seed[1:]
			}
			flush()
			words = nil
			for _, p := range seed {
				cur.WriteString(p)
				words = append(words, p)
			}
			curTok = seedTok
			overlap = cur.Len()
		}
		cur.WriteString(w)
		curTok += wt
		words = append(words, w)
	}
	flush()
	return chunks
}

// ---------------------------------------------------------------------------
// splitting helpers
// ---------------------------------------------------------------------------

var paragraphSep = regexp.MustCompile(`(?:\r?\n){2,}`)

// splitParagraphPieces cuts text after every blank-line run.  Each piece
// keeps its trailing separator, so the pieces concatenate back to the input.
func splitParagraphPieces(text string) []string {
	var pieces []string
	start := 0
	for _, loc := range paragraphSep.FindAllStringIndex(text, -1) {
		pieces = append(pieces, text[start:loc[1]])
		start = loc[1]
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

// splitSentencePieces cuts text after sentence terminators (., !, ?) that
// are followed by whitespace or end of input, which keeps decimals like
// "3.14" intact.  The whitespace run stays with the sentence it follows, so
// the pieces concatenate back to the input.
func splitSentencePieces(text string) []string {
	var pieces []string
	start := 0
	i := 0
	for i < len(text) {
		c := text[i]
		if c == '.' || c == '!' || c == '?' {
			j := i + 1
			for j < len(text) && isSpace(text[j]) {
				j++
			}
			if j > i+1 || j == len(text) {
				pieces = append(pieces, text[start:j])
				start = j
				i = j
				continue
			}
		}
		i++
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

// splitWordPieces cuts text after every whitespace run.  Each piece is one
// word plus its trailing whitespace, partitioning the input.
func splitWordPieces(text string) []string {
	var pieces []string
	start := 0
	i := 0
	for i < len(text) {
		for i < len(text) && !isSpace(text[i]) {
			i++
		}
		for i < len(text) && isSpace(text[i]) {
			i++
		}
		pieces = append(pieces, text[start:i])
		start = i
	}
	return pieces
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}

// tokenCount estimates tokens for a piece of text, one token per four bytes
// rounded up.
func tokenCount(s string) int {
	return (len(s) + tokenBytes - 1) / tokenBytes
}

func tokensOf(pieces []string) int {
	n := 0
	for _, p := range pieces {
		n += tokenCount(p)
	}
	return n
}

// overlapTail returns the longest suffix of pieces whose estimated token
// count fits the budget.
func overlapTail(pieces []string, budget int) []string {
	total := 0
	i := len(pieces)
	for i > 0 {
		t := tokenCount(pieces[i-1])
		if total+t > budget {
			break
		}
		total += t
		i--
	}
	return pieces[i:]
}
