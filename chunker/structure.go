package chunker

import (
	"regexp"
	"strings"
)

// headingPatterns recognize the heading styles worth a chunk boundary:
// markdown hashes, hierarchical section numbers, uppercase banner lines,
// and the appendix/article openers of formal documents.
var headingPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^#{1,6}\s+\S`),
	regexp.MustCompile(`^\s*(\d+\.)+(\d+)?\s+\S`),
	regexp.MustCompile(`^[A-Z][A-Z\s]{4,}$`),
	regexp.MustCompile(`(?i)^(appendix|annex|schedule|exhibit)\s+[A-Z0-9]`),
	regexp.MustCompile(`(?i)^article\s+[IVXLCDM\d]+`),
}

// maxHeadingLen caps how long a line can be and still count as a heading;
// prose that happens to start with a number stays prose.
const maxHeadingLen = 120

// IsHeading reports whether a line of text looks like a section heading.
func IsHeading(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" || len(line) > maxHeadingLen {
		return false
	}
	for _, re := range headingPatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// startsWithHeading reports whether a paragraph piece opens on a heading
// line, marking the start of a new document section.
func startsWithHeading(piece string) bool {
	line, _, _ := strings.Cut(strings.TrimLeft(piece, " \t\r\n"), "\n")
	return IsHeading(line)
}
