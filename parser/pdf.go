package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/bbiangul/ingestor/fault"
)

// PDFParser extracts plain text page by page. Pages whose text cannot be
// decoded are skipped rather than failing the document; a scanned PDF with
// no extractable text parses to empty text.
type PDFParser struct{}

func (p *PDFParser) ContentTypes() []string { return []string{"application/pdf"} }

func (p *PDFParser) Parse(ctx context.Context, data []byte) (parsed *Parsed, err error) {
	// The pdf library panics on some malformed files instead of returning
	// an error.
	defer func() {
		if r := recover(); r != nil {
			parsed, err = nil, fault.Errorf(fault.Corruption, "pdf parser panic: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "opening pdf", err)
	}

	totalPages := reader.NumPage()
	var pages []string

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		pages = append(pages, text)
	}

	return &Parsed{
		Text: strings.Join(pages, "\n\n"),
		Metadata: map[string]string{
			"format": "pdf",
			"pages":  fmt.Sprintf("%d", totalPages),
		},
	}, nil
}
