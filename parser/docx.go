package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/bbiangul/ingestor/fault"
)

const mimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// DOCXParser flattens word/document.xml into plain text: one paragraph per
// blank-line separated block, tables rendered as pipe-delimited rows.
type DOCXParser struct{}

func (p *DOCXParser) ContentTypes() []string { return []string{mimeDOCX} }

func (p *DOCXParser) Parse(ctx context.Context, data []byte) (*Parsed, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "opening docx", err)
	}

	docXML, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "reading docx document", err)
	}

	var doc docxDocument
	if err := xml.Unmarshal(docXML, &doc); err != nil {
		return nil, fault.Wrap(fault.Corruption, "parsing docx xml", err)
	}

	var blocks []string
	for _, para := range doc.Body.Paras {
		if text := paraText(para); text != "" {
			blocks = append(blocks, text)
		}
	}
	for _, tbl := range doc.Body.Tables {
		if text := tableText(tbl); text != "" {
			blocks = append(blocks, text)
		}
	}

	return &Parsed{
		Text: strings.Join(blocks, "\n\n"),
		Metadata: map[string]string{
			"format":     "docx",
			"paragraphs": fmt.Sprintf("%d", len(doc.Body.Paras)),
			"tables":     fmt.Sprintf("%d", len(doc.Body.Tables)),
		},
	}, nil
}

// readZipFile returns the contents of one archive member.
func readZipFile(zr *zip.Reader, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// Simplified OOXML structures; element matching is by local name so the
// wordprocessingml namespace prefix is irrelevant.
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	Paras  []docxPara  `xml:"p"`
	Tables []docxTable `xml:"tbl"`
}

type docxPara struct {
	Runs []docxRun `xml:"r"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func paraText(p docxPara) string {
	var b strings.Builder
	for _, run := range p.Runs {
		for _, t := range run.Text {
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

func tableText(tbl docxTable) string {
	var b strings.Builder
	for _, row := range tbl.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, cell := range row.Cells {
			var cellText strings.Builder
			for _, p := range cell.Paras {
				if t := paraText(p); t != "" {
					if cellText.Len() > 0 {
						cellText.WriteString(" ")
					}
					cellText.WriteString(t)
				}
			}
			cells = append(cells, cellText.String())
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
