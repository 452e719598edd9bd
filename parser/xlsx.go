package parser

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/bbiangul/ingestor/fault"
)

const mimeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// XLSXParser renders each sheet as a pipe-delimited table under a sheet
// heading, in workbook order.
type XLSXParser struct{}

func (p *XLSXParser) ContentTypes() []string { return []string{mimeXLSX} }

func (p *XLSXParser) Parse(ctx context.Context, data []byte) (*Parsed, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "opening xlsx", err)
	}
	defer f.Close()

	var blocks []string
	totalRows := 0
	sheets := f.GetSheetList()

	for _, sheet := range sheets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		totalRows += len(rows)

		var b strings.Builder
		b.WriteString("Sheet: " + sheet + "\n")
		for _, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		blocks = append(blocks, strings.TrimRight(b.String(), "\n"))
	}

	return &Parsed{
		Text: strings.Join(blocks, "\n\n"),
		Metadata: map[string]string{
			"format": "xlsx",
			"sheets": fmt.Sprintf("%d", len(sheets)),
			"rows":   fmt.Sprintf("%d", totalRows),
		},
	}, nil
}
