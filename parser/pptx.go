package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bbiangul/ingestor/fault"
)

const mimePPTX = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

// PPTXParser flattens slide text in slide order. Each slide becomes one
// "Slide N" headed block so slide boundaries survive chunking.
type PPTXParser struct{}

func (p *PPTXParser) ContentTypes() []string { return []string{mimePPTX} }

func (p *PPTXParser) Parse(ctx context.Context, data []byte) (*Parsed, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fault.Wrap(fault.Corruption, "opening pptx", err)
	}

	// Slides live at ppt/slides/slide<N>.xml; archive order is not
	// presentation order.
	slides := make(map[int][]byte)
	var nums []int
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "ppt/slides/slide") || !strings.HasSuffix(f.Name, ".xml") {
			continue
		}
		num := slideNumber(f.Name)
		if num <= 0 {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			continue
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			continue
		}
		slides[num] = raw
		nums = append(nums, num)
	}
	sort.Ints(nums)

	var blocks []string
	for _, num := range nums {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := slideText(slides[num])
		if text == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf("Slide %d\n%s", num, text))
	}

	return &Parsed{
		Text: strings.Join(blocks, "\n\n"),
		Metadata: map[string]string{
			"format": "pptx",
			"slides": fmt.Sprintf("%d", len(nums)),
		},
	}, nil
}

// pptxSlide is the minimal drawingml structure needed for text runs.
type pptxSlide struct {
	CSld struct {
		SpTree struct {
			SPs []struct {
				TxBody *struct {
					Paras []struct {
						Runs []struct {
							Text string `xml:"t"`
						} `xml:"r"`
					} `xml:"p"`
				} `xml:"txBody"`
			} `xml:"sp"`
		} `xml:"spTree"`
	} `xml:"cSld"`
}

func slideText(data []byte) string {
	var slide pptxSlide
	if err := xml.Unmarshal(data, &slide); err != nil {
		return ""
	}

	var lines []string
	for _, sp := range slide.CSld.SpTree.SPs {
		if sp.TxBody == nil {
			continue
		}
		for _, para := range sp.TxBody.Paras {
			var line strings.Builder
			for _, run := range para.Runs {
				line.WriteString(run.Text)
			}
			if t := strings.TrimSpace(line.String()); t != "" {
				lines = append(lines, t)
			}
		}
	}
	return strings.Join(lines, "\n")
}

// slideNumber extracts N from "ppt/slides/slideN.xml".
func slideNumber(name string) int {
	name = strings.TrimPrefix(name, "ppt/slides/slide")
	name = strings.TrimSuffix(name, ".xml")
	var num int
	fmt.Sscanf(name, "%d", &num)
	return num
}
