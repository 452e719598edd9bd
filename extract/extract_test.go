package extract

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/llm"
	"github.com/bbiangul/ingestor/parser"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(replies ...string) (*llm.Client, *llm.Mock) {
	mock := llm.NewMock(replies...)
	return llm.NewClient(mock, discardLogger()), mock
}

// failingClient returns a client whose first call dies with a permanent
// provider rejection, so the rule fallbacks engage without retry delays.
func failingClient() (*llm.Client, *llm.Mock) {
	mock := llm.NewMock()
	mock.FailWith(&llm.APIError{Status: 400, Body: "bad request"})
	return llm.NewClient(mock, discardLogger()), mock
}

type stubExtractor struct{ id string }

func (s *stubExtractor) Extract(ctx context.Context, in Input, opts Options) (*Result, error) {
	return &Result{}, nil
}

func (s *stubExtractor) Patterns() []string { return nil }

// ---------------------------------------------------------------------------
// Registry tests
// ---------------------------------------------------------------------------

func TestRegistryLookupPrecedence(t *testing.T) {
	exact := &stubExtractor{id: "exact"}
	wild := &stubExtractor{id: "wild"}
	generic := &stubExtractor{id: "generic"}

	r := NewRegistry(discardLogger())
	r.Register("text/markdown", exact)
	r.Register("text/*", wild)
	r.Register("*/*", generic)

	cases := []struct {
		contentType string
		want        *stubExtractor
	}{
		{"text/markdown", exact},
		{"TEXT/MARKDOWN; charset=utf-8", exact},
		{"text/plain", wild},
		{"application/zip", generic},
		{"", generic},
	}
	for _, tc := range cases {
		got := r.Lookup(tc.contentType)
		if got != tc.want {
			t.Errorf("Lookup(%q) = %v, want %s", tc.contentType, got, tc.want.id)
		}
	}
}

func TestRegistryLookupNothingRegistered(t *testing.T) {
	r := NewRegistry(discardLogger())
	if e := r.Lookup("text/plain"); e != nil {
		t.Fatalf("expected nil extractor, got %v", e)
	}
	_, err := r.Extract(context.Background(), Input{Data: []byte("x"), ContentType: "text/plain"}, Options{})
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("expected Validation fault, got %v", err)
	}
}

func TestDefaultRegistryRouting(t *testing.T) {
	r := NewDefaultRegistry(nil, parser.NewRegistry(), discardLogger())

	cases := []struct {
		contentType string
		want        string
	}{
		{"text/plain", "*extract.TextExtractor"},
		{"text/markdown", "*extract.TextExtractor"},
		{"text/x-go", "*extract.CodeExtractor"},
		{"application/json", "*extract.CodeExtractor"},
		{"application/pdf", "*extract.DocumentExtractor"},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "*extract.DocumentExtractor"},
		{"image/png", "*extract.ImageExtractor"},
		{"video/mp4", "*extract.VideoExtractor"},
		{"application/octet-stream", "*extract.GenericExtractor"},
		{"", "*extract.GenericExtractor"},
	}
	for _, tc := range cases {
		if got := fmt.Sprintf("%T", r.Lookup(tc.contentType)); got != tc.want {
			t.Errorf("Lookup(%q) = %s, want %s", tc.contentType, got, tc.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Text extractor
// ---------------------------------------------------------------------------

func TestTextExtract(t *testing.T) {
	source := "Yesterday john smith shipped the release for acme corp."
	client, mock := newTestClient(llm.EntityReply(
		llm.ExtractedEntity{
			Name: "john smith", Type: "PERSON", Description: "Release engineer",
			Mentions: []llm.ExtractedMention{{Context: "john smith shipped", Position: 10, Relevance: 0.9}},
		},
		llm.ExtractedEntity{
			Name: "  acme   corp ", Type: "organization",
			Mentions: []llm.ExtractedMention{{Context: "for acme corp", Position: 41, Relevance: 0.7}},
		},
	))

	res, err := NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte(source), ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if res.Stats.EntityCount != 2 || len(res.Entities) != 2 {
		t.Fatalf("expected 2 entities, got %d (stats %d)", len(res.Entities), res.Stats.EntityCount)
	}
	if res.Stats.Fallback {
		t.Error("fallback should not engage when the model answers")
	}

	first, second := res.Entities[0], res.Entities[1]
	if first.Name != "John Smith" || first.Type != "person" || first.Confidence != 0.9 {
		t.Errorf("entity 0 = %+v, want John Smith person 0.9", first)
	}
	if first.Description != "Release engineer" {
		t.Errorf("description = %q", first.Description)
	}
	if second.Name != "acme corp" || second.Type != "organization" || second.Confidence != 0.7 {
		t.Errorf("entity 1 = %+v, want acme corp organization 0.7", second)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(calls))
	}
	if calls[0].Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", calls[0].Messages[0].Role)
	}
}

func TestTextExtractEmptyInput(t *testing.T) {
	client, _ := newTestClient()
	x := NewTextExtractor(client, discardLogger())

	for _, in := range []Input{
		{ContentType: "text/plain"},
		{Data: []byte{}, ContentType: "text/plain"},
	} {
		_, err := x.Extract(context.Background(), in, Options{})
		if !fault.IsKind(err, fault.Validation) {
			t.Errorf("Extract(%+v): expected Validation fault, got %v", in, err)
		}
	}
}

func TestTextExtractReadsPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("Grace Hopper visited."), 0o644); err != nil {
		t.Fatal(err)
	}

	client, _ := newTestClient(llm.EntityReply(llm.ExtractedEntity{
		Name: "Grace Hopper", Type: "person",
		Mentions: []llm.ExtractedMention{{Context: "Grace Hopper visited", Relevance: 0.8}},
	}))
	res, err := NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Path: path, ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "Grace Hopper" {
		t.Fatalf("entities = %+v", res.Entities)
	}

	_, err = NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Path: filepath.Join(dir, "absent.txt")}, Options{})
	if !fault.IsKind(err, fault.NotFound) {
		t.Errorf("expected NotFound fault for missing file, got %v", err)
	}
}

func TestTextFallbackOnModelError(t *testing.T) {
	source := "Jane Doe met with Acme Corp on 03/05/2026 to review the contract."
	client, mock := failingClient()

	res, err := NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte(source), ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stats.Fallback {
		t.Error("expected fallback stats flag")
	}
	if got := mock.CallCount(); got != 1 {
		t.Errorf("permanent provider error should not retry, got %d calls", got)
	}

	want := []struct {
		name, typ string
		conf      float64
	}{
		{"2026-03-05", "date", 0.8},
		{"Acme Corp", "organization", 0.7},
		{"Jane Doe", "person", 0.6},
	}
	if len(res.Entities) != len(want) {
		t.Fatalf("entities = %+v, want %d", res.Entities, len(want))
	}
	for i, w := range want {
		e := res.Entities[i]
		if e.Name != w.name || e.Type != w.typ || e.Confidence != w.conf {
			t.Errorf("entity %d = %s/%s/%.2f, want %s/%s/%.2f",
				i, e.Name, e.Type, e.Confidence, w.name, w.typ, w.conf)
		}
		if len(e.Mentions) != 1 || e.Mentions[0].Relevance != w.conf {
			t.Errorf("entity %d mentions = %+v", i, e.Mentions)
		}
	}
}

func TestTextFallbackOnEmptyModelResult(t *testing.T) {
	client, _ := newTestClient(`{"entities": []}`)
	res, err := NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte("Niklaus Wirth wrote compilers."), ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stats.Fallback {
		t.Error("expected fallback after empty model result")
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "Niklaus Wirth" || res.Entities[0].Type != "person" {
		t.Fatalf("entities = %+v", res.Entities)
	}
}

func TestTextMissingCredentialsFallsBack(t *testing.T) {
	// A hosted provider without a key constructs but refuses calls; the rule
	// sweep keeps extraction functional offline.
	client, err := llm.NewClientFromConfig(llm.Config{Provider: "openai", Model: "gpt-4o-mini"}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	res, err := NewTextExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte("Ada Lovelace wrote programs."), ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stats.Fallback || len(res.Entities) != 1 || res.Entities[0].Name != "Ada Lovelace" {
		t.Fatalf("fallback=%v entities=%+v", res.Stats.Fallback, res.Entities)
	}
}

// ---------------------------------------------------------------------------
// Code extractor
// ---------------------------------------------------------------------------

func TestCodeExtractFallback(t *testing.T) {
	src := `import express from 'express';
const MAX_RETRIES = 3;
class Router {}
function handle(req) {}
`
	client, _ := failingClient()
	res, err := NewCodeExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte(src), ContentType: "text/javascript"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stats.Fallback {
		t.Error("expected fallback stats flag")
	}

	want := []string{"Router", "handle", "MAX_RETRIES", "express"}
	if len(res.Entities) != len(want) {
		t.Fatalf("entities = %+v, want %d", res.Entities, len(want))
	}
	for i, name := range want {
		e := res.Entities[i]
		if e.Name != name || e.Type != "technology" || e.Confidence != 0.6 {
			t.Errorf("entity %d = %s/%s/%.2f, want %s/technology/0.60", i, e.Name, e.Type, e.Confidence, name)
		}
	}
}

func TestCodeLanguageHintReachesPrompt(t *testing.T) {
	client, mock := newTestClient(llm.EntityReply())
	_, err := NewCodeExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte("def f(self): pass"), Path: "model.py", ContentType: "text/x-python"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 model call, got %d", len(calls))
	}
	user := calls[0].Messages[1].Content
	if !strings.Contains(user, "python") {
		t.Errorf("language hint missing from prompt: %q", user)
	}
	if !strings.Contains(user, "source code") {
		t.Errorf("code template not selected: %q", user)
	}
}

// ---------------------------------------------------------------------------
// Document extractor
// ---------------------------------------------------------------------------

const mimeWordDocument = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func buildTestDOCX(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	doc := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		body + `</w:body></w:document>`
	if _, err := f.Write([]byte(doc)); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDocumentExtract(t *testing.T) {
	docx := buildTestDOCX(t, "<w:p><w:r><w:t>Margaret Hamilton led the software team.</w:t></w:r></w:p>")
	client, mock := newTestClient(llm.EntityReply(llm.ExtractedEntity{
		Name: "margaret hamilton", Type: "person",
		Mentions: []llm.ExtractedMention{{Context: "Margaret Hamilton led", Relevance: 0.9}},
	}))

	x := NewDocumentExtractor(client, parser.NewRegistry(), discardLogger())
	res, err := x.Extract(context.Background(), Input{Data: docx, ContentType: mimeWordDocument}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Entities) != 1 || res.Entities[0].Name != "Margaret Hamilton" {
		t.Fatalf("entities = %+v", res.Entities)
	}
	if res.Metadata["paragraphs"] != "1" {
		t.Errorf("metadata = %v, want paragraphs 1", res.Metadata)
	}
	user := mock.Calls()[0].Messages[1].Content
	if !strings.Contains(user, "extracted from a PDF") {
		t.Errorf("document template not selected: %q", user)
	}
}

func TestDocumentExtractEmptyBody(t *testing.T) {
	docx := buildTestDOCX(t, "")
	client, mock := newTestClient(llm.EntityReply())

	x := NewDocumentExtractor(client, parser.NewRegistry(), discardLogger())
	res, err := x.Extract(context.Background(), Input{Data: docx, ContentType: mimeWordDocument}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("entities = %+v, want none", res.Entities)
	}
	if mock.CallCount() != 0 {
		t.Error("empty document should not reach the model")
	}
	if res.Metadata["paragraphs"] != "0" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestDocumentExtractUnparseableType(t *testing.T) {
	client, _ := newTestClient()
	x := NewDocumentExtractor(client, parser.NewRegistry(), discardLogger())
	_, err := x.Extract(context.Background(), Input{Data: []byte("x"), ContentType: "application/msword"}, Options{})
	if !fault.IsKind(err, fault.Validation) {
		t.Errorf("expected Validation fault, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Image extractor
// ---------------------------------------------------------------------------

func testPNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 1))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestImageExtract(t *testing.T) {
	client, mock := newTestClient(llm.EntityReply(llm.ExtractedEntity{
		Name: "acme", Type: "organization", Description: "Logo on the crate",
		Mentions: []llm.ExtractedMention{{Context: "logo on a crate", Position: 99, Relevance: 0.8}},
	}))

	res, err := NewImageExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: testPNG(t), ContentType: "image/png"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Entities) != 1 {
		t.Fatalf("entities = %+v", res.Entities)
	}
	e := res.Entities[0]
	if e.Name != "acme" || e.Type != "organization" || e.Confidence != 0.8 {
		t.Errorf("entity = %+v", e)
	}
	// No source text: context survives unchecked, position pins to zero.
	if len(e.Mentions) != 1 || e.Mentions[0].Position != 0 {
		t.Errorf("mentions = %+v", e.Mentions)
	}

	if res.Metadata["width"] != "2" || res.Metadata["height"] != "1" || res.Metadata["format"] != "png" {
		t.Errorf("metadata = %v", res.Metadata)
	}

	vcalls := mock.VisionCalls()
	if len(vcalls) != 1 {
		t.Fatalf("expected 1 vision call, got %d", len(vcalls))
	}
	url := vcalls[0].Messages[1].Content[1].ImageURL.URL
	if !strings.HasPrefix(url, "data:image/png;base64,") {
		t.Errorf("image url = %.40q", url)
	}
}

type chatOnlyProvider struct{}

func (chatOnlyProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Content: "{}"}, nil
}

func TestImageExtractWithoutVision(t *testing.T) {
	client := llm.NewClient(chatOnlyProvider{}, discardLogger())
	res, err := NewImageExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: testPNG(t), ContentType: "image/png"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("entities = %+v, want none", res.Entities)
	}
	if res.Metadata["width"] != "2" {
		t.Errorf("metadata should still carry dimensions: %v", res.Metadata)
	}
}

func TestImageExtractNilClient(t *testing.T) {
	res, err := NewImageExtractor(nil, discardLogger()).
		Extract(context.Background(), Input{Data: testPNG(t), ContentType: "image/png"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 || res.Metadata["format"] != "png" {
		t.Errorf("result = %+v", res)
	}
}

// ---------------------------------------------------------------------------
// Video extractor
// ---------------------------------------------------------------------------

func videoBox(typ string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out, uint32(8+len(payload)))
	copy(out[4:8], typ)
	copy(out[8:], payload)
	return out
}

func videoTag(key, value string) []byte {
	data := make([]byte, 8+len(value))
	binary.BigEndian.PutUint32(data, 1)
	copy(data[8:], value)
	return videoBox(key, videoBox("data", data))
}

func buildTaggedMP4() []byte {
	mvhd := make([]byte, 100)
	binary.BigEndian.PutUint32(mvhd[12:], 1000)
	binary.BigEndian.PutUint32(mvhd[16:], 63000)

	ilst := append(videoTag("\xa9nam", "Launch Day"), videoTag("\xa9ART", "Ada Lovelace")...)
	meta := append(make([]byte, 4), videoBox("ilst", ilst)...)
	udta := videoBox("udta", videoBox("meta", meta))

	moov := append(videoBox("mvhd", mvhd), udta...)
	return videoBox("moov", moov)
}

func TestVideoExtract(t *testing.T) {
	x := NewVideoExtractor(parser.NewRegistry(), discardLogger())
	res, err := x.Extract(context.Background(), Input{Data: buildTaggedMP4(), ContentType: "video/mp4"}, Options{})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"Launch Day", "Ada Lovelace"}
	if len(res.Entities) != len(want) {
		t.Fatalf("entities = %+v, want %d", res.Entities, len(want))
	}
	for i, name := range want {
		e := res.Entities[i]
		if e.Name != name || e.Type != "other" || e.Confidence != 0.8 {
			t.Errorf("entity %d = %+v, want %s/other/0.8", i, e, name)
		}
	}
	if res.Metadata["duration_seconds"] != "63.00" || res.Metadata["title"] != "Launch Day" {
		t.Errorf("metadata = %v", res.Metadata)
	}
}

func TestVideoExtractUnknownContainer(t *testing.T) {
	x := NewVideoExtractor(parser.NewRegistry(), discardLogger())
	res, err := x.Extract(context.Background(), Input{Data: []byte("not boxes"), ContentType: "video/webm"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("entities = %+v, want none", res.Entities)
	}
}

func TestVideoExtractCorrupt(t *testing.T) {
	x := NewVideoExtractor(parser.NewRegistry(), discardLogger())
	_, err := x.Extract(context.Background(), Input{Data: []byte("garbage, not iso-bmff"), ContentType: "video/mp4"}, Options{})
	if !fault.IsKind(err, fault.Corruption) {
		t.Errorf("expected Corruption fault, got %v", err)
	}
}

// ---------------------------------------------------------------------------
// Generic extractor
// ---------------------------------------------------------------------------

func TestGenericExtractBinary(t *testing.T) {
	client, mock := newTestClient()
	res, err := NewGenericExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte{0x7f, 'E', 'L', 'F', 0, 0, 1}, ContentType: "application/octet-stream"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 0 {
		t.Errorf("entities = %+v, want none", res.Entities)
	}
	if mock.CallCount() != 0 {
		t.Error("binary payload should not reach the model")
	}
}

func TestGenericExtractTextual(t *testing.T) {
	client, _ := failingClient()
	res, err := NewGenericExtractor(client, discardLogger()).
		Extract(context.Background(), Input{Data: []byte("Meeting with Grace Hopper on 2026-03-05."), ContentType: "application/octet-stream"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Stats.Fallback {
		t.Error("expected fallback stats flag")
	}
	want := []string{"2026-03-05", "Grace Hopper"}
	if len(res.Entities) != len(want) {
		t.Fatalf("entities = %+v", res.Entities)
	}
	for i, name := range want {
		if res.Entities[i].Name != name {
			t.Errorf("entity %d = %q, want %q", i, res.Entities[i].Name, name)
		}
	}
}

func TestRegistryExtractEndToEnd(t *testing.T) {
	client, _ := failingClient()
	r := NewDefaultRegistry(client, parser.NewRegistry(), discardLogger())

	res, err := r.Extract(context.Background(),
		Input{Data: []byte("Alan Turing founded the field."), ContentType: "text/plain"}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entities) != 1 || res.Entities[0].Name != "Alan Turing" {
		t.Fatalf("entities = %+v", res.Entities)
	}
}
