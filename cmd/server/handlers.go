package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bbiangul/ingestor"
	"github.com/bbiangul/ingestor/extract"
	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/processor"
	"github.com/bbiangul/ingestor/search"
	"github.com/bbiangul/ingestor/store"
)

type handler struct {
	engine *ingestor.Engine
}

func newHandler(e *ingestor.Engine) *handler {
	return &handler{engine: e}
}

// POST /ingest
// Accepts a multipart file upload, or JSON carrying inline text or a path.
func (h *handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Minute)
	defer cancel()

	// Try multipart upload first.
	if err := r.ParseMultipartForm(100 << 20); err == nil { // 100MB max
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			h.ingestUpload(ctx, w, file, filepath.Base(header.Filename))
			return
		}
	}

	var req struct {
		Text        string            `json:"text"`
		Path        string            `json:"path"`
		ContentType string            `json:"content_type,omitempty"`
		Title       string            `json:"title,omitempty"`
		Source      string            `json:"source,omitempty"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: expected multipart file or JSON with 'text' or 'path'")
		return
	}

	preq := processor.Request{
		ContentType: req.ContentType,
		Title:       req.Title,
		Source:      req.Source,
		Metadata:    req.Metadata,
	}
	switch {
	case req.Text != "":
		preq.Data = []byte(req.Text)
	case req.Path != "":
		abs, err := filepath.Abs(req.Path)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		info, err := os.Stat(abs)
		if err != nil || info.IsDir() {
			writeError(w, http.StatusBadRequest, "path must be an existing file")
			return
		}
		preq.Path = abs
	default:
		writeError(w, http.StatusBadRequest, "text or path is required")
		return
	}

	res, err := h.engine.ProcessContent(ctx, preq)
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ingestUpload spools an uploaded file to disk and runs it through the
// pipeline. The spool is transient; the stored content keeps the upload
// name as its source.
func (h *handler) ingestUpload(ctx context.Context, w http.ResponseWriter, file io.Reader, name string) {
	tmp, err := os.CreateTemp("", "upload-*"+filepath.Ext(name))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to process file")
		slog.Error("creating temp file", "error", err)
		return
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		writeError(w, http.StatusInternalServerError, "failed to save file")
		slog.Error("saving uploaded file", "error", err)
		return
	}
	tmp.Close()

	res, err := h.engine.ProcessContent(ctx, processor.Request{
		Path:   tmpPath,
		Title:  name,
		Source: "upload:" + name,
	})
	if err != nil {
		writeEngineError(w, err, "ingestion failed")
		slog.Error("ingest error", "file", name, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /ingest/batch
// Starts a background job and returns its record immediately.
func (h *handler) handleIngestBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type string `json:"type"`
		ingestor.JobOptions
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required (folder-import, url-crawl, entity-extraction, reprocess, content-analysis)")
		return
	}

	job, err := h.engine.StartJob(r.Context(), req.Type, req.JobOptions)
	if err != nil {
		writeEngineError(w, err, "starting job failed")
		slog.Error("start job error", "type", req.Type, "error", err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// POST /extract
// Ad-hoc extraction without persisting anything.
func (h *handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Minute)
	defer cancel()

	var req struct {
		Text          string   `json:"text"`
		ContentType   string   `json:"content_type,omitempty"`
		EntityTypes   []string `json:"entity_types,omitempty"`
		MinConfidence float64  `json:"min_confidence,omitempty"`
		MaxEntities   int      `json:"max_entities,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	var opts *extract.Options
	if len(req.EntityTypes) > 0 || req.MinConfidence != 0 || req.MaxEntities != 0 {
		opts = &extract.Options{
			EntityTypes:   req.EntityTypes,
			MinConfidence: req.MinConfidence,
			MaxEntities:   req.MaxEntities,
		}
	}

	res, err := h.engine.ExtractEntities(ctx, []byte(req.Text), req.ContentType, opts)
	if err != nil {
		writeEngineError(w, err, "extraction failed")
		slog.Error("extract error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /search?q=
func (h *handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	results, err := h.engine.SearchContent(r.Context(), q, search.Options{
		ContentTypes: r.URL.Query()["type"],
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	})
	if err != nil {
		writeEngineError(w, err, "search failed")
		slog.Error("search error", "query", q, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"query": q, "results": results})
}

// GET /entities
func (h *handler) handleListEntities(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)
	typ := r.URL.Query().Get("type")

	var (
		entities []store.Entity
		err      error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entities, err = h.engine.SearchEntities(r.Context(), q, search.EntityFilter{
			Type: typ, Limit: limit, Offset: offset,
		})
	} else {
		entities, err = h.engine.ListEntities(r.Context(), store.EntityFilter{
			Type: typ, NameLike: r.URL.Query().Get("name"), Limit: limit, Offset: offset,
		})
	}
	if err != nil {
		writeEngineError(w, err, "failed to list entities")
		slog.Error("list entities error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

// GET /entities/{id}
func (h *handler) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	entity, err := h.engine.GetEntity(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load entity")
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

// GET /entities/{id}/related
func (h *handler) handleRelatedEntities(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	related, err := h.engine.GetRelatedEntities(r.Context(), id,
		r.URL.Query().Get("type"), queryInt(r, "depth", 0))
	if err != nil {
		writeEngineError(w, err, "failed to load related entities")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "related": related})
}

// GET /entities/{id}/content
func (h *handler) handleEntityContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	content, err := h.engine.GetEntityContent(r.Context(), id,
		queryInt(r, "limit", 0), queryInt(r, "offset", 0))
	if err != nil {
		writeEngineError(w, err, "failed to load entity content")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity_id": id, "content": content})
}

// GET /content
func (h *handler) handleListContent(w http.ResponseWriter, r *http.Request) {
	content, err := h.engine.ListContent(r.Context(), store.ContentFilter{
		ContentType: r.URL.Query().Get("type"),
		Source:      r.URL.Query().Get("source"),
		Limit:       queryInt(r, "limit", 0),
		Offset:      queryInt(r, "offset", 0),
	})
	if err != nil {
		writeEngineError(w, err, "failed to list content")
		slog.Error("list content error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content})
}

// GET /content/{id}
func (h *handler) handleGetContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	content, err := h.engine.GetContent(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load content")
		return
	}
	if r.URL.Query().Get("chunks") == "" {
		writeJSON(w, http.StatusOK, content)
		return
	}
	chunks, err := h.engine.GetChunks(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load chunks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"content": content, "chunks": chunks})
}

// DELETE /content/{id}
func (h *handler) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.engine.DeleteContent(r.Context(), id); err != nil {
		writeEngineError(w, err, "delete failed")
		slog.Error("delete error", "content_id", id, "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// GET /jobs
func (h *handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.engine.ListJobs(r.Context(), store.JobFilter{
		Status: r.URL.Query().Get("status"),
		Type:   r.URL.Query().Get("type"),
		Limit:  queryInt(r, "limit", 0),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		writeEngineError(w, err, "failed to list jobs")
		slog.Error("list jobs error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// GET /jobs/{id}
func (h *handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.engine.GetJob(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load job")
		return
	}
	if r.URL.Query().Get("items") == "" {
		writeJSON(w, http.StatusOK, job)
		return
	}
	items, err := h.engine.GetJobItems(r.Context(), id, r.URL.Query().Get("status"))
	if err != nil {
		writeEngineError(w, err, "failed to load job items")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job, "items": items})
}

// POST /jobs/{id}/cancel
func (h *handler) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.CancelJob(r.Context(), id); err != nil {
		writeEngineError(w, err, "cancel failed")
		slog.Error("cancel job error", "job_id", id, "error", err)
		return
	}
	job, err := h.engine.GetJob(r.Context(), id)
	if err != nil {
		writeEngineError(w, err, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GET /events
// Server-sent events bridging the batch engine's event stream. The bus
// already drops events for slow subscribers, so a stalled client only
// loses updates, never blocks processing.
func (h *handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	events, unsubscribe := h.engine.Subscribe(16)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				slog.Error("marshaling event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// GET /healthz
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": ingestor.Version,
	})
}

// GET /stats
func (h *handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, err, "failed to load stats")
		slog.Error("stats error", "error", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// writeEngineError maps engine errors to status codes: missing resources to
// 404, rejected input to 400, a closed engine to 503, everything else to
// 500 with the fallback message so internals stay out of responses.
func writeEngineError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, ingestor.ErrContentNotFound),
		errors.Is(err, ingestor.ErrEntityNotFound),
		errors.Is(err, ingestor.ErrJobNotFound),
		errors.Is(err, ingestor.ErrBatchNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ingestor.ErrUnsupportedContentType):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, ingestor.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case fault.IsKind(err, fault.Validation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
