package ingestor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bbiangul/ingestor/batch"
	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/graph"
	"github.com/bbiangul/ingestor/jobs"
	"github.com/bbiangul/ingestor/processor"
	"github.com/bbiangul/ingestor/store"
)

const (
	// maxFetchSize caps one crawled page.
	maxFetchSize = 10 << 20
	// defaultMaxFileSize is the folder-import skip threshold.
	defaultMaxFileSize = 100 << 20

	defaultMinShared       = 2
	analysisTopEntities    = 20
	analysisMaxCommunities = 20
)

// JobOptions parameterizes RunJob. Fields apply per job type; unused fields
// are ignored.
type JobOptions struct {
	// Folder is the directory a folder-import walks.
	Folder string `json:"folder,omitempty"`
	// Recursive descends into subdirectories during folder import.
	Recursive bool `json:"recursive,omitempty"`
	// MaxFileSize skips larger files during folder import. Zero means
	// 100 MiB.
	MaxFileSize int64 `json:"maxFileSize,omitempty"`
	// URLs are the pages a url-crawl fetches.
	URLs []string `json:"urls,omitempty"`
	// ContentIDs scope entity-extraction and reprocess jobs. Empty means
	// every stored content row.
	ContentIDs []int64 `json:"contentIds,omitempty"`
	// MinShared is the contents-in-common floor for content-analysis
	// communities. Zero means 2.
	MinShared int `json:"minShared,omitempty"`
	// CreatedBy labels who started the job.
	CreatedBy string `json:"createdBy,omitempty"`
}

func (o JobOptions) maxFileSize() int64 {
	if o.MaxFileSize <= 0 {
		return defaultMaxFileSize
	}
	return o.MaxFileSize
}

func (o JobOptions) minShared() int {
	if o.MinShared <= 0 {
		return defaultMinShared
	}
	return o.MinShared
}

// RunJob creates a durable job of the given type and executes it to
// completion, returning the finished job row. The error reports a run that
// aborted; per-item failures are recorded on the job's items instead.
func (e *Engine) RunJob(ctx context.Context, jobType string, opts JobOptions) (*store.Job, error) {
	job, err := e.prepareJob(ctx, jobType, opts)
	if err != nil {
		return nil, err
	}
	return e.executeJob(ctx, job, opts)
}

// StartJob creates a job and executes it in the background, detached from
// the caller's cancellation. The returned row is the freshly created job;
// poll GetJob for progress and use CancelJob to stop it.
func (e *Engine) StartJob(ctx context.Context, jobType string, opts JobOptions) (*store.Job, error) {
	job, err := e.prepareJob(ctx, jobType, opts)
	if err != nil {
		return nil, err
	}
	go func() {
		if _, err := e.executeJob(context.WithoutCancel(ctx), job, opts); err != nil {
			e.log.Warn("background job failed", "job_id", job.ID, "job_type", jobType, "error", err)
		}
	}()
	return job, nil
}

// CancelJob stops a job: a run owned by this process is interrupted, a
// pending record is cancelled directly.
func (e *Engine) CancelJob(ctx context.Context, jobID string) error {
	if err := e.guard(); err != nil {
		return err
	}
	e.jobMu.Lock()
	cancel, running := e.jobRuns[jobID]
	e.jobMu.Unlock()
	if running {
		cancel()
		return nil
	}
	if err := e.jobs.Cancel(ctx, jobID); err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return err
	}
	return nil
}

// GetJob returns one job with its progress counters.
func (e *Engine) GetJob(ctx context.Context, jobID string) (*store.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		if fault.IsKind(err, fault.NotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}
	return j, nil
}

// ListJobs pages through jobs, newest first.
func (e *Engine) ListJobs(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.jobs.List(ctx, f)
}

// GetJobItems returns a job's items, optionally filtered by item status.
func (e *Engine) GetJobItems(ctx context.Context, jobID, status string) ([]store.JobItem, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.jobs.Items(ctx, jobID, status)
}

// prepareJob resolves the job's inputs and records the pending job with one
// item per input.
func (e *Engine) prepareJob(ctx context.Context, jobType string, opts JobOptions) (*store.Job, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	refs, err := e.jobInputs(ctx, jobType, opts)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(opts)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "encoding job options", err)
	}
	return e.jobs.Create(ctx, jobType, string(encoded), opts.CreatedBy, refs)
}

// executeJob drives a prepared job to a terminal status. The run context is
// registered for CancelJob; finalization uses a detached context so a
// cancelled job still records its outcome.
func (e *Engine) executeJob(ctx context.Context, job *store.Job, opts JobOptions) (*store.Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	e.jobMu.Lock()
	e.jobRuns[job.ID] = cancel
	e.jobMu.Unlock()
	defer func() {
		cancel()
		e.jobMu.Lock()
		delete(e.jobRuns, job.ID)
		e.jobMu.Unlock()
	}()

	if err := e.jobs.Start(ctx, job.ID); err != nil {
		return nil, err
	}
	start := time.Now()
	e.log.Info("job running", "job_id", job.ID, "job_type", job.Type, "items", job.Progress.Total)

	var runErr error
	switch job.Type {
	case jobs.TypeFolderImport, jobs.TypeURLCrawl:
		runErr = e.runImportJob(runCtx, job.ID, job.Type, opts)
	case jobs.TypeEntityExtraction:
		runErr = e.runContentJob(runCtx, job.ID, e.proc.ExtractStored)
	case jobs.TypeReprocess:
		runErr = e.runContentJob(runCtx, job.ID, func(ctx context.Context, id int64) (*processor.Result, error) {
			return e.proc.Reprocess(ctx, id, processor.Request{})
		})
	case jobs.TypeContentAnalysis:
		runErr = e.runAnalysisJob(runCtx, job.ID, opts)
	}

	done := context.WithoutCancel(ctx)
	elapsed := time.Since(start).Round(time.Millisecond)
	switch {
	case runCtx.Err() != nil:
		if err := e.jobs.Cancel(done, job.ID); err != nil {
			e.log.Warn("finalizing cancelled job", "job_id", job.ID, "error", err)
		}
		runErr = nil
	case runErr != nil:
		if _, err := e.store.SkipPendingJobItems(done, job.ID, "job failed"); err != nil {
			e.log.Warn("skipping leftover job items", "job_id", job.ID, "error", err)
		}
		if err := e.jobs.Fail(done, job.ID); err != nil {
			e.log.Warn("finalizing failed job", "job_id", job.ID, "error", err)
		}
		e.log.Warn("job failed", "job_id", job.ID, "elapsed", elapsed, "error", runErr)
	default:
		if err := e.jobs.Complete(done, job.ID); err != nil {
			e.log.Warn("finalizing job", "job_id", job.ID, "error", err)
		}
		e.log.Info("job finished", "job_id", job.ID, "job_type", job.Type, "elapsed", elapsed)
	}

	final, err := e.jobs.Get(done, job.ID)
	if err != nil {
		return nil, err
	}
	return final, runErr
}

// jobInputs resolves what a job will work on, one ref per item.
func (e *Engine) jobInputs(ctx context.Context, jobType string, opts JobOptions) ([]string, error) {
	switch jobType {
	case jobs.TypeFolderImport:
		if opts.Folder == "" {
			return nil, fault.New(fault.Validation, "folder-import requires a folder")
		}
		return collectFiles(opts.Folder, opts.Recursive, opts.maxFileSize())
	case jobs.TypeURLCrawl:
		if len(opts.URLs) == 0 {
			return nil, fault.New(fault.Validation, "url-crawl requires at least one url")
		}
		for _, u := range opts.URLs {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				return nil, fault.Errorf(fault.Validation, "unsupported url: %s", u)
			}
		}
		return opts.URLs, nil
	case jobs.TypeEntityExtraction, jobs.TypeReprocess:
		if len(opts.ContentIDs) > 0 {
			refs := make([]string, len(opts.ContentIDs))
			for i, id := range opts.ContentIDs {
				refs[i] = strconv.FormatInt(id, 10)
			}
			return refs, nil
		}
		return e.allContentIDs(ctx)
	case jobs.TypeContentAnalysis:
		return []string{"analysis"}, nil
	}
	return nil, fault.Errorf(fault.Validation, "unknown job type: %q", jobType)
}

// runImportJob feeds a folder-import or url-crawl job through the batch
// engine, mirroring every item outcome onto the job as it is recorded.
func (e *Engine) runImportJob(ctx context.Context, jobID, jobType string, opts JobOptions) error {
	pending, err := e.jobs.Items(ctx, jobID, jobs.ItemPending)
	if err != nil {
		return err
	}
	done := context.WithoutCancel(ctx)

	var items []batch.Item
	if jobType == jobs.TypeURLCrawl {
		spool, err := os.MkdirTemp(e.cfg.TmpDir(), "crawl-")
		if err != nil {
			return fault.Wrap(fault.Fatal, "creating spool directory", err)
		}
		defer os.RemoveAll(spool)

		client := &http.Client{Timeout: 30 * time.Second}
		for i, it := range pending {
			if ctx.Err() != nil {
				break
			}
			req, err := fetchURL(ctx, client, it.InputRef, spool, i)
			if err != nil {
				e.markItem(done, it.ID, jobs.ItemFailed, "", err.Error())
				continue
			}
			items = append(items, batch.Item{ID: strconv.FormatInt(it.ID, 10), Request: req})
		}
		// Spooled pages are processed before the deferred cleanup, inside
		// this batch.
		return e.importBatch(ctx, jobID, items)
	}

	for _, it := range pending {
		items = append(items, batch.Item{
			ID:      strconv.FormatInt(it.ID, 10),
			Request: processor.Request{Path: it.InputRef},
		})
	}
	return e.importBatch(ctx, jobID, items)
}

func (e *Engine) importBatch(ctx context.Context, jobID string, items []batch.Item) error {
	if len(items) == 0 {
		return nil
	}
	done := context.WithoutCancel(ctx)

	bo := e.BatchOptions()
	bo.BatchID = jobID
	bo.OnItem = func(ir batch.ItemResult) {
		itemID, err := strconv.ParseInt(ir.ID, 10, 64)
		if err != nil {
			return
		}
		status, resultRef, errMsg := itemOutcome(ir)
		if err := e.jobs.UpdateItem(done, itemID, status, resultRef, errMsg); err != nil {
			e.log.Warn("mirroring batch item onto job", "job_id", jobID, "item", itemID, "error", err)
		}
	}

	res, err := e.batches.Process(ctx, items, bo)
	if res != nil && res.Successful > 0 {
		e.invalidateSearch(done)
	}
	if err != nil {
		return err
	}
	if res.Status == batch.StatusFailed {
		return fault.Errorf(fault.Fatal, "batch stopped after %d failed of %d items", res.Failed, res.Processed)
	}
	return nil
}

// itemOutcome maps a batch item result onto a job item update.
func itemOutcome(ir batch.ItemResult) (status, resultRef, errMsg string) {
	switch ir.Status {
	case batch.StatusCompleted:
		ref := ""
		if ir.Result != nil {
			if b, err := json.Marshal(ir.Result); err == nil {
				ref = string(b)
			}
		}
		return jobs.ItemCompleted, ref, ""
	case batch.StatusCancelled:
		return jobs.ItemSkipped, "", "batch cancelled"
	default:
		return jobs.ItemFailed, "", ir.Error
	}
}

// runContentJob drives per-content jobs: every item names a stored content
// row that run processes.
func (e *Engine) runContentJob(ctx context.Context, jobID string, run func(context.Context, int64) (*processor.Result, error)) error {
	pending, err := e.jobs.Items(ctx, jobID, jobs.ItemPending)
	if err != nil {
		return err
	}
	done := context.WithoutCancel(ctx)
	changed := false
	for _, it := range pending {
		if ctx.Err() != nil {
			break
		}
		contentID, err := strconv.ParseInt(it.InputRef, 10, 64)
		if err != nil {
			e.markItem(done, it.ID, jobs.ItemFailed, "", "bad content id: "+it.InputRef)
			continue
		}
		e.markItem(done, it.ID, jobs.ItemProcessing, "", "")
		res, err := run(ctx, contentID)
		switch {
		case err != nil && ctx.Err() != nil:
			e.markItem(done, it.ID, jobs.ItemSkipped, "", "job cancelled")
		case err != nil:
			e.markItem(done, it.ID, jobs.ItemFailed, "", err.Error())
			if !e.cfg.Batch.ContinueOnError {
				return fault.Wrap(fault.Fatal, "stopping after item failure", err)
			}
		default:
			ref := ""
			if b, jerr := json.Marshal(res); jerr == nil {
				ref = string(b)
			}
			e.markItem(done, it.ID, jobs.ItemCompleted, ref, "")
			changed = true
		}
	}
	if changed {
		e.invalidateSearch(done)
	}
	return nil
}

// Analysis is the content-analysis job report, stored as the job item's
// result ref.
type Analysis struct {
	GeneratedAt time.Time          `json:"generatedAt"`
	DB          store.DBStats      `json:"db"`
	EntityTypes map[string]int     `json:"entityTypes"`
	TopEntities []store.EntityRank `json:"topEntities"`
	Communities []CommunityReport  `json:"communities,omitempty"`
}

// CommunityReport summarizes one co-occurrence community by its member
// entity names.
type CommunityReport struct {
	Size     int      `json:"size"`
	Entities []string `json:"entities"`
}

func (e *Engine) runAnalysisJob(ctx context.Context, jobID string, opts JobOptions) error {
	pending, err := e.jobs.Items(ctx, jobID, jobs.ItemPending)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}
	it := pending[0]
	done := context.WithoutCancel(ctx)
	e.markItem(done, it.ID, jobs.ItemProcessing, "", "")

	report, err := e.analyze(ctx, opts.minShared())
	if err != nil {
		if ctx.Err() != nil {
			e.markItem(done, it.ID, jobs.ItemSkipped, "", "job cancelled")
			return nil
		}
		e.markItem(done, it.ID, jobs.ItemFailed, "", err.Error())
		return err
	}
	b, err := json.Marshal(report)
	if err != nil {
		e.markItem(done, it.ID, jobs.ItemFailed, "", err.Error())
		return err
	}
	e.markItem(done, it.ID, jobs.ItemCompleted, string(b), "")
	return nil
}

// analyze aggregates the corpus-wide entity picture: per-type counts, the
// most mentioned entities, and co-occurrence communities.
func (e *Engine) analyze(ctx context.Context, minShared int) (*Analysis, error) {
	db, err := e.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := e.store.EntityTypeCounts(ctx)
	if err != nil {
		return nil, err
	}
	top, err := e.store.TopEntities(ctx, "", analysisTopEntities)
	if err != nil {
		return nil, err
	}
	comms, err := graph.Communities(ctx, e.store, minShared)
	if err != nil {
		return nil, err
	}

	report := &Analysis{
		GeneratedAt: time.Now().UTC(),
		DB:          *db,
		EntityTypes: counts,
		TopEntities: top,
	}
	for i, c := range comms {
		if i == analysisMaxCommunities {
			break
		}
		names := make([]string, 0, len(c.Entities))
		for _, ent := range c.Entities {
			names = append(names, ent.Name)
		}
		report.Communities = append(report.Communities, CommunityReport{Size: c.Size, Entities: names})
	}
	return report, nil
}

func (e *Engine) markItem(ctx context.Context, itemID int64, status, resultRef, errMsg string) {
	if err := e.jobs.UpdateItem(ctx, itemID, status, resultRef, errMsg); err != nil {
		e.log.Warn("updating job item", "item", itemID, "error", err)
	}
}

func (e *Engine) allContentIDs(ctx context.Context) ([]string, error) {
	rows, err := e.store.Query(ctx, "SELECT id FROM content ORDER BY id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		refs = append(refs, strconv.FormatInt(id, 10))
	}
	return refs, rows.Err()
}

// collectFiles walks root gathering importable files. Hidden entries and
// files over maxSize are skipped; subdirectories are skipped unless
// recursive is set.
func collectFiles(root string, recursive bool, maxSize int64) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "resolving folder", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, "reading folder", err)
	}
	if !info.IsDir() {
		return nil, fault.Errorf(fault.Validation, "not a directory: %s", abs)
	}

	var files []string
	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != abs {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if !recursive && path != abs {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if fi.Size() > maxSize {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "walking folder", err)
	}
	if len(files) == 0 {
		return nil, fault.Errorf(fault.Validation, "no importable files under %s", abs)
	}
	return files, nil
}

// fetchURL downloads one page into the spool directory and describes it as
// a processing request. Responses over maxFetchSize are rejected.
func fetchURL(ctx context.Context, client *http.Client, rawURL, dir string, n int) (processor.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return processor.Request{}, fault.Wrap(fault.Validation, "building request", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return processor.Request{}, fault.Wrap(fault.Upstream, "fetching url", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return processor.Request{}, fault.Errorf(fault.Upstream, "fetching %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return processor.Request{}, fault.Wrap(fault.Upstream, "reading response", err)
	}
	if len(data) > maxFetchSize {
		return processor.Request{}, fault.Errorf(fault.Validation, "%s: response exceeds %d bytes", rawURL, maxFetchSize)
	}

	ct := resp.Header.Get("Content-Type")
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}

	path := filepath.Join(dir, fmt.Sprintf("page-%03d", n))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return processor.Request{}, fault.Wrap(fault.Fatal, "spooling response", err)
	}
	return processor.Request{Path: path, Source: rawURL, ContentType: ct, Title: rawURL}, nil
}
