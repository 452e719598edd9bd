// Package jobs manages durable job records: long-running operations that
// survive process restarts. The registry owns the status lifecycle and
// transition rules; per-item progress lives in the store so counters and
// item updates commit together.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/store"
)

// Job types.
const (
	TypeFolderImport     = "folder-import"
	TypeURLCrawl         = "url-crawl"
	TypeEntityExtraction = "entity-extraction"
	TypeReprocess        = "reprocess"
	TypeContentAnalysis  = "content-analysis"
)

// Job statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Item statuses.
const (
	ItemPending    = "pending"
	ItemProcessing = "processing"
	ItemCompleted  = "completed"
	ItemFailed     = "failed"
	ItemSkipped    = "skipped"
)

var jobTypes = map[string]bool{
	TypeFolderImport:     true,
	TypeURLCrawl:         true,
	TypeEntityExtraction: true,
	TypeReprocess:        true,
	TypeContentAnalysis:  true,
}

// KnownType reports whether t is a recognized job type.
func KnownType(t string) bool { return jobTypes[t] }

// transitions lists the legal next statuses for each status. Terminal
// statuses have no successors.
var transitions = map[string][]string{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Registry creates jobs and drives them through their lifecycle.
type Registry struct {
	st  *store.Store
	log *slog.Logger
}

// NewRegistry returns a registry persisting through st.
func NewRegistry(st *store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{st: st, log: log}
}

// Create records a new pending job with a fresh UUID and one pending item
// per input ref. Options is an opaque JSON document stored with the job.
func (r *Registry) Create(ctx context.Context, jobType, options, createdBy string, inputRefs []string) (*store.Job, error) {
	if !KnownType(jobType) {
		return nil, fault.Errorf(fault.Validation, "unknown job type: %q", jobType)
	}
	j := store.Job{
		ID:        uuid.NewString(),
		Type:      jobType,
		Status:    StatusPending,
		Options:   options,
		CreatedBy: createdBy,
	}
	if err := r.st.CreateJob(ctx, j, inputRefs); err != nil {
		return nil, err
	}
	r.log.Info("job created", "job_id", j.ID, "type", jobType, "items", len(inputRefs))
	return r.Get(ctx, j.ID)
}

// Get returns a job by id.
func (r *Registry) Get(ctx context.Context, id string) (*store.Job, error) {
	j, err := r.st.GetJob(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fault.Errorf(fault.NotFound, "job not found: %s", id)
	}
	return j, err
}

// List returns jobs newest first, optionally filtered by status and type.
func (r *Registry) List(ctx context.Context, f store.JobFilter) ([]store.Job, error) {
	return r.st.ListJobs(ctx, f)
}

// Items returns a job's items, optionally filtered by item status.
func (r *Registry) Items(ctx context.Context, jobID, status string) ([]store.JobItem, error) {
	return r.st.ListJobItems(ctx, jobID, status)
}

// AddItems appends pending items to a job that discovers work after
// creation, like a crawl finding links.
func (r *Registry) AddItems(ctx context.Context, jobID string, inputRefs []string) error {
	return r.st.AddJobItems(ctx, jobID, inputRefs)
}

// Start moves a pending job to running.
func (r *Registry) Start(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusRunning)
}

// Complete moves a running job to completed.
func (r *Registry) Complete(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusCompleted)
}

// Fail moves a running job to failed.
func (r *Registry) Fail(ctx context.Context, id string) error {
	return r.transition(ctx, id, StatusFailed)
}

// Cancel moves a pending or running job to cancelled and skips every item
// still waiting to run. In-flight items finish on their own; their results
// are kept.
func (r *Registry) Cancel(ctx context.Context, id string) error {
	if err := r.transition(ctx, id, StatusCancelled); err != nil {
		return err
	}
	skipped, err := r.st.SkipPendingJobItems(ctx, id, "job cancelled")
	if err != nil {
		return err
	}
	r.log.Info("job cancelled", "job_id", id, "skipped_items", skipped)
	return nil
}

// UpdateItem moves one item to a new status; the job's progress counters
// update in the same transaction.
func (r *Registry) UpdateItem(ctx context.Context, itemID int64, status, resultRef, errorMessage string) error {
	switch status {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed, ItemSkipped:
	default:
		return fault.Errorf(fault.Validation, "unknown job item status: %q", status)
	}
	err := r.st.UpdateJobItem(ctx, itemID, status, resultRef, errorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Errorf(fault.NotFound, "job item not found: %d", itemID)
	}
	return err
}

// UpdateProgress rebuilds a job's counters from its item table. Item
// updates maintain the counters on their own; this reconciles after bulk
// item changes made outside the registry.
func (r *Registry) UpdateProgress(ctx context.Context, jobID string) error {
	if _, err := r.Get(ctx, jobID); err != nil {
		return err
	}
	return r.st.RecomputeJobProgress(ctx, jobID)
}

// Resume fails jobs left running by a dead process. Called once at startup.
func (r *Registry) Resume(ctx context.Context) error {
	n, err := r.st.MarkInterruptedJobs(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.log.Warn("failed jobs interrupted by earlier shutdown", "jobs", n)
	}
	return nil
}

// Percentage returns how much of the job has finished, in [0, 100].
// Skipped items count as finished.
func Percentage(p store.JobProgress) float64 {
	if p.Total == 0 {
		return 0
	}
	done := p.Completed + p.Failed + p.Skipped
	return float64(done) / float64(p.Total) * 100
}

func (r *Registry) transition(ctx context.Context, id, to string) error {
	j, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(j.Status, to) {
		return fault.Errorf(fault.Validation, "illegal job transition: %s -> %s", j.Status, to)
	}
	if err := r.st.UpdateJobStatus(ctx, id, to); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fault.Errorf(fault.NotFound, "job not found: %s", id)
		}
		return err
	}
	r.log.Debug("job transition", "job_id", id, "from", j.Status, "to", to)
	return nil
}
