//go:build cgo

package jobs

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	opts := store.DefaultOptions()
	opts.CacheAutoPrune = false
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(filepath.Join(t.TempDir(), "jobs.db"), opts)
	if err != nil {
		t.Fatalf("creating store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewRegistry(st, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateAssignsUUIDAndPendingStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeFolderImport, `{"path":"/docs"}`, "tester", []string{"a.txt", "b.txt"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if j.ID == "" {
		t.Error("job id not assigned")
	}
	if j.Status != StatusPending {
		t.Errorf("status = %q, want pending", j.Status)
	}
	if j.Progress.Total != 2 || j.Progress.Pending != 2 {
		t.Errorf("progress = %+v, want total=2 pending=2", j.Progress)
	}
	if j.Options != `{"path":"/docs"}` || j.CreatedBy != "tester" {
		t.Errorf("options/createdBy = %q / %q", j.Options, j.CreatedBy)
	}
}

func TestCreateRejectsUnknownType(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(context.Background(), "mystery-job", "", "", nil)
	if !fault.IsKind(err, fault.Validation) {
		t.Fatalf("err = %v, want Validation", err)
	}
}

// -----------------------------------------------------------------------
// Transition matrix
// -----------------------------------------------------------------------

func TestLifecycleHappyPath(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeReprocess, "", "", []string{"content:1"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := r.Start(ctx, j.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	got, err := r.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusRunning || got.StartedAt == "" {
		t.Errorf("after Start: status=%q started_at=%q", got.Status, got.StartedAt)
	}

	if err := r.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err = r.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCompleted || got.FinishedAt == "" {
		t.Errorf("after Complete: status=%q finished_at=%q", got.Status, got.FinishedAt)
	}
}

func TestIllegalTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		move func(id string) error
	}{
		{"pending to completed", func(id string) error { return r.Complete(ctx, id) }},
		{"pending to failed", func(id string) error { return r.Fail(ctx, id) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := r.Create(ctx, TypeFolderImport, "", "", nil)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := tt.move(j.ID); !fault.IsKind(err, fault.Validation) {
				t.Errorf("err = %v, want Validation", err)
			}
		})
	}
}

func TestTerminalStatusesAreFinal(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeFolderImport, "", "", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(ctx, j.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Complete(ctx, j.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := r.Start(ctx, j.ID); !fault.IsKind(err, fault.Validation) {
		t.Errorf("restart of completed job: err = %v, want Validation", err)
	}
	if err := r.Cancel(ctx, j.ID); !fault.IsKind(err, fault.Validation) {
		t.Errorf("cancel of completed job: err = %v, want Validation", err)
	}
}

func TestCancelPendingShortcut(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeURLCrawl, "", "", []string{"https://a", "https://b"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	got, err := r.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.Progress.Skipped != 2 || got.Progress.Pending != 0 {
		t.Errorf("progress = %+v, want skipped=2 pending=0", got.Progress)
	}
}

func TestCancelRunningKeepsFinishedItems(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeFolderImport, "", "", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := r.Start(ctx, j.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	items, err := r.Items(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if err := r.UpdateItem(ctx, items[0].ID, ItemCompleted, "content:7", ""); err != nil {
		t.Fatalf("UpdateItem: %v", err)
	}

	if err := r.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	got, err := r.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Progress.Completed != 1 || got.Progress.Skipped != 2 {
		t.Errorf("progress = %+v, want completed=1 skipped=2", got.Progress)
	}
}

// -----------------------------------------------------------------------
// Items and progress
// -----------------------------------------------------------------------

func TestUpdateItemValidatesStatus(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	j, err := r.Create(ctx, TypeFolderImport, "", "", []string{"a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	items, err := r.Items(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if err := r.UpdateItem(ctx, items[0].ID, "exploded", "", ""); !fault.IsKind(err, fault.Validation) {
		t.Errorf("err = %v, want Validation", err)
	}
}

func TestGetUnknownJobIsNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Get(context.Background(), "no-such-job")
	if !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if err := r.Start(context.Background(), "no-such-job"); !fault.IsKind(err, fault.NotFound) {
		t.Fatalf("Start err = %v, want NotFound", err)
	}
}

func TestPercentage(t *testing.T) {
	tests := []struct {
		name string
		p    store.JobProgress
		want float64
	}{
		{"empty job", store.JobProgress{}, 0},
		{"half done", store.JobProgress{Total: 4, Completed: 2}, 50},
		{"skipped counts as done", store.JobProgress{Total: 4, Completed: 1, Failed: 1, Skipped: 2}, 100},
		{"in flight ignored", store.JobProgress{Total: 10, Completed: 3, Processing: 4}, 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Percentage(tt.p); got != tt.want {
				t.Errorf("Percentage(%+v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}
