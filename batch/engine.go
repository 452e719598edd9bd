// Package batch runs content items through the processing pipeline on a
// bounded worker pool. The orchestrating goroutine owns submission and
// collation; only item processing is parallel. A monitor can resize the
// effective worker count while the batch runs, and progress is published as
// fire-and-forget events.
package batch

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/processor"
)

// DefaultItemTimeout bounds one item's processing time.
const DefaultItemTimeout = 60 * time.Second

// etaMinSamples is how many items must finish before progress events carry
// a time estimate.
const etaMinSamples = 3

// Status is a batch or item outcome.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Options control one Process call. Start from DefaultOptions; a zero
// MaxConcurrency or ItemTimeout falls back to the default.
type Options struct {
	// BatchID names the batch for Cancel while it runs. A fresh UUID is
	// assigned when empty.
	BatchID            string
	MaxConcurrency     int
	DynamicConcurrency bool
	ContinueOnError    bool
	PrioritizeItems    bool
	ItemTimeout        time.Duration
	UseWorkers         bool
	WorkerMemoryLimit  int64
	// OnItem, when set, observes every item outcome as it is recorded,
	// including cancellations. Called from worker goroutines; must be safe
	// for concurrent use.
	OnItem func(ItemResult)
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrency:  runtime.NumCPU(),
		ContinueOnError: true,
		PrioritizeItems: true,
		ItemTimeout:     DefaultItemTimeout,
		UseWorkers:      true,
	}
}

func (o Options) normalized() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = runtime.NumCPU()
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = DefaultItemTimeout
	}
	return o
}

// ItemResult is one item's outcome within a batch.
type ItemResult struct {
	ID           string            `json:"id"`
	Status       Status            `json:"status"`
	Result       *processor.Result `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
	Kind         fault.Kind        `json:"kind,omitempty"`
	ProcessingMs int64             `json:"processing_time_ms"`
}

// Result is the outcome of a whole batch. Processed counts items that ran
// to a verdict (successful plus failed); cancelled items are accounted
// separately.
type Result struct {
	BatchID    string       `json:"batch_id"`
	Status     Status       `json:"status"`
	Processed  int          `json:"processed"`
	Successful int          `json:"successful"`
	Failed     int          `json:"failed"`
	Cancelled  int          `json:"cancelled,omitempty"`
	Items      []ItemResult `json:"items"`
	TotalMs    int64        `json:"total_time_ms"`
}

// Engine schedules batches. One engine serves many concurrent batches; each
// Process call owns its queue, gate, and monitor.
type Engine struct {
	bus *Bus
	log *slog.Logger

	mu   sync.Mutex
	runs map[string]*batchRun

	// run processes one item. Defaults to the processor; tests substitute.
	run func(ctx context.Context, req processor.Request) (*processor.Result, error)
}

// New returns an engine processing items with proc and publishing events on
// bus. A nil bus gets a private one, reachable via Bus().
func New(proc *processor.Processor, bus *Bus, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if bus == nil {
		bus = NewBus(log)
	}
	e := &Engine{bus: bus, log: log, runs: make(map[string]*batchRun)}
	if proc != nil {
		e.run = proc.Process
	}
	return e
}

// Bus exposes the engine's event bus for subscribers.
func (e *Engine) Bus() *Bus { return e.bus }

// batchRun is the per-batch state shared between the orchestrator, the
// workers, and the monitor.
type batchRun struct {
	id     string
	total  int
	cancel context.CancelFunc
	q      *queue
	gate   *gate
	onItem func(ItemResult)

	mu         sync.Mutex
	results    map[string]ItemResult
	processed  int   // completed + failed
	durationMs int64 // summed over processed items, feeds the ETA
	cancelled  bool
	failed     bool
	fatal      error
}

// Process runs every item and collates the outcomes in submission order.
// It always returns a result carrying whatever was collected; the error is
// non-nil only when a fatal item error terminated the batch early.
func (e *Engine) Process(ctx context.Context, items []Item, opts Options) (*Result, error) {
	opts = opts.normalized()
	start := time.Now()
	batchID := opts.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	res := &Result{BatchID: batchID, Status: StatusCompleted, Items: []ItemResult{}}
	if len(items) == 0 {
		return res, nil
	}

	workers := opts.MaxConcurrency
	if workers > len(items) {
		workers = len(items)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &batchRun{
		id:      batchID,
		total:   len(items),
		cancel:  cancel,
		q:       newQueue(workers, opts.PrioritizeItems),
		gate:    newGate(workers),
		onItem:  opts.OnItem,
		results: make(map[string]ItemResult, len(items)),
	}
	e.mu.Lock()
	if _, exists := e.runs[batchID]; exists {
		e.mu.Unlock()
		cancel()
		return nil, fault.Errorf(fault.Conflict, "batch %q is already running", batchID)
	}
	e.runs[batchID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, batchID)
		e.mu.Unlock()
	}()

	e.log.Info("batch started", "batch_id", batchID, "items", len(items),
		"workers", workers, "dynamic", opts.DynamicConcurrency, "sequential", !opts.UseWorkers)

	if opts.UseWorkers {
		if opts.DynamicConcurrency {
			mon := newMonitor(r.gate, e.bus, opts.WorkerMemoryLimit, e.log)
			go mon.run(runCtx)
		}

		g, gctx := errgroup.WithContext(runCtx)
		for i := 0; i < workers; i++ {
			g.Go(func() error { return e.worker(gctx, r, opts) })
		}
		// The orchestrator is the producer; a full queue blocks it here
		// until workers catch up.
		for i := range items {
			if err := r.q.push(gctx, items[i]); err != nil {
				break
			}
		}
		r.q.close()
		_ = g.Wait() // item errors are already recorded per item
	} else {
		e.sequential(runCtx, r, items, opts)
	}

	r.mu.Lock()
	for _, it := range items {
		ir, ok := r.results[it.ID]
		if !ok {
			ir = ItemResult{ID: it.ID, Status: StatusCancelled}
		}
		switch ir.Status {
		case StatusCompleted:
			res.Successful++
		case StatusFailed:
			res.Failed++
		case StatusCancelled:
			res.Cancelled++
		}
		res.Items = append(res.Items, ir)
	}
	switch {
	case r.cancelled:
		res.Status = StatusCancelled
	case r.failed:
		res.Status = StatusFailed
	}
	fatal := r.fatal
	r.mu.Unlock()

	res.Processed = res.Successful + res.Failed
	res.TotalMs = time.Since(start).Milliseconds()

	e.log.Info("batch finished", "batch_id", batchID, "status", res.Status,
		"successful", res.Successful, "failed", res.Failed, "cancelled", res.Cancelled,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return res, fatal
}

// Cancel stops a running batch: queued items never start and in-flight
// items report cancelled once their current call returns. Repeated calls
// are no-ops; reports whether a batch with the id was active.
func (e *Engine) Cancel(batchID string) bool {
	e.mu.Lock()
	r := e.runs[batchID]
	e.mu.Unlock()
	if r == nil {
		return false
	}
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
	r.cancel()
	e.log.Info("batch cancelled", "batch_id", batchID)
	return true
}

// worker pulls items until the queue drains or the batch stops. A non-nil
// return tears the whole group down; that is reserved for fatal errors and
// for any failure when the batch must not continue past errors.
func (e *Engine) worker(ctx context.Context, r *batchRun, opts Options) error {
	for {
		if err := r.gate.acquire(ctx); err != nil {
			return nil
		}
		it, ok := r.q.pop(ctx)
		if !ok {
			r.gate.release()
			return nil
		}
		ir, err := e.runItem(ctx, it, opts)
		e.record(r, it, ir)
		r.gate.release()

		if err != nil {
			if fault.KindOf(err) == fault.Fatal {
				r.mu.Lock()
				r.failed = true
				r.fatal = err
				r.mu.Unlock()
				return err
			}
			if !opts.ContinueOnError {
				r.mu.Lock()
				r.failed = true
				r.mu.Unlock()
				return err
			}
		}
	}
}

// sequential is the degraded single-threaded mode. It still honors
// priority order, per-item timeouts, progress events, and cancellation.
func (e *Engine) sequential(ctx context.Context, r *batchRun, items []Item, opts Options) {
	ordered := make([]Item, len(items))
	copy(ordered, items)
	if opts.PrioritizeItems {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].Priority > ordered[j].Priority
		})
	}
	for _, it := range ordered {
		if ctx.Err() != nil {
			return
		}
		ir, err := e.runItem(ctx, it, opts)
		e.record(r, it, ir)
		if err != nil {
			if fault.KindOf(err) == fault.Fatal {
				r.mu.Lock()
				r.failed = true
				r.fatal = err
				r.mu.Unlock()
				return
			}
			if !opts.ContinueOnError {
				r.mu.Lock()
				r.failed = true
				r.mu.Unlock()
				return
			}
		}
	}
}

// runItem executes one item under its timeout and classifies the outcome.
// The returned error is non-nil only for genuine failures, never for
// cancellation.
func (e *Engine) runItem(ctx context.Context, it Item, opts Options) (ItemResult, error) {
	start := time.Now()
	itemCtx, cancel := context.WithTimeout(ctx, opts.ItemTimeout)
	out, err := e.run(itemCtx, it.Request)
	cancel()

	ir := ItemResult{ID: it.ID, ProcessingMs: time.Since(start).Milliseconds()}
	switch {
	case err == nil:
		ir.Status = StatusCompleted
		ir.Result = out
		return ir, nil
	case ctx.Err() != nil:
		// The batch was cancelled while this item was in flight.
		ir.Status = StatusCancelled
		ir.Error = "batch cancelled"
		return ir, nil
	default:
		ir.Status = StatusFailed
		ir.Error = err.Error()
		ir.Kind = fault.KindOf(err)
		if ir.Kind == "" && errors.Is(err, context.DeadlineExceeded) {
			ir.Kind = fault.Transient
		}
		e.log.Warn("batch item failed", "item", it.ID, "kind", ir.Kind, "error", err)
		return ir, err
	}
}

// record stores an outcome and, for items that ran to a verdict, publishes
// a progress event.
func (e *Engine) record(r *batchRun, it Item, ir ItemResult) {
	r.mu.Lock()
	r.results[it.ID] = ir
	if ir.Status == StatusCancelled {
		r.mu.Unlock()
		if r.onItem != nil {
			r.onItem(ir)
		}
		return
	}
	r.processed++
	r.durationMs += ir.ProcessingMs
	p := Progress{
		ProcessedFiles:  r.processed,
		TotalFiles:      r.total,
		PercentComplete: float64(r.processed) / float64(r.total) * 100,
		CurrentFile:     currentFile(it),
	}
	if r.processed >= etaMinSamples {
		avg := float64(r.durationMs) / float64(r.processed)
		p.EstimatedTimeRemainingMs = int64(avg * float64(r.total-r.processed))
	}
	r.mu.Unlock()

	if r.onItem != nil {
		r.onItem(ir)
	}
	e.bus.Publish(EventProgress, p)
}

func currentFile(it Item) string {
	if it.Request.Path != "" {
		return it.Request.Path
	}
	return it.ID
}
