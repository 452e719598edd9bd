package eval

import (
	"context"
	"log/slog"
	"time"

	"github.com/bbiangul/ingestor/extract"
)

// Evaluator runs an extractor registry over gold-labelled samples and
// scores the results against their labels.
type Evaluator struct {
	extractors *extract.Registry
	opts       extract.Options
	log        *slog.Logger
}

// NewEvaluator creates an evaluator. opts is applied to every extraction;
// the zero value uses the registry defaults.
func NewEvaluator(extractors *extract.Registry, opts extract.Options, log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{extractors: extractors, opts: opts, log: log}
}

// SampleResult records how extraction fared on one sample.
type SampleResult struct {
	ID         string  `json:"id"`
	Matched    []Label `json:"matched,omitempty"`
	Missed     []Label `json:"missed,omitempty"`
	Spurious   []Label `json:"spurious,omitempty"`
	Fallback   bool    `json:"fallback,omitempty"`
	Error      string  `json:"error,omitempty"`
	DurationMs int64   `json:"duration_ms"`
}

// Passed reports whether extraction found every expected entity without
// erroring. Spurious extras lower precision but do not fail the sample.
func (r SampleResult) Passed() bool {
	return r.Error == "" && len(r.Missed) == 0
}

// Run evaluates every sample in the dataset. Extraction failures are
// recorded on the sample result rather than returned; Run itself errors
// only when the context ends.
func (e *Evaluator) Run(ctx context.Context, ds Dataset) (*Report, error) {
	start := time.Now()
	results := make([]SampleResult, 0, len(ds.Samples))
	for _, s := range ds.Samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		results = append(results, e.runSample(ctx, s))
	}
	rep := buildReport(ds.Name, results, time.Since(start))
	e.log.Info("evaluation finished",
		"dataset", ds.Name,
		"samples", rep.Total,
		"passed", rep.Passed,
		"f1", rep.Overall.F1,
		"elapsed", rep.RunTime.Round(time.Millisecond))
	return rep, nil
}

func (e *Evaluator) runSample(ctx context.Context, s Sample) SampleResult {
	start := time.Now()
	res, err := e.extractors.Extract(ctx, extract.Input{
		Data:        []byte(s.Text),
		ContentType: s.ContentType,
	}, e.opts)
	sr := SampleResult{ID: s.ID}
	if err != nil {
		// Everything the sample expected counts as missed so the failure
		// shows up in recall, not just in the error column.
		sr.Error = err.Error()
		sr.Missed = append(sr.Missed, s.Expected...)
		sr.DurationMs = time.Since(start).Milliseconds()
		return sr
	}
	got := make([]Label, 0, len(res.Entities))
	for _, ent := range res.Entities {
		got = append(got, Label{Name: ent.Name, Type: ent.Type})
	}
	sr.Fallback = res.Stats.Fallback
	sr.Matched, sr.Missed, sr.Spurious = matchLabels(s.Expected, got)
	sr.DurationMs = time.Since(start).Milliseconds()
	return sr
}
