package eval

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Metrics holds micro-averaged counts and scores for one slice of a run.
type Metrics struct {
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// Report aggregates a full evaluation run.
type Report struct {
	Dataset string             `json:"dataset"`
	Total   int                `json:"total"`
	Passed  int                `json:"passed"`
	Failed  int                `json:"failed"`
	Overall Metrics            `json:"overall"`
	PerType map[string]Metrics `json:"per_type"`
	Results []SampleResult     `json:"results"`
	RunTime time.Duration      `json:"run_time"`
}

// matchLabels pairs expected labels with extracted ones by type and
// case-folded name. Unpaired expected labels come back missed, unpaired
// extracted ones spurious.
func matchLabels(expected, got []Label) (matched, missed, spurious []Label) {
	remaining := make(map[string]int, len(got))
	for _, g := range got {
		remaining[labelKey(g)]++
	}
	for _, want := range expected {
		k := labelKey(want)
		if remaining[k] > 0 {
			remaining[k]--
			matched = append(matched, want)
		} else {
			missed = append(missed, want)
		}
	}
	for _, g := range got {
		k := labelKey(g)
		if remaining[k] > 0 {
			remaining[k]--
			spurious = append(spurious, g)
		}
	}
	return matched, missed, spurious
}

// labelKey mirrors the extraction pipeline's entity identity: type plus
// case-folded name.
func labelKey(l Label) string {
	return l.Type + "\x00" + strings.ToLower(strings.TrimSpace(l.Name))
}

// computeMetrics derives precision, recall and F1 from raw counts. Empty
// denominators score zero rather than NaN.
func computeMetrics(tp, fp, fn int) Metrics {
	m := Metrics{TruePositives: tp, FalsePositives: fp, FalseNegatives: fn}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func buildReport(dataset string, results []SampleResult, elapsed time.Duration) *Report {
	type counts struct{ tp, fp, fn int }
	var overall counts
	perType := make(map[string]*counts)
	at := func(typ string) *counts {
		c := perType[typ]
		if c == nil {
			c = &counts{}
			perType[typ] = c
		}
		return c
	}

	passed := 0
	for _, r := range results {
		if r.Passed() {
			passed++
		}
		overall.tp += len(r.Matched)
		overall.fn += len(r.Missed)
		overall.fp += len(r.Spurious)
		for _, l := range r.Matched {
			at(l.Type).tp++
		}
		for _, l := range r.Missed {
			at(l.Type).fn++
		}
		for _, l := range r.Spurious {
			at(l.Type).fp++
		}
	}

	rep := &Report{
		Dataset: dataset,
		Total:   len(results),
		Passed:  passed,
		Failed:  len(results) - passed,
		Overall: computeMetrics(overall.tp, overall.fp, overall.fn),
		PerType: make(map[string]Metrics, len(perType)),
		Results: results,
		RunTime: elapsed,
	}
	for typ, c := range perType {
		rep.PerType[typ] = computeMetrics(c.tp, c.fp, c.fn)
	}
	return rep
}

// FormatReport renders a run as readable text.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Extraction Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Samples: %d | Passed: %d (%.1f%%) | Failed: %d\n",
		r.Total, r.Passed, passRate(r.Passed, r.Total), r.Failed)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Overall:\n")
	fmt.Fprintf(&b, "  Precision:  %.3f\n", r.Overall.Precision)
	fmt.Fprintf(&b, "  Recall:     %.3f\n", r.Overall.Recall)
	fmt.Fprintf(&b, "  F1:         %.3f\n", r.Overall.F1)
	fmt.Fprintf(&b, "  TP=%d FP=%d FN=%d\n\n",
		r.Overall.TruePositives, r.Overall.FalsePositives, r.Overall.FalseNegatives)

	if len(r.PerType) > 0 {
		fmt.Fprintf(&b, "Per-Type Metrics:\n")
		types := make([]string, 0, len(r.PerType))
		for typ := range r.PerType {
			types = append(types, typ)
		}
		sort.Strings(types)
		for _, typ := range types {
			m := r.PerType[typ]
			fmt.Fprintf(&b, "  [%s]\n", typ)
			fmt.Fprintf(&b, "    P=%.3f R=%.3f F1=%.3f  (tp=%d fp=%d fn=%d)\n",
				m.Precision, m.Recall, m.F1,
				m.TruePositives, m.FalsePositives, m.FalseNegatives)
		}
		b.WriteByte('\n')
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed() {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "[%s] %d. %s", status, i+1, res.ID)
		if res.Fallback {
			b.WriteString("  (rules)")
		}
		b.WriteByte('\n')
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
			continue
		}
		fmt.Fprintf(&b, "  matched=%d missed=%d spurious=%d  (%dms)\n",
			len(res.Matched), len(res.Missed), len(res.Spurious), res.DurationMs)
		for _, l := range res.Missed {
			fmt.Fprintf(&b, "  missed: %s (%s)\n", l.Name, l.Type)
		}
	}
	return b.String()
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}
