package batch

import (
	"context"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// newTestMonitor pins the CPU count so threshold math is deterministic on
// any machine. With cpus=4 the scale-down line sits at load 3.0 and the
// scale-up line at 1.6.
func newTestMonitor(g *gate, bus *Bus, memLimit int64) *monitor {
	m := newMonitor(g, bus, memLimit, discardLogger())
	m.cpus = 4
	return m
}

// setReadings replaces the host collectors with fixed values.
func setReadings(m *monitor, load1, freePct float64, rss uint64) {
	m.loadAvg = func(context.Context) (*load.AvgStat, error) {
		return &load.AvgStat{Load1: load1}, nil
	}
	m.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		total := uint64(16 << 30)
		avail := uint64(float64(total) * freePct / 100)
		return &mem.VirtualMemoryStat{
			Total: total, Available: avail, UsedPercent: 100 - freePct,
		}, nil
	}
	m.processRSS = func(context.Context) (uint64, error) { return rss, nil }
}

func TestMonitorScalesDownUnderLoad(t *testing.T) {
	g := newGate(4)
	m := newTestMonitor(g, NewBus(discardLogger()), 0)
	setReadings(m, 3.5, 50, 0)

	ctx := context.Background()
	for i, want := range []int{3, 2, 1, 1} {
		m.sample(ctx)
		if got := g.limit(); got != want {
			t.Fatalf("after sample %d limit = %d, want %d", i+1, got, want)
		}
	}
}

func TestMonitorScalesDownWhenMemoryTight(t *testing.T) {
	g := newGate(4)
	m := newTestMonitor(g, NewBus(discardLogger()), 0)
	// Load is well below the high line; free memory alone forces the step.
	setReadings(m, 1.0, 10, 0)

	m.sample(context.Background())
	if got := g.limit(); got != 3 {
		t.Errorf("limit = %d, want 3", got)
	}
}

func TestMonitorScalesUpWhenIdle(t *testing.T) {
	g := newGate(4)
	g.step(-1)
	g.step(-1)
	g.step(-1)
	if g.limit() != 1 {
		t.Fatalf("setup limit = %d", g.limit())
	}

	m := newTestMonitor(g, NewBus(discardLogger()), 0)
	setReadings(m, 1.0, 60, 0)

	ctx := context.Background()
	for i, want := range []int{2, 3, 4, 4} {
		m.sample(ctx)
		if got := g.limit(); got != want {
			t.Fatalf("after sample %d limit = %d, want %d", i+1, got, want)
		}
	}
}

func TestMonitorHoldsInMidBand(t *testing.T) {
	tests := []struct {
		name    string
		load1   float64
		freePct float64
	}{
		{"load between lines", 2.0, 30},
		{"idle cpu but mid memory", 1.0, 30},
		{"free memory but busy cpu", 2.5, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGate(4)
			g.step(-1)
			m := newTestMonitor(g, NewBus(discardLogger()), 0)
			setReadings(m, tt.load1, tt.freePct, 0)

			m.sample(context.Background())
			if got := g.limit(); got != 3 {
				t.Errorf("limit = %d, want unchanged 3", got)
			}
		})
	}
}

func TestMonitorMemoryBudgetScalesDown(t *testing.T) {
	g := newGate(4)
	// Idle host, but the process is over its 1 GiB-per-worker budget:
	// 5 GiB RSS against a 4 GiB allowance.
	m := newTestMonitor(g, NewBus(discardLogger()), 1<<30)
	setReadings(m, 1.0, 60, 5<<30)

	m.sample(context.Background())
	if got := g.limit(); got != 3 {
		t.Errorf("limit = %d, want 3", got)
	}
}

func TestMonitorPublishesResourceSamples(t *testing.T) {
	bus := NewBus(discardLogger())
	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	g := newGate(4)
	m := newTestMonitor(g, bus, 0)
	setReadings(m, 2.0, 50, 0)

	m.sample(context.Background())

	select {
	case ev := <-ch:
		if ev.Type != EventResources {
			t.Fatalf("event type = %q", ev.Type)
		}
		res := ev.Data.(Resources)
		if res.TotalMemory != 16<<30 {
			t.Errorf("total memory = %d", res.TotalMemory)
		}
		if res.CPUUsage != 0.5 {
			t.Errorf("cpu usage = %v, want 0.5", res.CPUUsage)
		}
	case <-time.After(time.Second):
		t.Fatal("no resources event published")
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	bus := NewBus(discardLogger())
	ch, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	m := newTestMonitor(newGate(4), bus, 0)
	m.interval = 5 * time.Millisecond
	setReadings(m, 2.0, 50, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.run(ctx)
		close(done)
	}()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor never sampled")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

// ---------------------------------------------------------------------------
// Gate
// ---------------------------------------------------------------------------

func TestGateStepClamps(t *testing.T) {
	g := newGate(3)

	for _, want := range []int{2, 1} {
		if !g.step(-1) {
			t.Fatalf("step down to %d reported no change", want)
		}
		if g.limit() != want {
			t.Fatalf("limit = %d, want %d", g.limit(), want)
		}
	}
	if g.step(-1) {
		t.Error("step below 1 reported a change")
	}

	for _, want := range []int{2, 3} {
		if !g.step(+1) {
			t.Fatalf("step up to %d reported no change", want)
		}
	}
	if g.step(+1) {
		t.Error("step above max reported a change")
	}
	if g.limit() != 3 {
		t.Errorf("limit = %d, want 3", g.limit())
	}
}

func TestGateAcquireBlocksAtLimit(t *testing.T) {
	g := newGate(1)
	ctx := context.Background()

	if err := g.acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := g.acquire(ctx); err != nil {
			t.Errorf("second acquire: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire did not block at the limit")
	case <-time.After(50 * time.Millisecond):
	}

	g.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire never woke after release")
	}
}

func TestGateAcquireCancelled(t *testing.T) {
	g := newGate(1)
	if err := g.acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.acquire(ctx) }()

	cancel()
	select {
	case err := <-errc:
		if err != context.Canceled {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled acquire never returned")
	}
}
