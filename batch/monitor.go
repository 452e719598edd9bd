package batch

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	// sampleInterval is the monitor cadence.
	sampleInterval = 500 * time.Millisecond

	// Load thresholds as a fraction of the CPU count.
	loadHighFactor = 0.75
	loadLowFactor  = 0.40

	// Free-memory thresholds as a percentage of total.
	memLowPct  = 20.0
	memHighPct = 40.0
)

// monitor samples host load and memory on a fixed cadence, votes the worker
// gate up or down one step per sample, and publishes a resources event each
// time. The collection functions are fields so tests can supply readings.
type monitor struct {
	gate     *gate
	bus      *Bus
	cpus     int
	memLimit int64 // optional per-worker RSS budget in bytes
	interval time.Duration
	log      *slog.Logger

	loadAvg       func(context.Context) (*load.AvgStat, error)
	virtualMemory func(context.Context) (*mem.VirtualMemoryStat, error)
	processRSS    func(context.Context) (uint64, error)
}

func newMonitor(g *gate, bus *Bus, memLimit int64, log *slog.Logger) *monitor {
	return &monitor{
		gate:          g,
		bus:           bus,
		cpus:          runtime.NumCPU(),
		memLimit:      memLimit,
		interval:      sampleInterval,
		log:           log,
		loadAvg:       load.AvgWithContext,
		virtualMemory: mem.VirtualMemoryWithContext,
		processRSS:    selfRSS,
	}
}

// run samples until ctx is cancelled.
func (m *monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		}
	}
}

// sample takes one reading, publishes it, and applies at most one step of
// adjustment to the gate.
func (m *monitor) sample(ctx context.Context) {
	l, err := m.loadAvg(ctx)
	if err != nil {
		m.log.Debug("load sample failed", "error", err)
		return
	}
	vm, err := m.virtualMemory(ctx)
	if err != nil || vm.Total == 0 {
		m.log.Debug("memory sample failed", "error", err)
		return
	}

	cpus := float64(m.cpus)
	if cpus == 0 {
		cpus = 1
	}
	freePct := float64(vm.Available) / float64(vm.Total) * 100

	m.bus.Publish(EventResources, Resources{
		CPUUsage:        l.Load1 / cpus,
		AvailableMemory: vm.Available,
		TotalMemory:     vm.Total,
		MemoryUsage:     vm.UsedPercent,
	})

	switch {
	case l.Load1 > loadHighFactor*cpus || freePct < memLowPct || m.overBudget(ctx):
		if m.gate.step(-1) {
			m.log.Info("scaling workers down",
				"limit", m.gate.limit(), "load", l.Load1, "free_pct", freePct)
		}
	case l.Load1 < loadLowFactor*cpus && freePct > memHighPct:
		if m.gate.step(+1) {
			m.log.Info("scaling workers up",
				"limit", m.gate.limit(), "load", l.Load1, "free_pct", freePct)
		}
	}
}

// overBudget reports whether process RSS exceeds the per-worker memory
// budget times the current gate limit. Always false without a budget.
func (m *monitor) overBudget(ctx context.Context) bool {
	if m.memLimit <= 0 {
		return false
	}
	rss, err := m.processRSS(ctx)
	if err != nil {
		return false
	}
	return rss > uint64(m.memLimit)*uint64(m.gate.limit())
}

func selfRSS(ctx context.Context) (uint64, error) {
	p, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

// gate bounds how many workers may hold an item at once. Workers acquire a
// slot before popping and release it after recording the outcome; the
// monitor moves the limit between 1 and max while the batch runs.
type gate struct {
	mu     sync.Mutex
	cond   sync.Cond
	max    int
	cur    int
	active int
}

func newGate(max int) *gate {
	g := &gate{max: max, cur: max}
	g.cond.L = &g.mu
	return g
}

// acquire blocks until a slot is free or ctx is cancelled.
func (g *gate) acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		g.cond.Broadcast()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.active >= g.cur {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	g.active++
	return nil
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	g.cond.Signal()
}

// step moves the limit by delta, clamped to [1, max]. Reports whether the
// limit actually changed.
func (g *gate) step(delta int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.cur + delta
	if next < 1 {
		next = 1
	}
	if next > g.max {
		next = g.max
	}
	if next == g.cur {
		return false
	}
	g.cur = next
	if delta > 0 {
		g.cond.Broadcast()
	}
	return true
}

func (g *gate) limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cur
}
