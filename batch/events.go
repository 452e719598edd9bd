package batch

import (
	"log/slog"
	"sync"
	"time"
)

// EventType discriminates batch event payloads.
type EventType string

const (
	// EventProgress fires after each item completes.
	EventProgress EventType = "progress"
	// EventResources fires at every monitor sample.
	EventResources EventType = "resources"
)

// Event is the envelope delivered to subscribers. Data is a Progress or
// Resources value depending on Type. The JSON field names are part of the
// external event schema and stay camel-cased.
type Event struct {
	Type      EventType `json:"event"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress describes batch completion state after one item.
type Progress struct {
	ProcessedFiles  int     `json:"processedFiles"`
	TotalFiles      int     `json:"totalFiles"`
	PercentComplete float64 `json:"percentComplete"`
	CurrentFile     string  `json:"currentFile"`
	// EstimatedTimeRemainingMs is the rolling mean per completed item times
	// the remaining count. Zero (omitted) until three items have completed.
	EstimatedTimeRemainingMs int64 `json:"estimatedTimeRemainingMs,omitempty"`
}

// Resources is one monitor sample of host pressure.
type Resources struct {
	// CPUUsage is the 1-minute load average divided by the CPU count.
	CPUUsage        float64 `json:"cpuUsage"`
	AvailableMemory uint64  `json:"availableMemory"`
	TotalMemory     uint64  `json:"totalMemory"`
	MemoryUsage     float64 `json:"memoryUsage"`
}

// Bus fans events out to subscribers. Delivery is fire-and-forget: a
// subscriber whose buffer is full loses the event rather than blocking the
// pipeline.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
	log  *slog.Logger
}

func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{subs: make(map[int]chan Event), log: log}
}

// Subscribe registers a listener with the given buffer size (minimum 1) and
// returns its channel plus an unsubscribe function. The channel closes on
// unsubscribe.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber that has buffer space.
func (b *Bus) Publish(typ EventType, data any) {
	ev := Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Debug("event dropped for slow subscriber", "subscriber", id, "event", typ)
		}
	}
}
