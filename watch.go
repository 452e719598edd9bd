package ingestor

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bbiangul/ingestor/batch"
	"github.com/bbiangul/ingestor/fault"
	"github.com/bbiangul/ingestor/processor"
)

// defaultDebounce is the quiet period before watched changes are submitted.
const defaultDebounce = 2 * time.Second

// WatchConfig tunes a Watcher.
type WatchConfig struct {
	// Debounce is the quiet period before queued files are submitted.
	// Zero means 2 seconds.
	Debounce time.Duration
	// MaxFileSize skips larger files. Zero means 100 MiB.
	MaxFileSize int64
	// Recursive watches existing subdirectories and picks up new ones as
	// they appear.
	Recursive bool
}

// Watcher observes a directory tree and ingests new or changed files after
// a quiet period. Changes arriving while a flush is pending join the same
// batch.
type Watcher struct {
	engine    *Engine
	fsw       *fsnotify.Watcher
	log       *slog.Logger
	dir       string
	debounce  time.Duration
	maxSize   int64
	recursive bool

	mu      sync.Mutex
	pending map[string]struct{}
	timer   *time.Timer
	closed  bool

	done chan struct{}
}

// Watch starts observing dir for new and changed files, ingesting them in
// debounced batches. Close the returned watcher to stop.
func (e *Engine) Watch(dir string, cfg WatchConfig) (*Watcher, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "resolving watch directory", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fault.Wrap(fault.NotFound, "reading watch directory", err)
	}
	if !fi.IsDir() {
		return nil, fault.Errorf(fault.Validation, "not a directory: %s", abs)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "creating watcher", err)
	}

	w := &Watcher{
		engine:    e,
		fsw:       fsw,
		log:       e.log,
		dir:       abs,
		debounce:  cfg.Debounce,
		maxSize:   cfg.MaxFileSize,
		recursive: cfg.Recursive,
		pending:   make(map[string]struct{}),
		done:      make(chan struct{}),
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}
	if w.maxSize <= 0 {
		w.maxSize = defaultMaxFileSize
	}

	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return nil, fault.Wrap(fault.Fatal, "watching directory", err)
	}
	if cfg.Recursive {
		err := filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil || !d.IsDir() || path == abs {
				return err
			}
			if strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return fsw.Add(path)
		})
		if err != nil {
			fsw.Close()
			return nil, fault.Wrap(fault.Fatal, "watching subdirectories", err)
		}
	}

	go w.loop()
	e.log.Info("watching directory", "dir", abs, "recursive", cfg.Recursive, "debounce", w.debounce)
	return w, nil
}

// Close stops the watcher and discards any queued but unsubmitted files.
// A second Close returns ErrWatcherClosed.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}

// Dir returns the watched root.
func (w *Watcher) Dir() string { return w.dir }

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "dir", w.dir, "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return
	}
	fi, err := os.Stat(ev.Name)
	if err != nil {
		// Gone already; editors often write through temporary files.
		return
	}
	if fi.IsDir() {
		if w.recursive && ev.Op&fsnotify.Create != 0 {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.log.Warn("watching new directory", "dir", ev.Name, "error", err)
			}
		}
		return
	}
	if !fi.Mode().IsRegular() || fi.Size() > w.maxSize {
		return
	}
	w.queue(ev.Name)
}

// queue records a changed path and arms the debounce timer. Every further
// change pushes the flush back so a burst of writes lands in one batch.
func (w *Watcher) queue(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.pending[path] = struct{}{}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	} else {
		w.timer.Reset(w.debounce)
	}
}

func (w *Watcher) flush() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	clear(w.pending)
	w.timer = nil
	closed := w.closed
	w.mu.Unlock()
	if closed || len(paths) == 0 {
		return
	}
	sort.Strings(paths)

	items := make([]batch.Item, 0, len(paths))
	for _, p := range paths {
		items = append(items, batch.Item{ID: p, Request: processor.Request{Path: p}})
	}
	w.log.Info("watch: submitting changed files", "dir", w.dir, "files", len(items))
	res, err := w.engine.ProcessBatch(context.Background(), items, nil)
	if err != nil {
		w.log.Warn("watch batch failed", "dir", w.dir, "error", err)
		return
	}
	w.log.Info("watch batch finished", "dir", w.dir,
		"successful", res.Successful, "failed", res.Failed)
}
