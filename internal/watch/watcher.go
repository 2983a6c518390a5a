// Package watch watches the local sync directory for edits made outside
// the editor (by a text editor, an external tool, version control) and
// reports them, debounced and filtered to script files, as settled
// changes to a single absolute path at a time.
package watch

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/luasync/luasync/internal/model"
)

// Watcher watches a directory tree for script file writes, debouncing
// rapid successive writes to the same path and adding newly created
// subdirectories to the watch set as they appear — fsnotify itself only
// watches the directories it is explicitly told about, not their future
// children.
type Watcher struct {
	fsw      *fsnotify.Watcher
	baseDir  string
	debounce time.Duration

	events chan string
	errors chan error
	done   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	running    bool
	timers     map[string]*time.Timer
	suppressed map[string]int

	Logger *log.Logger
}

// Config configures a Watcher.
type Config struct {
	BaseDir string
	// Debounce is how long to wait after the last write to a path before
	// reporting it as settled. Defaults to 100ms.
	Debounce time.Duration
	Logger   *log.Logger
}

// New creates a Watcher rooted at cfg.BaseDir. Call Start to begin
// watching.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: creating fsnotify watcher: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}

	return &Watcher{
		fsw:        fsw,
		baseDir:    cfg.BaseDir,
		debounce:   debounce,
		events:     make(chan string, 100),
		errors:     make(chan error, 10),
		done:       make(chan struct{}),
		timers:     make(map[string]*time.Timer),
		suppressed: make(map[string]int),
		Logger:     logger,
	}, nil
}

// Start begins watching baseDir and every subdirectory beneath it,
// creating baseDir first if it does not yet exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watch: already running")
	}

	if err := os.MkdirAll(w.baseDir, 0755); err != nil {
		return fmt.Errorf("watch: creating base directory: %w", err)
	}
	if err := w.addRecursive(w.baseDir); err != nil {
		return fmt.Errorf("watch: adding base directory: %w", err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// addRecursive adds dir and every subdirectory beneath it to the
// underlying fsnotify watch set.
func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil {
				w.Logger.Printf("warn: failed to watch %s: %v", path, addErr)
			}
		}
		return nil
	})
}

// Stop stops watching and blocks until the event-processing goroutine
// has exited and all pending debounce timers are discarded.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()

	close(w.done)
	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("watch: closing watcher: %w", err)
	}
	w.wg.Wait()

	close(w.events)
	close(w.errors)
	return nil
}

// Events returns the channel of settled, debounced absolute file paths.
// It is closed when the Watcher stops.
func (w *Watcher) Events() <-chan string {
	return w.events
}

// Errors returns the channel of underlying watch errors. It is closed
// when the Watcher stops.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// SuppressNextChange arms a one-time suppression for absPath: the next
// settled change reported for that path is swallowed instead of being
// sent on Events. Call this before a projector-initiated write to that
// path, so the resulting fsnotify event is not echoed back to the
// editor as if it were a local edit.
func (w *Watcher) SuppressNextChange(absPath string) {
	w.mu.Lock()
	w.suppressed[absPath]++
	w.mu.Unlock()
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.mu.Lock()
			running := w.running
			w.mu.Unlock()
			if running {
				if err := w.addRecursive(event.Name); err != nil {
					w.Logger.Printf("warn: failed to watch new directory %s: %v", event.Name, err)
				}
			}
			return
		}
	}

	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		// Remove and rename are not propagated: the spec's outbound path
		// only covers content changes to files already mapped to a node,
		// and chmod carries no content change.
		return
	}

	if !model.IsScriptFile(filepath.Base(event.Name)) {
		return
	}

	w.scheduleChange(event.Name)
}

func (w *Watcher) scheduleChange(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() { w.fireChange(path) })
}

func (w *Watcher) fireChange(path string) {
	w.mu.Lock()
	delete(w.timers, path)

	if n := w.suppressed[path]; n > 0 {
		if n == 1 {
			delete(w.suppressed, path)
		} else {
			w.suppressed[path] = n - 1
		}
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case w.events <- path:
	case <-w.done:
	}
}
