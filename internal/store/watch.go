package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"agentdesk/internal/domain"
)

// debounceDelay coalesces rapid successive writes (temp file + rename) into a
// single reload.
var debounceDelay = 100 * time.Millisecond

// newWatcherFunc creates an fsnotify watcher; tests may replace it to inject errors.
type newWatcherFunc func() (*fsnotify.Watcher, error)

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithWatchLogger sets a structured logger for the Watcher. Nil is ignored.
func WithWatchLogger(l *slog.Logger) WatchOption {
	return func(w *Watcher) {
		if l != nil {
			w.logger = l
		}
	}
}

// Watcher observes a file-backed store for edits made by other processes
// (the desktop shell, a text editor) and delivers the reloaded records.
type Watcher struct {
	path         string
	store        Store
	logger       *slog.Logger
	watcher      *fsnotify.Watcher
	done         chan struct{}
	wg           sync.WaitGroup
	mu           sync.Mutex
	running      bool
	newWatcherFn newWatcherFunc // nil means use fsnotify.NewWatcher
}

// NewWatcher returns a watcher for the file at path, reloading through s.
func NewWatcher(path string, s Store, opts ...WatchOption) *Watcher {
	w := &Watcher{path: path, store: s}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func (w *Watcher) log() *slog.Logger {
	if w.logger != nil {
		return w.logger
	}
	return slog.Default()
}

// Start begins watching. The callback runs on a timer goroutine after each
// debounced change. Start must not be called twice without Stop.
func (w *Watcher) Start(callback func(map[string]domain.ProviderRecord)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if callback == nil {
		return errors.New("store watcher: callback must not be nil")
	}
	if w.running {
		return errors.New("store watcher: already started")
	}

	// Watch the parent directory: the file is replaced by rename, and may not
	// exist yet.
	newWatcher := fsnotify.NewWatcher
	if w.newWatcherFn != nil {
		newWatcher = w.newWatcherFn
	}
	watcher, err := newWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}

	w.watcher = watcher
	w.done = make(chan struct{})
	w.running = true

	w.wg.Add(1)
	go w.eventLoop(callback)
	return nil
}

// Stop ceases watching and waits for the event loop and any reload in
// progress to finish. Safe to call even if not started.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	close(w.done)
	err := w.watcher.Close()
	w.running = false
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *Watcher) eventLoop(callback func(map[string]domain.ProviderRecord)) {
	defer w.wg.Done()

	target := filepath.Base(w.path)
	var debounceTimer *time.Timer

	for {
		select {
		case <-w.done:
			if debounceTimer != nil && debounceTimer.Stop() {
				w.wg.Done()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			// A pending reload counts toward wg until it runs or is stopped.
			if debounceTimer != nil && debounceTimer.Stop() {
				w.wg.Done()
			}
			w.wg.Add(1)
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				defer w.wg.Done()
				select {
				case <-w.done:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				records, err := w.store.List(ctx)
				if err != nil {
					w.log().Warn("store watcher: reload failed", "path", w.path, "error", err)
					return
				}
				callback(records)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log().Warn("store watcher: fsnotify error", "error", err)
		}
	}
}
