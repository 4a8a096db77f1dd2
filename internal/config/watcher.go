package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must stay quiet after a change before
// it is reloaded.
const DefaultDebounce = 1500 * time.Millisecond

// Watcher reloads a file with a typed loader whenever it changes.
//
// The parent directory is watched rather than the file, so saves that
// rename a temporary file over the original are seen, and the file may be
// created after watching starts.
type Watcher[T any] struct {
	path     string
	load     func(path string) (T, error)
	logger   *slog.Logger
	debounce time.Duration
	onError  func(error)
}

// WatcherOption configures a Watcher.
type WatcherOption[T any] func(*Watcher[T])

// WithDebounce sets the quiet period before a reload.
func WithDebounce[T any](d time.Duration) WatcherOption[T] {
	return func(w *Watcher[T]) { w.debounce = d }
}

// WithErrorHandler is called with every failed reload. Failed reloads are
// never delivered.
func WithErrorHandler[T any](fn func(error)) WatcherOption[T] {
	return func(w *Watcher[T]) { w.onError = fn }
}

// NewWatcher creates a watcher for path.
func NewWatcher[T any](path string, load func(path string) (T, error), logger *slog.Logger, opts ...WatcherOption[T]) *Watcher[T] {
	w := &Watcher[T]{
		path:     filepath.Clean(path),
		load:     load,
		logger:   logger,
		debounce: DefaultDebounce,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Load runs the loader once.
func (w *Watcher[T]) Load() (T, error) {
	return w.load(w.path)
}

// Watch starts watching and returns a channel of reloaded values. The
// channel holds at most one value: a reload that arrives before the
// previous one was received replaces it. The channel is closed once ctx is
// done.
func (w *Watcher[T]) Watch(ctx context.Context) (<-chan T, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	out := make(chan T, 1)
	w.logger.Info("Watching file for changes", "path", w.path, "debounce", w.debounce)
	go w.run(ctx, fsw, out)
	return out, nil
}

func (w *Watcher[T]) run(ctx context.Context, fsw *fsnotify.Watcher, out chan T) {
	defer close(out)
	defer fsw.Close()

	// settle fires once the file has been quiet for the debounce period.
	settle := time.NewTimer(w.debounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("File watcher stopped", "path", w.path)
			return

		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) == w.path && ev.Has(fsnotify.Write|fsnotify.Create) {
				settle.Reset(w.debounce)
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "path", w.path, "error", err)

		case <-settle.C:
			v, err := w.load(w.path)
			if err != nil {
				w.logger.Warn("Reload failed", "path", w.path, "error", err)
				if w.onError != nil {
					w.onError(err)
				}
				continue
			}
			w.logger.Info("File changed, reloaded", "path", w.path)
			replace(out, v)
		}
	}
}

// replace puts v in the single-slot channel, dropping an unread value.
func replace[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
