// Package watcher monitors a project's store file for out-of-band
// writes (the external sync command, other tools) and triggers a
// cache refresh after a quiet period.
package watcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StoreWatcher debounces filesystem events on one store file.
type StoreWatcher struct {
	watcher *fsnotify.Watcher
	dbPath  string

	mu    sync.Mutex
	timer *time.Timer
	seq   uint64

	debounce  time.Duration
	onChanged func()
}

// New creates a watcher for the store file at dbPath. onChanged runs
// after writes settle for the debounce duration.
func New(dbPath string, debounce time.Duration, onChanged func()) (*StoreWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dbPath); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("failed to watch store file: %w", err)
	}
	return &StoreWatcher{
		watcher:   fsw,
		dbPath:    dbPath,
		debounce:  debounce,
		onChanged: onChanged,
	}, nil
}

func (w *StoreWatcher) trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.seq++
	seq := w.seq
	w.timer = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		stale := w.seq != seq
		if !stale {
			w.timer = nil
		}
		w.mu.Unlock()
		if !stale {
			w.onChanged()
		}
	})
}

// Start consumes filesystem events until ctx is canceled.
func (w *StoreWatcher) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.dbPath {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					w.trigger()
				}
				if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					// Sync tools sometimes replace the file; wait for
					// the new inode and re-establish the watch.
					_ = w.watcher.Remove(w.dbPath)
					time.Sleep(100 * time.Millisecond)
					if err := w.watcher.Add(w.dbPath); err == nil {
						w.trigger()
					}
				}
			case <-w.watcher.Errors:
				// Errors are non-fatal; the periodic flush refresh
				// still reconciles the cache.
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Close stops the watcher and any pending debounce.
func (w *StoreWatcher) Close() error {
	w.mu.Lock()
	w.seq++
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
