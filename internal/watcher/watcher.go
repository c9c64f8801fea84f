// Package watcher reports changes to files such as the secret vault and the
// settings file so cached state derived from them can be dropped.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces the burst of events an atomic rename produces.
const DefaultDebounce = 100 * time.Millisecond

// Watcher calls onChange with the path of a watched file after it is
// written, created, renamed or removed. Parent directories are watched
// because fsnotify cannot watch a file that does not exist yet, and because
// atomic saves replace the file's inode.
type Watcher struct {
	targets  map[string]struct{}
	parents  map[string]struct{}
	onChange func(path string)
	watcher  *fsnotify.Watcher
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	running  bool
	debounce time.Duration
	timers   map[string]*time.Timer
}

// New creates a Watcher for the given files.
func New(onChange func(path string), targets ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		targets:  make(map[string]struct{}, len(targets)),
		parents:  make(map[string]struct{}),
		onChange: onChange,
		watcher:  fsw,
		ctx:      ctx,
		cancel:   cancel,
		debounce: DefaultDebounce,
		timers:   make(map[string]*time.Timer),
	}
	for _, t := range targets {
		clean := filepath.Clean(t)
		w.targets[clean] = struct{}{}
		w.parents[filepath.Dir(clean)] = struct{}{}
	}
	return w, nil
}

// SetDebounce changes the quiet period before onChange fires. Call before Start.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Start begins watching. Missing parent directories are logged and skipped.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for parent := range w.parents {
		if err := w.addWatch(parent); err != nil {
			log.Warn().Err(err).Str("path", parent).Msg("Failed to add initial watch")
		}
	}

	go w.watchLoop()
	return nil
}

// Stop stops the watcher and cancels pending callbacks.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false
	for _, t := range w.timers {
		t.Stop()
	}
	w.cancel()
	return w.watcher.Close()
}

func (w *Watcher) addWatch(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return err
	}
	return w.watcher.Add(dir)
}

func (w *Watcher) watchLoop() {
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			path := filepath.Clean(event.Name)

			// A recreated parent needs its watch re-established.
			if _, isParent := w.parents[path]; isParent && event.Op&fsnotify.Create != 0 {
				log.Info().Str("path", path).Msg("Watched directory recreated, re-establishing watch")
				_ = w.addWatch(path)
				continue
			}

			if _, ok := w.targets[path]; !ok || event.Op&relevant == 0 {
				continue
			}
			w.schedule(path)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		log.Debug().Str("path", path).Msg("Watched file changed")
		if w.onChange != nil {
			w.onChange(path)
		}
	})
}
