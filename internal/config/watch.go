package config

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"
)

const defaultWatchDelay = 250 * time.Millisecond

// Watcher calls OnChange after the watched file is written, created or
// renamed into place. Bursts of events are debounced and overlapping
// callbacks are collapsed into one.
type Watcher struct {
	path     string
	onChange func()
	delay    time.Duration

	fsw *fsnotify.Watcher
	sf  singleflight.Group
}

// NewWatcher watches the directory containing path, so editors that replace
// the file atomically are still observed.
func NewWatcher(path string, onChange func()) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	return &Watcher{path: abs, onChange: onChange, delay: defaultWatchDelay, fsw: fsw}, nil
}

// Run delivers change notifications until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, w.fire)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watch: %v", err)
		}
	}
}

func (w *Watcher) fire() {
	_, _, _ = w.sf.Do("reload", func() (any, error) {
		w.onChange()
		return nil, nil
	})
}
