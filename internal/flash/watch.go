package flash

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce groups the burst of events a linker emits for one build.
const DefaultDebounce = 300 * time.Millisecond

// ChangeFunc is called once per settled change of the watched file.
type ChangeFunc func(ctx context.Context) error

// Watcher re-runs a callback whenever a firmware file is rewritten.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   zerolog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher watches path. The parent directory is watched so that files
// replaced by rename (most linkers and editors) keep being tracked.
func NewWatcher(path string, debounce time.Duration, logger zerolog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	return &Watcher{path: abs, debounce: debounce, logger: logger, fsw: fsw}, nil
}

// Run blocks until ctx is done, calling fn after each settled change.
// Errors from fn are logged and do not stop the loop.
func (w *Watcher) Run(ctx context.Context, fn ChangeFunc) error {
	defer func() { _ = w.fsw.Close() }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	pending := false

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
			w.logger.Debug().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("Firmware file changed")
			timer.Reset(w.debounce)
			pending = true
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		case <-timer.C:
			if !pending {
				continue
			}
			pending = false
			if err := fn(ctx); err != nil {
				w.logger.Error().Err(err).Str("file", w.path).Msg("Reflash failed")
				continue
			}
		}
	}
}

// Close stops watching without waiting for Run.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
