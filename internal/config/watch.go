package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "volley/pkg/logx"
)

const reloadDebounce = 250 * time.Millisecond

var errWatchClosed = errors.New("config: watcher closed")

// Watch reloads the file whenever it changes, until ctx is done. Editors
// often write in bursts, so events are debounced. The directory is watched
// rather than the file so atomic rename-on-save is seen.
//
// A broken watcher returns an error; run Watch under a restarting
// supervisor.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}
	m.log.Debug("config.watching", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return errWatchClosed
			}
			if filepath.Base(ev.Name) == name && ev.Op != fsnotify.Chmod {
				debounce.Reset(reloadDebounce)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return errWatchClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				// Events were lost; the file may have changed.
				m.log.Warn("config.watch_overflow", logx.String("dir", dir))
				debounce.Reset(reloadDebounce)
				continue
			}
			m.log.Warn("config.watch_error", logx.String("dir", dir), logx.Err(err))

		case <-debounce.C:
			m.Reload(ctx)
		}
	}
}
