package whitelist

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const watchDebounceInterval = 300 * time.Millisecond

// Start launches the background reload loop: a fixed-interval poll plus
// fsnotify events on the source's directory (the file itself may be replaced
// by rename). Subsequent calls are no-ops.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.WithError(err).Warn("whitelist: file watcher unavailable, falling back to polling only")
			watcher = nil
		} else if err := watcher.Add(filepath.Dir(m.path)); err != nil {
			log.WithError(err).Warnf("whitelist: cannot watch %s, falling back to polling only", filepath.Dir(m.path))
			_ = watcher.Close()
			watcher = nil
		}

		go m.watchLoop(ctx, watcher)
	})
}

// Stop signals the loop and waits for it with a bounded join.
func (m *Manager) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	select {
	case <-m.done:
	case <-time.After(2 * time.Second):
		log.Warn("whitelist: watcher did not stop in time")
	}
}

func (m *Manager) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer close(m.done)
	if watcher != nil {
		defer watcher.Close()
	}

	interval := m.interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceCh <-chan time.Time

	var events chan fsnotify.Event
	var errs chan error
	if watcher != nil {
		events = watcher.Events
		errs = watcher.Errors
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case <-ticker.C:
			m.reloadQuietly("watcher")
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(evt.Name) != filepath.Clean(m.path) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounceInterval)
				debounceCh = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(watchDebounceInterval)
			}
		case <-debounceCh:
			debounce = nil
			debounceCh = nil
			m.reloadQuietly("fsnotify")
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.WithError(err).Warn("whitelist: watcher error")
		}
	}
}

func (m *Manager) reloadQuietly(source string) {
	if _, err := m.Reload(false, source); err != nil {
		log.WithError(err).Warn("whitelist: background reload failed")
	}
}
