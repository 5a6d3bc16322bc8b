package tokenmgr

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const (
	watchDebounce = 500 * time.Millisecond
	// Writes the manager itself just performed are ignored for this long
	// so a save does not bounce back as a reload.
	selfWriteWindow = 2 * time.Second
)

// Watch reloads the pool when the token file changes on disk, typically
// after the OAuth bootstrap script rewrites it. Runs until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.store.Path())
	if dir == "" {
		dir = "."
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		target := filepath.Clean(m.store.Path())
		var debounce *time.Timer
		var debounceC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if debounce == nil {
					debounce = time.NewTimer(watchDebounce)
					debounceC = debounce.C
				} else {
					debounce.Reset(watchDebounce)
				}
			case <-debounceC:
				debounce = nil
				debounceC = nil

				m.mu.Lock()
				selfWrite := m.now().Sub(m.lastSave) < selfWriteWindow
				m.mu.Unlock()
				if selfWrite {
					log.Debugf("Ignoring token file change caused by our own save")
					continue
				}

				log.Infof("Token file %s changed, reloading", m.store.Path())
				if err := m.Reload(); err != nil {
					log.Errorf("Token file reload failed: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("Token file watcher error: %v", err)
			}
		}
	}()
	return nil
}
