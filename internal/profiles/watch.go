package profiles

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pinchtab/pinchtab/internal/domain"
)

const discoverDebounce = time.Second

// Watch discovers profile directories that appear in the base directory while
// the orchestrator runs. onDiscover is called once per back-filled profile.
func (m *Manager) Watch(ctx context.Context, onDiscover func(domain.Profile)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(m.baseDir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", m.baseDir, err)
	}

	go func() {
		defer watcher.Close()

		timer := time.NewTimer(discoverDebounce)
		timer.Stop()
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
					timer.Reset(discoverDebounce)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.log.WithError(err).Warn("profile watcher error")
			case <-timer.C:
				found, err := m.Discover(ctx)
				if err != nil {
					m.log.WithError(err).Warn("profile discovery failed")
					continue
				}
				for _, p := range found {
					if onDiscover != nil {
						onDiscover(p)
					}
				}
			}
		}
	}()
	return nil
}
