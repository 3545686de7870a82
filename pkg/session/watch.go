package session

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

const catalogDebounce = 200 * time.Millisecond

// Watch reloads the catalog whenever its file is written or replaced and
// blocks until ctx is done. The parent directory is watched so editors
// that save through a rename are still noticed.
func (c *FileCatalog) Watch(ctx context.Context, logger *logrus.Logger, onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		return err
	}
	target := filepath.Clean(c.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	reload := func() {
		if err := c.Reload(); err != nil {
			logger.WithError(err).WithField("path", c.path).Warn("Session catalog reload failed; keeping previous contents")
			return
		}
		logger.WithField("sessions", len(c.IDs())).Info("Session catalog reloaded")
		if onReload != nil {
			onReload()
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(catalogDebounce, reload)
			mu.Unlock()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.WithError(err).Warn("Session catalog watcher error")
		}
	}
}
