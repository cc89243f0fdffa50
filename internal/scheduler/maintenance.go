package scheduler

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/turbocache/engine/internal/filewatcher"
	"github.com/turbocache/engine/internal/resettable"
	"github.com/turbocache/engine/internal/watch"
)

// WatchRoots starts the §6 filesystem watcher collaborator over root,
// wiring its change callback straight into Graph.InvalidateFromRoots via
// internal/watch.Collaborator. The returned FileWatcher must be stopped by
// the caller (its Start method blocks the calling goroutine's event loop
// internally via its own goroutine, matching the teacher's FileWatcher).
func (s *Scheduler) WatchRoots(root string, debounce time.Duration) (*filewatcher.FileWatcher, error) {
	raw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	fw := filewatcher.New(s.logger, root, raw)
	collaborator := watch.New(s.Graph, s.logger, debounce)
	fw.AddClient(collaborator)
	if err := fw.Start(); err != nil {
		return nil, err
	}
	return fw, nil
}

// RunGC starts a background loop sweeping the Store's expired leases every
// interval, implementing §3's "local GC" governed by each entry's
// lease_until timestamp. Stops when ctx is cancelled. The loop's lifecycle
// is held behind a resettable.Resettable so Fork can tear it down and
// rebuild it around a caller-supplied boundary without the caller having
// to track the ticker goroutine itself.
func (s *Scheduler) RunGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	s.gc = resettable.New(func() context.CancelFunc {
		loopCtx, cancel := context.WithCancel(ctx)
		go s.gcLoop(loopCtx, interval)
		return cancel
	}, func(cancel context.CancelFunc) {
		cancel()
	})
}

func (s *Scheduler) gcLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := s.Store.GC(time.Now())
			if err != nil {
				s.logger.Warn("store gc failed", "error", err)
				continue
			}
			s.logger.Debug("store gc", "scanned", stats.Scanned, "removed", stats.Removed)
		}
	}
}
