// Package watch adapts the teacher's internal/filewatcher FileWatcher
// (fsnotify-based, recursive, with an exclude-pattern and a
// FileWatchClient callback contract) into the invalidation collaborator
// §6 describes: a component that observes filesystem changes and calls
// Graph.InvalidateFromRoots with the paths that changed. Events are
// coalesced over a short debounce window so a burst of writes during one
// build produces a single invalidation pass instead of one per event.
package watch

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"

	"github.com/turbocache/engine/internal/filewatcher"
	"github.com/turbocache/engine/internal/graph"
)

// Invalidator is the subset of *graph.Graph this package depends on.
type Invalidator interface {
	InvalidateFromRoots(paths []string)
}

// Collaborator implements filewatcher.FileWatchClient, batching changed
// paths and invalidating them against a Graph after Debounce of quiet time.
type Collaborator struct {
	graph    Invalidator
	logger   hclog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
}

// New builds a Collaborator. debounce defaults to 50ms if zero.
func New(g Invalidator, logger hclog.Logger, debounce time.Duration) *Collaborator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if debounce <= 0 {
		debounce = 50 * time.Millisecond
	}
	return &Collaborator{
		graph:    g,
		logger:   logger.Named("watch"),
		debounce: debounce,
		pending:  make(map[string]bool),
	}
}

// OnFileWatchEvent implements filewatcher.FileWatchClient.
func (c *Collaborator) OnFileWatchEvent(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[path] = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.flush)
}

// OnFileWatchError implements filewatcher.FileWatchClient.
func (c *Collaborator) OnFileWatchError(err error) {
	c.logger.Warn("file watch error", "error", err)
}

// OnFileWatchClosed implements filewatcher.FileWatchClient.
func (c *Collaborator) OnFileWatchClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.flushLocked()
}

func (c *Collaborator) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Collaborator) flushLocked() {
	if len(c.pending) == 0 {
		return
	}
	paths := make([]string, 0, len(c.pending))
	for p := range c.pending {
		paths = append(paths, p)
	}
	c.pending = make(map[string]bool)
	c.logger.Debug("invalidating from watch events", "count", len(paths))
	c.graph.InvalidateFromRoots(paths)
}

var _ filewatcher.FileWatchClient = (*Collaborator)(nil)
var _ Invalidator = (*graph.Graph)(nil)
