// Package filewatcher implements exactly the contract §1 leaves in scope
// for filesystem watching: a callback invoked with the paths that
// changed, so internal/watch can forward them into Graph.InvalidateFromRoots.
// The recursive-watch bookkeeping below (walking new directories into the
// fsnotify watch set, skipping .git/node_modules) is the minimum needed to
// make that callback fire reliably; it is deliberately not the teacher's
// full rename-cookie/platform-backend apparatus, which is out of scope.
package filewatcher

import (
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// _ignoredDirs are skipped (and not descended into) when building the
// initial recursive watch set.
var _ignoredDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
}

// FileWatchClient defines the callbacks used by the file watching loop.
// All methods are called from the same goroutine so they:
// 1) do not need synchronization
// 2) should minimize the work they are doing when called, if possible
type FileWatchClient interface {
	OnFileWatchEvent(ev fsnotify.Event)
	OnFileWatchError(err error)
	OnFileWatchClosed()
}

// FileWatcher recursively watches root for filesystem events and fans them
// out to registered clients.
type FileWatcher struct {
	*fsnotify.Watcher

	logger hclog.Logger
	root   string

	clientsMu sync.RWMutex
	clients   []FileWatchClient
	closed    bool
}

// New returns a new FileWatcher instance rooted at root.
func New(logger hclog.Logger, root string, watcher *fsnotify.Watcher) *FileWatcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &FileWatcher{
		Watcher: watcher,
		logger:  logger.Named("filewatcher"),
		root:    root,
	}
}

// Start recursively adds every directory under root to the watch set and
// fires off a goroutine to dispatch filesystem events to clients.
func (fw *FileWatcher) Start() error {
	if err := fw.watchRecursively(fw.root); err != nil {
		return err
	}
	go fw.watch()
	return nil
}

func (fw *FileWatcher) watchRecursively(root string) error {
	return filepath.WalkDir(root, func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _ignoredDirs[d.Name()] && name != root {
				return filepath.SkipDir
			}
			if err := fw.Add(name); err != nil {
				return errors.Wrapf(err, "failed adding watch to %v", name)
			}
		}
		return nil
	})
}

// onFileAdded helps paper over cross-platform inconsistencies in fsnotify:
// some backends automatically watch new directory contents, some do not.
// Adding a watch is idempotent, so whenever a path we care about appears,
// watch it (recursively, if it is itself a directory).
func (fw *FileWatcher) onFileAdded(name string) error {
	info, err := os.Lstat(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil // raced with a remove; nothing to watch
		}
		return err
	}
	if info.IsDir() {
		return fw.watchRecursively(name)
	}
	return fw.Add(name)
}

func (fw *FileWatcher) watch() {
	defer fw.closeClients()
	for {
		select {
		case ev, ok := <-fw.Watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create != 0 {
				if err := fw.onFileAdded(ev.Name); err != nil {
					fw.logger.Warn("failed to handle added path", "path", ev.Name, "error", err)
				}
			}
			fw.clientsMu.RLock()
			for _, c := range fw.clients {
				c.OnFileWatchEvent(ev)
			}
			fw.clientsMu.RUnlock()
		case err, ok := <-fw.Watcher.Errors:
			if !ok {
				return
			}
			fw.clientsMu.RLock()
			for _, c := range fw.clients {
				c.OnFileWatchError(err)
			}
			fw.clientsMu.RUnlock()
		}
	}
}

func (fw *FileWatcher) closeClients() {
	fw.clientsMu.Lock()
	defer fw.clientsMu.Unlock()
	fw.closed = true
	for _, c := range fw.clients {
		c.OnFileWatchClosed()
	}
}

// AddClient registers a client for filesystem events. If the watcher has
// already closed, it is notified immediately.
func (fw *FileWatcher) AddClient(client FileWatchClient) {
	fw.clientsMu.Lock()
	defer fw.clientsMu.Unlock()
	fw.clients = append(fw.clients, client)
	if fw.closed {
		client.OnFileWatchClosed()
	}
}
