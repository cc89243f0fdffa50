package filewatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingClient struct {
	events chan fsnotify.Event
	closed chan struct{}
}

func newRecordingClient() *recordingClient {
	return &recordingClient{events: make(chan fsnotify.Event, 16), closed: make(chan struct{})}
}

func (c *recordingClient) OnFileWatchEvent(ev fsnotify.Event) { c.events <- ev }
func (c *recordingClient) OnFileWatchError(err error)         {}
func (c *recordingClient) OnFileWatchClosed()                 { close(c.closed) }

func TestFileWatcher_DetectsFileWrite(t *testing.T) {
	root := t.TempDir()
	raw, err := fsnotify.NewWatcher()
	require.NoError(t, err)

	fw := New(nil, root, raw)
	client := newRecordingClient()
	fw.AddClient(client)
	require.NoError(t, fw.Start())

	target := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("hello"), 0o644))

	select {
	case ev := <-client.events:
		assert.Equal(t, target, ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write event")
	}
}

func TestFileWatcher_WatchesNewSubdirectory(t *testing.T) {
	root := t.TempDir()
	raw, err := fsnotify.NewWatcher()
	require.NoError(t, err)

	fw := New(nil, root, raw)
	client := newRecordingClient()
	fw.AddClient(client)
	require.NoError(t, fw.Start())

	sub := filepath.Join(root, "child")
	require.NoError(t, os.Mkdir(sub, 0o755))

	// Give the watch loop a moment to add the new directory, then confirm
	// writes inside it are observed too.
	time.Sleep(100 * time.Millisecond)
	target := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(target, []byte("hi"), 0o644))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-client.events:
			if ev.Name == target {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for nested write event")
		}
	}
}

func TestFileWatcher_IgnoresGitDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))

	raw, err := fsnotify.NewWatcher()
	require.NoError(t, err)
	fw := New(nil, root, raw)
	require.NoError(t, fw.watchRecursively(root))

	for _, dir := range fw.WatchList() {
		assert.NotContains(t, dir, filepath.Join(root, ".git"))
	}
}

func TestFileWatcher_NotifiesLateClientOfClosedWatcher(t *testing.T) {
	root := t.TempDir()
	raw, err := fsnotify.NewWatcher()
	require.NoError(t, err)

	fw := New(nil, root, raw)
	require.NoError(t, fw.Start())
	require.NoError(t, raw.Close())

	// Closing the underlying watcher closes its Events channel, which
	// drives the watch loop's closeClients path; poll until that settles.
	deadline := time.After(2 * time.Second)
	for {
		fw.clientsMu.RLock()
		closed := fw.closed
		fw.clientsMu.RUnlock()
		if closed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher never marked closed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	client := newRecordingClient()
	fw.AddClient(client)
	select {
	case <-client.closed:
	case <-time.After(time.Second):
		t.Fatal("late client was not notified of closed watcher")
	}
}
