package scheduler

import (
	"github.com/turbocache/engine/internal/nodes"
	"github.com/turbocache/engine/internal/process"
	"github.com/turbocache/engine/internal/vfs"
)

// DigestFile requests the content digest of one file, the leaf filesystem
// primitive from §3's Node variants.
func (s *Scheduler) DigestFile(path string) *nodes.DigestFileNode {
	return &nodes.DigestFileNode{Store: s.Store, Path: path}
}

// Snapshot requests a whole directory subtree's DigestTrie, filtered by an
// optional include/exclude glob set and an optional gitignore-style ignore
// predicate (see internal/vfs).
func (s *Scheduler) Snapshot(root string, includes, excludes []string, ignore vfs.IgnoreMatcher) *nodes.SnapshotNode {
	return &nodes.SnapshotNode{Store: s.Store, Root: root, Includes: includes, Excludes: excludes, Ignore: ignore}
}

// ExecuteProcess requests the result of running req, consulting the action
// cache before falling back to local/remote execution per §4.3.
func (s *Scheduler) ExecuteProcess(req *process.ExecuteProcess, buildID string) *nodes.ExecuteProcessNode {
	return &nodes.ExecuteProcessNode{Executor: s.Executor, Request: req, BuildId: buildID}
}
