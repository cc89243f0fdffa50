package graph

// InvalidateFromRoots resets to NotStarted every completed entry whose node
// reports (via InvalidationPaths) a dependency on one of the given paths, so
// the next Get re-runs it; the previous result is kept, so a re-run that
// produces an equal value keeps its Generation. Entries in Running are bumped
// to a fresh RunToken so their in-flight result is discarded when it lands;
// NotStarted entries are left alone. This is the callback contract §6 asks filesystem watcher
// collaborators to drive.
func (g *Graph) InvalidateFromRoots(paths []string) {
	changed := make(map[string]bool, len(paths))
	for _, p := range paths {
		changed[p] = true
	}

	g.idx.RLock()
	candidates := make([]*entry, 0, len(g.entries))
	for _, e := range g.entries {
		candidates = append(candidates, e)
	}
	g.idx.RUnlock()

	for _, e := range candidates {
		ip, ok := e.node.(InvalidationPaths)
		if !ok {
			continue
		}
		hit := false
		for _, p := range ip.InvalidationPaths() {
			if changed[p] {
				hit = true
				break
			}
		}
		if !hit {
			continue
		}
		g.invalidateEntry(e)
	}
}

func (g *Graph) invalidateEntry(e *entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateCompletedClean, stateCompletedDirty:
		// The node's own input changed, so cleaning (which only re-checks
		// graph dependencies) cannot vouch for the old result: re-run it.
		e.state = stateNotStarted
	case stateRunning:
		// Bump the token so the in-flight run's result is discarded when
		// it tries to publish; getOnce/awaitRunning callers observing a
		// stale token will retry.
		e.runToken++
	case stateUncacheableDeps:
		e.state = stateNotStarted
	}
}
