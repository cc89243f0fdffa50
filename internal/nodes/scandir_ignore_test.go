package nodes

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turbocache/engine/internal/graph"
	"github.com/turbocache/engine/internal/vfs"
)

func TestScandirNode_IgnoreFiltersEntries(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.go"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debug.log"), []byte("x"), 0o644))

	n := &ScandirNode{Path: dir, Root: dir, Ignore: vfs.CompileIgnoreLines("*.log")}
	g := graph.New(nil)
	ctx := context.Background()
	runID := g.GenerateRunId()

	result, err := g.Get(ctx, n, runID)
	require.NoError(t, err)

	entries := result.([]DirEntry)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.ElementsMatch(t, []string{"keep.go"}, names)
}
