package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGitignoreMatcher_CompileIgnoreLines(t *testing.T) {
	m := CompileIgnoreLines("*.log", "node_modules/")
	assert.True(t, m.MatchesPath("debug.log"))
	assert.True(t, m.MatchesPath("node_modules/left-pad/index.js"))
	assert.False(t, m.MatchesPath("main.go"))
}

func TestGitignoreMatcher_CompileIgnoreFile_MissingFileMatchesNothing(t *testing.T) {
	m, err := CompileIgnoreFile(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.False(t, m.MatchesPath("anything"))
}

func TestGitignoreMatcher_CompileIgnoreFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".gitignore")
	require.NoError(t, os.WriteFile(path, []byte("dist/\n"), 0o644))

	m, err := CompileIgnoreFile(path)
	require.NoError(t, err)
	assert.True(t, m.MatchesPath("dist/bundle.js"))
	assert.False(t, m.MatchesPath("src/index.js"))
}
