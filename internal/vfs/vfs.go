// Package vfs defines the gitignore-predicate contract that Scandir and
// Snapshot nodes consult while walking a filesystem subtree. Evaluating
// gitignore syntax itself is an explicit out-of-scope collaborator (the
// embedding host owns parsing .gitignore files and any equivalent ignore
// rules); this package only fixes the interface those nodes depend on, plus
// a ready-made adapter over the teacher's own gitignore library for hosts
// and tests that just want standard gitignore semantics.
package vfs

import (
	gitignore "github.com/sabhiram/go-gitignore"
)

// IgnoreMatcher reports whether a path (relative to the root a node is
// walking) should be excluded from a Scandir/Snapshot result.
type IgnoreMatcher interface {
	MatchesPath(path string) bool
}

// GitignoreMatcher adapts sabhiram/go-gitignore's compiled pattern set to
// IgnoreMatcher, the same library and MatchesPath call the teacher's
// internal/run/hash.go uses to skip ignored files while hashing a package.
type GitignoreMatcher struct {
	gi *gitignore.GitIgnore
}

// CompileIgnoreLines builds a GitignoreMatcher from literal gitignore-syntax
// lines (e.g. read from a config the host already parsed).
func CompileIgnoreLines(lines ...string) *GitignoreMatcher {
	return &GitignoreMatcher{gi: gitignore.CompileIgnoreLines(lines...)}
}

// CompileIgnoreFile builds a GitignoreMatcher directly from a .gitignore
// file on disk, falling back to an empty (matches-nothing) matcher if the
// file does not exist, mirroring the teacher's safeCompileIgnoreFile.
func CompileIgnoreFile(path string) (*GitignoreMatcher, error) {
	gi, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return &GitignoreMatcher{gi: gitignore.CompileIgnoreLines()}, nil
	}
	return &GitignoreMatcher{gi: gi}, nil
}

func (m *GitignoreMatcher) MatchesPath(path string) bool {
	if m == nil || m.gi == nil {
		return false
	}
	return m.gi.MatchesPath(path)
}
