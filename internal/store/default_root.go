package store

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// defaultRoot resolves the local store root the way the engine behaves when
// its embedding host doesn't supply one: under the user's XDG cache
// directory, matching the corpus's use of adrg/xdg for default data
// directories.
func defaultRoot() string {
	return filepath.Join(xdg.CacheHome, "turbocache-engine", "store")
}
