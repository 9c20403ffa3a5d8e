package files

import (
	"os"
	"path/filepath"
)

// FindUp searches dir and its ancestors for a file named name, returning its
// path, or "" when the filesystem root is reached without a match. Used to
// locate a child binary that was built somewhere up the tree.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err != nil {
			return ""
		}
		for _, e := range entries {
			if name == e.Name() && !e.IsDir() {
				return filepath.Join(curDir, name)
			}
		}
		parent := filepath.Dir(curDir)
		if parent == curDir {
			return ""
		}
		curDir = parent
	}
}
