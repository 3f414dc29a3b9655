package tools

import (
	"fmt"
	"path/filepath"
	"strings"
)

// resolvePath resolves a tool path argument against the workspace root and
// rejects paths that escape it.
func resolvePath(workDir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is empty")
	}

	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workDir, abs)
	}
	abs = filepath.Clean(abs)

	rel, err := filepath.Rel(workDir, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return abs, nil
}
