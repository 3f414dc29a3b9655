package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks that a path is usable as a workspace binding: it must
// exist and be a directory. Returns the absolute path.
func Validate(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("workspace path is empty")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve workspace path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("workspace does not exist: %s", abs)
		}
		return "", fmt.Errorf("failed to stat workspace: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("workspace is not a directory: %s", abs)
	}

	return abs, nil
}
