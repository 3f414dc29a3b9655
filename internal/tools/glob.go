package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"google.golang.org/genai"
)

// GlobTool finds files matching a glob pattern.
type GlobTool struct {
	workDir string
}

// NewGlobTool creates a new GlobTool instance.
func NewGlobTool(workDir string) *GlobTool {
	return &GlobTool{workDir: workDir}
}

func (t *GlobTool) Name() string {
	return "glob"
}

func (t *GlobTool) Description() string {
	return "Finds files matching a glob pattern such as '**/*.go'. Returns file paths sorted by modification time, newest first."
}

func (t *GlobTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"pattern": {
					Type:        genai.TypeString,
					Description: "The glob pattern to match (e.g., '**/*.go', 'src/**/*.ts')",
				},
				"path": {
					Type:        genai.TypeString,
					Description: "The directory to search in. Defaults to the workspace root.",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GlobTool) Validate(args map[string]any) error {
	pattern, ok := GetString(args, "pattern")
	if !ok || pattern == "" {
		return NewValidationError("pattern", "is required")
	}
	return nil
}

func (t *GlobTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	pattern, _ := GetString(args, "pattern")
	rawPath := GetStringDefault(args, "path", t.workDir)

	searchPath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	if _, err := os.Stat(searchPath); err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("path not found: %s", rawPath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error accessing path: %s", err)), nil
	}

	matches, err := doublestar.FilepathGlob(filepath.Join(searchPath, pattern))
	if err != nil {
		return NewErrorResult(fmt.Sprintf("invalid pattern: %s", err)), nil
	}

	type fileInfo struct {
		path    string
		modTime int64
	}
	var files []fileInfo

	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, fileInfo{
			path:    match,
			modTime: info.ModTime().Unix(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime > files[j].modTime
	})

	const maxResults = 1000
	totalFound := len(files)
	if len(files) > maxResults {
		files = files[:maxResults]
	}

	if len(files) == 0 {
		return NewSuccessResult("(no matches)"), nil
	}

	var builder strings.Builder
	if totalFound > maxResults {
		builder.WriteString(fmt.Sprintf("(showing %d of %d)\n", maxResults, totalFound))
	}
	for _, f := range files {
		relPath, err := filepath.Rel(t.workDir, f.path)
		if err != nil {
			relPath = f.path
		}
		builder.WriteString(relPath)
		builder.WriteString("\n")
	}

	return NewSuccessResult(builder.String()), nil
}
