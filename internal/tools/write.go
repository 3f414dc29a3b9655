package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"google.golang.org/genai"

	"tandem/internal/fileutil"
)

// WriteTool writes content to a file, creating parent directories as needed.
type WriteTool struct {
	workDir string
}

// NewWriteTool creates a new WriteTool instance.
func NewWriteTool(workDir string) *WriteTool {
	return &WriteTool{workDir: workDir}
}

func (t *WriteTool) Name() string {
	return "write"
}

func (t *WriteTool) Description() string {
	return "Writes content to a file in the workspace, overwriting if it exists. Parent directories are created automatically."
}

func (t *WriteTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {
					Type:        genai.TypeString,
					Description: "Path to the file to write, absolute or workspace-relative",
				},
				"content": {
					Type:        genai.TypeString,
					Description: "The content to write to the file",
				},
			},
			Required: []string{"file_path", "content"},
		},
	}
}

func (t *WriteTool) Validate(args map[string]any) error {
	filePath, ok := GetString(args, "file_path")
	if !ok || filePath == "" {
		return NewValidationError("file_path", "is required")
	}
	if _, ok := GetString(args, "content"); !ok {
		return NewValidationError("content", "is required")
	}
	return nil
}

func (t *WriteTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	rawPath, _ := GetString(args, "file_path")
	content, _ := GetString(args, "content")

	filePath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	existed := false
	if _, err := os.Stat(filePath); err == nil {
		existed = true
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return NewErrorResult(fmt.Sprintf("error creating directories: %s", err)), nil
	}

	if err := fileutil.AtomicWrite(filePath, []byte(content), 0644); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}

	verb := "Created"
	if existed {
		verb = "Updated"
	}
	lines := strings.Count(content, "\n")
	if len(content) > 0 && !strings.HasSuffix(content, "\n") {
		lines++
	}

	return NewSuccessResult(fmt.Sprintf("%s %s (%d lines, %d bytes)", verb, rawPath, lines, len(content))), nil
}
