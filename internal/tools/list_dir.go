package tools

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"google.golang.org/genai"
)

// ListDirTool lists the entries of a directory.
type ListDirTool struct {
	workDir string
}

// NewListDirTool creates a new ListDirTool instance.
func NewListDirTool(workDir string) *ListDirTool {
	return &ListDirTool{workDir: workDir}
}

func (t *ListDirTool) Name() string {
	return "list_dir"
}

func (t *ListDirTool) Description() string {
	return "Lists files and directories at a path. Directories are suffixed with a slash."
}

func (t *ListDirTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"path": {
					Type:        genai.TypeString,
					Description: "The directory to list. Defaults to the workspace root.",
				},
				"show_hidden": {
					Type:        genai.TypeBoolean,
					Description: "If true, include entries starting with a dot.",
				},
			},
		},
	}
}

func (t *ListDirTool) Validate(args map[string]any) error {
	return nil
}

func (t *ListDirTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	rawPath := GetStringDefault(args, "path", t.workDir)
	showHidden := GetBoolDefault(args, "show_hidden", false)

	dirPath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("directory not found: %s", rawPath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading directory: %s", err)), nil
	}

	sort.Slice(entries, func(i, j int) bool {
		// Directories first, then lexical
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var builder strings.Builder
	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if !showHidden && strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir() {
			builder.WriteString(name + "/\n")
		} else {
			builder.WriteString(name + "\n")
		}
		count++
	}

	if count == 0 {
		return NewSuccessResult("(empty directory)"), nil
	}
	return NewSuccessResult(builder.String()), nil
}
