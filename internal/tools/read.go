package tools

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const (
	// DefaultReadLimit is the maximum number of lines returned per call.
	DefaultReadLimit = 2000
	// MaxLineLength truncates pathologically long lines.
	MaxLineLength = 2000
)

// ReadTool reads files and returns their contents with line numbers.
type ReadTool struct {
	workDir string
}

// NewReadTool creates a new ReadTool instance.
func NewReadTool(workDir string) *ReadTool {
	return &ReadTool{workDir: workDir}
}

func (t *ReadTool) Name() string {
	return "read"
}

func (t *ReadTool) Description() string {
	return "Reads a file from the workspace and returns its contents with line numbers (cat -n style). Use offset and limit to page through large files."
}

func (t *ReadTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {
					Type:        genai.TypeString,
					Description: "Path to the file to read, absolute or workspace-relative",
				},
				"offset": {
					Type:        genai.TypeInteger,
					Description: "The line number to start reading from (1-indexed). Optional.",
				},
				"limit": {
					Type:        genai.TypeInteger,
					Description: "The maximum number of lines to read. Optional, defaults to 2000.",
				},
			},
			Required: []string{"file_path"},
		},
	}
}

func (t *ReadTool) Validate(args map[string]any) error {
	filePath, ok := GetString(args, "file_path")
	if !ok || filePath == "" {
		return NewValidationError("file_path", "is required")
	}
	return nil
}

func (t *ReadTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	rawPath, _ := GetString(args, "file_path")
	offset := GetIntDefault(args, "offset", 1)
	limit := GetIntDefault(args, "limit", DefaultReadLimit)

	filePath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", rawPath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error accessing file: %s", err)), nil
	}
	if info.IsDir() {
		return NewErrorResult(fmt.Sprintf("%s is a directory, not a file", rawPath)), nil
	}

	if offset < 1 {
		offset = 1
	}
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	file, err := os.Open(filePath)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("error opening file: %s", err)), nil
	}
	defer file.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB buffer for long lines

	lineNum := 0
	linesRead := 0

	for scanner.Scan() {
		lineNum++
		if lineNum < offset {
			continue
		}
		if linesRead >= limit {
			break
		}

		line := scanner.Text()
		if len(line) > MaxLineLength {
			line = line[:MaxLineLength] + "..."
		}

		builder.WriteString(fmt.Sprintf("%6d\t%s\n", lineNum, line))
		linesRead++
	}

	if err := scanner.Err(); err != nil {
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	content := builder.String()
	if content == "" {
		if offset > 1 && lineNum > 0 {
			content = fmt.Sprintf("(offset %d is beyond end of file, file has %d lines)", offset, lineNum)
		} else {
			content = "(empty file)"
		}
	}

	return NewSuccessResult(content), nil
}
