package tools

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	"google.golang.org/genai"

	"tandem/internal/fileutil"
)

// EditTool performs search/replace operations in files.
type EditTool struct {
	workDir string
}

// NewEditTool creates a new EditTool instance.
func NewEditTool(workDir string) *EditTool {
	return &EditTool{workDir: workDir}
}

func (t *EditTool) Name() string {
	return "edit"
}

func (t *EditTool) Description() string {
	return "Performs string replacement in a file. The old_string must be unique in the file unless replace_all is true."
}

func (t *EditTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"file_path": {
					Type:        genai.TypeString,
					Description: "Path to the file to edit, absolute or workspace-relative",
				},
				"old_string": {
					Type:        genai.TypeString,
					Description: "The text to find and replace",
				},
				"new_string": {
					Type:        genai.TypeString,
					Description: "The text to replace with (must be different from old_string)",
				},
				"replace_all": {
					Type:        genai.TypeBoolean,
					Description: "If true, replace all occurrences. If false (default), old_string must be unique.",
				},
			},
			Required: []string{"file_path", "old_string", "new_string"},
		},
	}
}

func (t *EditTool) Validate(args map[string]any) error {
	filePath, ok := GetString(args, "file_path")
	if !ok || filePath == "" {
		return NewValidationError("file_path", "is required")
	}

	oldStr, ok := GetString(args, "old_string")
	if !ok || oldStr == "" {
		return NewValidationError("old_string", "is required")
	}

	newStr, ok := GetString(args, "new_string")
	if !ok {
		return NewValidationError("new_string", "is required")
	}

	if oldStr == newStr {
		return NewValidationError("new_string", "must be different from old_string")
	}

	return nil
}

func (t *EditTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	rawPath, _ := GetString(args, "file_path")
	oldStr, _ := GetString(args, "old_string")
	newStr, _ := GetString(args, "new_string")
	replaceAll := GetBoolDefault(args, "replace_all", false)

	filePath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return NewErrorResult(fmt.Sprintf("file not found: %s", rawPath)), nil
		}
		return NewErrorResult(fmt.Sprintf("error reading file: %s", err)), nil
	}

	// Refuse binary files, detected by null bytes in the first 512 bytes
	checkLen := len(data)
	if checkLen > 512 {
		checkLen = 512
	}
	for _, b := range data[:checkLen] {
		if b == 0 {
			return NewErrorResult(fmt.Sprintf("cannot edit binary file: %s", rawPath)), nil
		}
	}

	content := string(data)
	count := strings.Count(content, oldStr)

	if count == 0 {
		return NewErrorResult(fmt.Sprintf("old_string not found in file: %s", rawPath)), nil
	}

	if count > 1 && !replaceAll {
		lines := strings.Split(content, "\n")
		var lineNums []string
		for i, line := range lines {
			if strings.Contains(line, oldStr) {
				lineNums = append(lineNums, fmt.Sprintf("%d", i+1))
			}
		}
		lineInfo := ""
		if len(lineNums) > 0 {
			lineInfo = fmt.Sprintf(" (lines: %s)", strings.Join(lineNums, ", "))
		}
		return NewErrorResult(fmt.Sprintf("old_string appears %d times in %s%s. Provide more surrounding context to make it unique, or set replace_all=true.", count, rawPath, lineInfo)), nil
	}

	var newContent string
	if replaceAll {
		newContent = strings.ReplaceAll(content, oldStr, newStr)
	} else {
		newContent = strings.Replace(content, oldStr, newStr, 1)
	}

	if err := fileutil.AtomicWrite(filePath, []byte(newContent), 0644); err != nil {
		return NewErrorResult(fmt.Sprintf("error writing file: %s", err)), nil
	}

	added, removed := diffLineCounts(content, newContent)

	var status string
	if replaceAll {
		status = fmt.Sprintf("Replaced %d occurrence(s) in %s (+%d/-%d lines)", count, rawPath, added, removed)
	} else {
		status = fmt.Sprintf("Replaced 1 occurrence in %s (+%d/-%d lines)", rawPath, added, removed)
	}

	return NewSuccessResultWithData(status, map[string]any{
		"file_path":     rawPath,
		"occurrences":   count,
		"lines_added":   added,
		"lines_removed": removed,
	}), nil
}

// diffLineCounts returns the number of lines added and removed between two
// versions of a file.
func diffLineCounts(before, after string) (added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		if n == 0 && d.Text != "" {
			n = 1
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += n
		case diffmatchpatch.DiffDelete:
			removed += n
		}
	}
	return added, removed
}
