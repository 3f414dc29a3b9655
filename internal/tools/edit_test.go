package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWorkspaceFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestEditToolReplacesUniqueString(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkspaceFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	tool := NewEditTool(dir)
	result, err := tool.Execute(context.Background(), map[string]any{
		"file_path":  "main.go",
		"old_string": "func main() {}",
		"new_string": "func main() {\n\tprintln(\"hi\")\n}",
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, result.Content, "Replaced 1 occurrence")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "println")
}

func TestEditToolAmbiguousMatchRejected(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "notes.txt", "todo\ntodo\n")

	tool := NewEditTool(dir)
	result, err := tool.Execute(context.Background(), map[string]any{
		"file_path":  "notes.txt",
		"old_string": "todo",
		"new_string": "done",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "appears 2 times")
}

func TestEditToolReplaceAll(t *testing.T) {
	dir := t.TempDir()
	path := writeWorkspaceFile(t, dir, "notes.txt", "todo\ntodo\n")

	tool := NewEditTool(dir)
	result, err := tool.Execute(context.Background(), map[string]any{
		"file_path":   "notes.txt",
		"old_string":  "todo",
		"new_string":  "done",
		"replace_all": true,
	})
	require.NoError(t, err)
	require.True(t, result.Success, result.Error)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "done\ndone\n", string(data))
}

func TestEditToolMissingOldString(t *testing.T) {
	dir := t.TempDir()
	writeWorkspaceFile(t, dir, "notes.txt", "content\n")

	tool := NewEditTool(dir)
	result, err := tool.Execute(context.Background(), map[string]any{
		"file_path":  "notes.txt",
		"old_string": "absent",
		"new_string": "present",
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not found")
}

func TestEditToolValidate(t *testing.T) {
	tool := NewEditTool(t.TempDir())

	assert.Error(t, tool.Validate(map[string]any{"old_string": "a", "new_string": "b"}))
	assert.Error(t, tool.Validate(map[string]any{"file_path": "f", "new_string": "b"}))
	assert.Error(t, tool.Validate(map[string]any{"file_path": "f", "old_string": "a", "new_string": "a"}))
	assert.NoError(t, tool.Validate(map[string]any{"file_path": "f", "old_string": "a", "new_string": "b"}))
}

func TestResolvePathConfinement(t *testing.T) {
	dir := t.TempDir()

	abs, err := resolvePath(dir, "sub/file.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sub", "file.txt"), abs)

	_, err = resolvePath(dir, "../outside.txt")
	assert.Error(t, err)

	_, err = resolvePath(dir, "/etc/passwd")
	assert.Error(t, err)

	_, err = resolvePath(dir, "")
	assert.Error(t, err)
}
