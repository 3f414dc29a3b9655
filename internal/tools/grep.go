package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"google.golang.org/genai"
)

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	workDir string
}

// NewGrepTool creates a new GrepTool instance.
func NewGrepTool(workDir string) *GrepTool {
	return &GrepTool{workDir: workDir}
}

func (t *GrepTool) Name() string {
	return "grep"
}

func (t *GrepTool) Description() string {
	return "Searches file contents for a regular expression and returns matching lines with file path and line number. Use include to restrict the search to files matching a glob."
}

func (t *GrepTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"pattern": {
					Type:        genai.TypeString,
					Description: "The regular expression to search for",
				},
				"path": {
					Type:        genai.TypeString,
					Description: "The directory to search in. Defaults to the workspace root.",
				},
				"include": {
					Type:        genai.TypeString,
					Description: "Glob pattern to filter files (e.g., '*.go'). Optional.",
				},
				"case_insensitive": {
					Type:        genai.TypeBoolean,
					Description: "If true, match case-insensitively.",
				},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *GrepTool) Validate(args map[string]any) error {
	pattern, ok := GetString(args, "pattern")
	if !ok || pattern == "" {
		return NewValidationError("pattern", "is required")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return NewValidationError("pattern", fmt.Sprintf("invalid regex: %s", err))
	}
	return nil
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	pattern, _ := GetString(args, "pattern")
	rawPath := GetStringDefault(args, "path", t.workDir)
	include, _ := GetString(args, "include")
	caseInsensitive := GetBoolDefault(args, "case_insensitive", false)

	if caseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("invalid regex: %s", err)), nil
	}

	searchPath, err := resolvePath(t.workDir, rawPath)
	if err != nil {
		return NewErrorResult(err.Error()), nil
	}

	const maxMatches = 500
	var builder strings.Builder
	matches := 0

	walkErr := filepath.WalkDir(searchPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, d.Name()); !ok {
				return nil
			}
		}
		if matches >= maxMatches {
			return filepath.SkipAll
		}

		return t.grepFile(re, path, &builder, &matches, maxMatches)
	})

	if walkErr != nil && ctx.Err() != nil {
		return NewErrorResult("search cancelled"), nil
	}

	if matches == 0 {
		return NewSuccessResult("(no matches)"), nil
	}

	out := builder.String()
	if matches >= maxMatches {
		out += fmt.Sprintf("... (stopped at %d matches)\n", maxMatches)
	}
	return NewSuccessResult(out), nil
}

// grepFile scans one file for matches, appending formatted lines.
func (t *GrepTool) grepFile(re *regexp.Regexp, path string, builder *strings.Builder, matches *int, maxMatches int) error {
	file, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer file.Close()

	// Skip binary files by sniffing the first bytes
	head := make([]byte, 512)
	n, _ := file.Read(head)
	for _, b := range head[:n] {
		if b == 0 {
			return nil
		}
	}
	if _, err := file.Seek(0, 0); err != nil {
		return nil
	}

	relPath, err := filepath.Rel(t.workDir, path)
	if err != nil {
		relPath = path
	}

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if re.MatchString(line) {
			if len(line) > MaxLineLength {
				line = line[:MaxLineLength] + "..."
			}
			builder.WriteString(fmt.Sprintf("%s:%d: %s\n", relPath, lineNum, line))
			*matches++
			if *matches >= maxMatches {
				return filepath.SkipAll
			}
		}
	}
	return nil
}
