package tools

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"google.golang.org/genai"
)

// SafeEnvVars is the whitelist of environment variables passed to commands.
// This prevents leaking sensitive variables like API keys.
var SafeEnvVars = []string{
	"PATH",
	"HOME",
	"USER",
	"SHELL",
	"TERM",
	"LANG",
	"LC_ALL",
	"LC_CTYPE",
	"TMPDIR",
	"TMP",
	"TEMP",
	"XDG_CONFIG_HOME",
	"XDG_DATA_HOME",
	"XDG_CACHE_HOME",
	"GOPATH",
	"GOROOT",
	"GOPROXY",
	"NODE_PATH",
	"PYTHONPATH",
	"VIRTUAL_ENV",
}

const (
	// DefaultBashTimeout is the default timeout for shell commands.
	DefaultBashTimeout = 2 * time.Minute
	// MaxOutputBytes caps captured command output.
	MaxOutputBytes = 100 * 1024
)

// BashTool executes shell commands in the workspace.
type BashTool struct {
	workDir string
	timeout time.Duration
}

// NewBashTool creates a new BashTool instance. A zero timeout uses the default.
func NewBashTool(workDir string, timeout time.Duration) *BashTool {
	if timeout <= 0 {
		timeout = DefaultBashTimeout
	}
	return &BashTool{
		workDir: workDir,
		timeout: timeout,
	}
}

// buildSafeEnv creates a sanitized environment for command execution.
func buildSafeEnv() []string {
	env := make([]string, 0, len(SafeEnvVars))
	hasPath := false
	for _, key := range SafeEnvVars {
		if val := os.Getenv(key); val != "" {
			env = append(env, key+"="+val)
			if key == "PATH" {
				hasPath = true
			}
		}
	}
	if !hasPath {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}

func (t *BashTool) Name() string {
	return "bash"
}

func (t *BashTool) Description() string {
	return "Executes a shell command in the workspace and returns combined stdout/stderr. Commands run with a sanitized environment and a timeout."
}

func (t *BashTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"command": {
					Type:        genai.TypeString,
					Description: "The shell command to execute",
				},
				"timeout": {
					Type:        genai.TypeInteger,
					Description: "Timeout in seconds. Optional.",
				},
			},
			Required: []string{"command"},
		},
	}
}

func (t *BashTool) Validate(args map[string]any) error {
	command, ok := GetString(args, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return NewValidationError("command", "is required")
	}
	return nil
}

func (t *BashTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	command, _ := GetString(args, "command")

	timeout := t.timeout
	if secs, ok := GetInt(args, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", command)
	cmd.Dir = t.workDir
	cmd.Env = buildSafeEnv()

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	out := output.String()
	if len(out) > MaxOutputBytes {
		out = out[:MaxOutputBytes] + "\n... (output truncated)"
	}

	if cmdCtx.Err() == context.DeadlineExceeded {
		return NewErrorResult(fmt.Sprintf("command timed out after %s:\n%s", timeout, out)), nil
	}

	if err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return ToolResult{
			Content: out,
			Error:   fmt.Sprintf("command failed (exit %d): %s", exitCode, err),
			Success: false,
		}, nil
	}

	if out == "" {
		out = fmt.Sprintf("(no output, finished in %s)", elapsed.Round(time.Millisecond))
	}

	return NewSuccessResult(out), nil
}
