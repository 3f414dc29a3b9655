package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tandem/internal/logging"
)

// Transport defines the interface for server transport implementations.
type Transport interface {
	// Send sends a JSON-RPC message to the server.
	Send(msg *JSONRPCMessage) error

	// Receive receives a JSON-RPC message from the server.
	// Returns io.EOF when the transport is closed.
	Receive() (*JSONRPCMessage, error)

	// Close closes the transport connection.
	Close() error
}

// safeEnvVars is the whitelist of environment variables passed to server
// processes. This prevents leaking sensitive variables like API keys.
var safeEnvVars = []string{
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
	"XDG_RUNTIME_DIR",
	"NODE_PATH",
	"NPM_CONFIG_PREFIX",
	"PYTHONPATH",
	"VIRTUAL_ENV",
}

// buildSafeEnv creates a sanitized environment for server process execution.
func buildSafeEnv() []string {
	env := make([]string, 0, len(safeEnvVars))
	hasPath := false
	for _, key := range safeEnvVars {
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

// StdioTransport communicates with a server over the child process's stdio.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.ReadCloser

	encoder *json.Encoder
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool

	stderrDone chan struct{}
}

// NewStdioTransport starts the server command and wires up its pipes.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	cmd := exec.Command(command, args...)

	cmd.Env = buildSafeEnv()
	for k, v := range env {
		// ${VAR} references in configured env values are expanded
		cmd.Env = append(cmd.Env, k+"="+os.ExpandEnv(v))
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start server process: %w", err)
	}

	t := &StdioTransport{
		cmd:        cmd,
		stdin:      stdin,
		stderr:     stderr,
		encoder:    json.NewEncoder(stdin),
		scanner:    bufio.NewScanner(stdout),
		stderrDone: make(chan struct{}),
	}

	const maxScannerBuffer = 1024 * 1024
	t.scanner.Buffer(make([]byte, 0, 64*1024), maxScannerBuffer)

	go t.drainStderr()

	logging.Debug("stdio transport started",
		"command", command,
		"args", args,
		"pid", cmd.Process.Pid)

	return t, nil
}

// drainStderr reads and logs stderr output from the server process.
func (t *StdioTransport) drainStderr() {
	defer close(t.stderrDone)
	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		logging.Debug("server stderr", "line", scanner.Text())
	}
}

// Send sends a JSON-RPC message to the server.
func (t *StdioTransport) Send(msg *JSONRPCMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("transport is closed")
	}

	msg.JSONRPC = "2.0"

	// One JSON document per line, per the stdio framing convention
	if err := t.encoder.Encode(msg); err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return nil
}

// Receive receives a JSON-RPC message from the server.
func (t *StdioTransport) Receive() (*JSONRPCMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.EOF
	}
	t.mu.Unlock()

	for {
		if !t.scanner.Scan() {
			if err := t.scanner.Err(); err != nil {
				return nil, fmt.Errorf("scanner error: %w", err)
			}
			return nil, io.EOF
		}

		line := strings.TrimSpace(t.scanner.Text())
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON-RPC message: %w", err)
		}
		return &msg, nil
	}
}

// Close closes the transport and terminates the server process.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	// Closing stdin signals the server to exit
	if t.stdin != nil {
		t.stdin.Close()
	}

	select {
	case <-t.stderrDone:
	case <-time.After(time.Second):
	}

	done := make(chan error, 1)
	go func() {
		done <- t.cmd.Wait()
	}()

	select {
	case <-done:
		logging.Debug("server process exited")
	case <-time.After(5 * time.Second):
		logging.Warn("server not responding, killing process")
		if t.cmd.Process != nil {
			t.cmd.Process.Kill()
		}
		<-done
	}

	return nil
}

// HTTPTransport communicates with a server via HTTP POST.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client

	recvChan chan *JSONRPCMessage

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(url string, headers map[string]string, timeout time.Duration) (*HTTPTransport, error) {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	t := &HTTPTransport{
		url:      url,
		headers:  headers,
		client:   &http.Client{Timeout: timeout},
		recvChan: make(chan *JSONRPCMessage, 10),
		ctx:      ctx,
		cancel:   cancel,
	}

	logging.Debug("http transport created", "url", url)
	return t, nil
}

// Send posts a JSON-RPC message. A response body, if present, is queued for
// Receive.
func (t *HTTPTransport) Send(msg *JSONRPCMessage) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	t.mu.Unlock()

	msg.JSONRPC = "2.0"

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(t.ctx, "POST", t.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if len(body) > 0 {
		var response JSONRPCMessage
		if err := json.Unmarshal(body, &response); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}

		select {
		case t.recvChan <- &response:
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
	}

	return nil
}

// Receive receives a queued JSON-RPC message.
func (t *HTTPTransport) Receive() (*JSONRPCMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, io.EOF
	}
	t.mu.Unlock()

	select {
	case msg := <-t.recvChan:
		return msg, nil
	case <-t.ctx.Done():
		return nil, io.EOF
	}
}

// Close closes the HTTP transport.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	t.cancel()
	return nil
}
