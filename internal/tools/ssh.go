package tools

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"google.golang.org/genai"

	"tandem/internal/logging"
)

// SSHTool executes commands and transfers files on remote hosts.
type SSHTool struct {
	defaultTimeout time.Duration
}

// NewSSHTool creates a new SSH tool.
func NewSSHTool() *SSHTool {
	return &SSHTool{
		defaultTimeout: 30 * time.Second,
	}
}

func (t *SSHTool) Name() string {
	return "ssh"
}

func (t *SSHTool) Description() string {
	return "Executes a command on a remote host over SSH, or transfers files with the upload and download actions. Uses key-based authentication from ~/.ssh by default."
}

func (t *SSHTool) Declaration() *genai.FunctionDeclaration {
	return &genai.FunctionDeclaration{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"host": {
					Type:        genai.TypeString,
					Description: "SSH server hostname or IP address",
				},
				"port": {
					Type:        genai.TypeInteger,
					Description: "SSH port (default: 22)",
				},
				"user": {
					Type:        genai.TypeString,
					Description: "SSH username (default: current user)",
				},
				"command": {
					Type:        genai.TypeString,
					Description: "Command to execute on the remote host",
				},
				"action": {
					Type:        genai.TypeString,
					Description: "Action: 'execute' (default), 'upload', 'download'",
					Enum:        []string{"execute", "upload", "download"},
				},
				"local_path": {
					Type:        genai.TypeString,
					Description: "Local file path for upload/download",
				},
				"remote_path": {
					Type:        genai.TypeString,
					Description: "Remote file path for upload/download",
				},
				"key_path": {
					Type:        genai.TypeString,
					Description: "Path to SSH private key (default: ~/.ssh/id_rsa)",
				},
				"timeout": {
					Type:        genai.TypeInteger,
					Description: "Timeout in seconds (default: 30)",
				},
			},
			Required: []string{"host"},
		},
	}
}

func (t *SSHTool) Validate(args map[string]any) error {
	host, ok := GetString(args, "host")
	if !ok || host == "" {
		return NewValidationError("host", "is required")
	}
	if host == "localhost" || host == "127.0.0.1" {
		return NewValidationError("host", "connections to localhost are not allowed")
	}

	action := GetStringDefault(args, "action", "execute")
	switch action {
	case "execute":
		if cmd, _ := GetString(args, "command"); strings.TrimSpace(cmd) == "" {
			return NewValidationError("command", "is required for execute")
		}
	case "upload", "download":
		if lp, _ := GetString(args, "local_path"); lp == "" {
			return NewValidationError("local_path", "is required for "+action)
		}
		if rp, _ := GetString(args, "remote_path"); rp == "" {
			return NewValidationError("remote_path", "is required for "+action)
		}
	default:
		return NewValidationError("action", "must be execute, upload, or download")
	}
	return nil
}

func (t *SSHTool) Execute(ctx context.Context, args map[string]any) (ToolResult, error) {
	host, _ := GetString(args, "host")
	port := GetIntDefault(args, "port", 22)
	action := GetStringDefault(args, "action", "execute")

	timeout := t.defaultTimeout
	if secs, ok := GetInt(args, "timeout"); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	username := GetStringDefault(args, "user", "")
	if username == "" {
		if current, err := user.Current(); err == nil {
			username = current.Username
		} else {
			username = "root"
		}
	}

	conn, err := t.dial(ctx, host, port, username, GetStringDefault(args, "key_path", ""), timeout)
	if err != nil {
		return NewErrorResult(fmt.Sprintf("connection failed: %s", err)), nil
	}
	defer conn.Close()

	switch action {
	case "upload":
		localPath, _ := GetString(args, "local_path")
		remotePath, _ := GetString(args, "remote_path")
		if err := t.upload(conn, localPath, remotePath); err != nil {
			return NewErrorResult(err.Error()), nil
		}
		return NewSuccessResult(fmt.Sprintf("Uploaded %s to %s:%s", localPath, host, remotePath)), nil

	case "download":
		localPath, _ := GetString(args, "local_path")
		remotePath, _ := GetString(args, "remote_path")
		if err := t.download(conn, remotePath, localPath); err != nil {
			return NewErrorResult(err.Error()), nil
		}
		return NewSuccessResult(fmt.Sprintf("Downloaded %s:%s to %s", host, remotePath, localPath)), nil

	default:
		command, _ := GetString(args, "command")
		output, exitCode, err := t.run(ctx, conn, command)
		if err != nil {
			return NewErrorResult(fmt.Sprintf("command failed: %s", err)), nil
		}
		if exitCode != 0 {
			return ToolResult{
				Content: output,
				Error:   fmt.Sprintf("command exited with status %d", exitCode),
				Success: false,
			}, nil
		}
		if output == "" {
			output = "(no output)"
		}
		return NewSuccessResult(output), nil
	}
}

// dial establishes an SSH connection with key-based auth.
func (t *SSHTool) dial(ctx context.Context, host string, port int, username, keyPath string, timeout time.Duration) (*ssh.Client, error) {
	var authMethods []ssh.AuthMethod

	candidates := []string{keyPath}
	if keyPath == "" {
		candidates = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}
	}
	for _, candidate := range candidates {
		key, err := os.ReadFile(expandHome(candidate))
		if err != nil {
			continue
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			logging.Warn("failed to parse SSH key", "path", candidate, "error", err)
			continue
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
		break
	}

	if len(authMethods) == 0 {
		return nil, fmt.Errorf("no usable SSH key found")
	}

	sshConfig := &ssh.ClientConfig{
		User:            username,
		Auth:            authMethods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	logging.Info("connecting to SSH", "addr", addr, "user", username)

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake failed: %w", err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// run executes a command over an established connection.
func (t *SSHTool) run(ctx context.Context, conn *ssh.Client, command string) (string, int, error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", -1, fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return "", -1, ctx.Err()
	case err := <-done:
		output := stdout.String()
		if stderr.Len() > 0 {
			if output != "" {
				output += "\nSTDERR:\n"
			}
			output += stderr.String()
		}

		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				exitCode = exitErr.ExitStatus()
			} else {
				return output, -1, err
			}
		}
		return output, exitCode, nil
	}
}

// upload copies a local file to the remote host via SFTP.
func (t *SSHTool) upload(conn *ssh.Client, localPath, remotePath string) error {
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sftpClient.Close()

	localFile, err := os.Open(expandHome(localPath))
	if err != nil {
		return fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	localInfo, err := localFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat local file: %w", err)
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create remote file: %w", err)
	}
	defer remoteFile.Close()

	if _, err := io.Copy(remoteFile, localFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := sftpClient.Chmod(remotePath, localInfo.Mode()); err != nil {
		logging.Warn("failed to set remote file permissions", "error", err)
	}
	return nil
}

// download copies a remote file to the local host via SFTP.
func (t *SSHTool) download(conn *ssh.Client, remotePath, localPath string) error {
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		return fmt.Errorf("failed to create SFTP client: %w", err)
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return fmt.Errorf("failed to open remote file: %w", err)
	}
	defer remoteFile.Close()

	remoteInfo, err := remoteFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat remote file: %w", err)
	}

	localFile, err := os.Create(expandHome(localPath))
	if err != nil {
		return fmt.Errorf("failed to create local file: %w", err)
	}
	defer localFile.Close()

	if _, err := io.Copy(localFile, remoteFile); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}

	if err := os.Chmod(localPath, remoteInfo.Mode()); err != nil {
		logging.Warn("failed to set local file permissions", "error", err)
	}
	return nil
}

// expandHome expands ~ to the home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if usr, err := user.Current(); err == nil {
			return filepath.Join(usr.HomeDir, path[2:])
		}
	}
	return path
}
