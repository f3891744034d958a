// Package sandbox runs tool calls on the local machine, confined to a
// workspace directory.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haldanesmith/agentloop/internal/fsutil"
	"github.com/haldanesmith/agentloop/internal/tool"
)

// DefaultShellTimeout bounds a shell command when the model does not ask
// for one.
const DefaultShellTimeout = 30 * time.Second

// MaxReadBytes limits how much of a file is returned to the model
const MaxReadBytes = 256 * 1024

// maxSearchResults caps grep output when the model does not set a limit
const maxSearchResults = 20

// Local executes shell, file and search calls on the host, with all file
// paths resolved inside the workspace root.
type Local struct {
	workspace string
	logger    *slog.Logger
}

// NewLocal creates a sandbox rooted at workspace. The directory is
// created if it does not exist.
func NewLocal(workspace string, logger *slog.Logger) (*Local, error) {
	if workspace == "" {
		return nil, fmt.Errorf("workspace directory is required")
	}
	if err := os.MkdirAll(workspace, 0700); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{workspace: abs, logger: logger}, nil
}

// Workspace returns the absolute workspace root
func (l *Local) Workspace() string {
	return l.workspace
}

// RunShell executes a command through the shell with a timeout, streaming
// combined output line by line through onOutput. The full output is also
// returned so the model sees it in the tool result.
func (l *Local) RunShell(ctx context.Context, in tool.ShellInput, onOutput func(chunk string)) (string, error) {
	if strings.TrimSpace(in.Command) == "" {
		return "", fmt.Errorf("shell command is empty")
	}

	timeout := DefaultShellTimeout
	if in.TimeoutMs > 0 {
		timeout = time.Duration(in.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := l.workspace
	if in.WorkingDir != "" {
		resolved, err := fsutil.ResolveWorkspacePath(l.workspace, in.WorkingDir)
		if err != nil {
			return "", fmt.Errorf("invalid working directory: %w", err)
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	l.logger.Debug("running shell command", "command", in.Command, "dir", dir, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}

	var b strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		b.WriteString(line)
		b.WriteByte('\n')
		if onOutput != nil {
			onOutput(line)
		}
	}

	waitErr := cmd.Wait()
	output := strings.TrimRight(b.String(), "\n")

	if ctx.Err() == context.DeadlineExceeded {
		return output, fmt.Errorf("command timed out after %s", timeout)
	}
	if waitErr != nil {
		return output, fmt.Errorf("command failed: %w", waitErr)
	}
	return output, nil
}

// FileOp dispatches a read, write, append, delete or list operation. All
// paths are validated against the workspace root.
func (l *Local) FileOp(ctx context.Context, in tool.FileInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch in.Operation {
	case "read":
		data, err := fsutil.ReadFileSafe(l.workspace, in.Path, MaxReadBytes)
		if err != nil {
			return "", err
		}
		return string(data), nil

	case "write":
		if _, err := fsutil.WriteFileSafe(l.workspace, in.Path, []byte(in.Content)); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s.", len(in.Content), in.Path), nil

	case "append":
		full, err := fsutil.ResolveWorkspacePath(l.workspace, in.Path)
		if err != nil {
			return "", fmt.Errorf("invalid file path: %w", err)
		}
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return "", fmt.Errorf("failed to open file: %w", err)
		}
		defer f.Close()
		if _, err := f.WriteString(in.Content); err != nil {
			return "", fmt.Errorf("failed to append: %w", err)
		}
		return fmt.Sprintf("Appended %d bytes to %s.", len(in.Content), in.Path), nil

	case "delete":
		full, err := fsutil.ResolveWorkspacePath(l.workspace, in.Path)
		if err != nil {
			return "", fmt.Errorf("invalid file path: %w", err)
		}
		if err := os.Remove(full); err != nil {
			return "", fmt.Errorf("failed to delete: %w", err)
		}
		return fmt.Sprintf("Deleted %s.", in.Path), nil

	case "list":
		rel := in.Path
		if rel == "" {
			rel = "."
		}
		full, err := fsutil.ResolveWorkspacePath(l.workspace, rel)
		if err != nil {
			return "", fmt.Errorf("invalid directory path: %w", err)
		}
		entries, err := os.ReadDir(full)
		if err != nil {
			return "", fmt.Errorf("failed to list directory: %w", err)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() {
				name += "/"
			}
			names = append(names, name)
		}
		sort.Strings(names)
		return strings.Join(names, "\n"), nil

	default:
		return "", fmt.Errorf("unknown file operation: %q", in.Operation)
	}
}

// Search walks the workspace and returns matching lines in grep -n form,
// capped at the requested result count.
func (l *Local) Search(ctx context.Context, in tool.SearchInput) (string, error) {
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("search query is empty")
	}

	limit := in.MaxResults
	if limit <= 0 {
		limit = maxSearchResults
	}

	var matches []string
	err := filepath.WalkDir(l.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != l.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= limit {
			return filepath.SkipAll
		}

		data, rerr := fsutil.ReadFileSafe(l.workspace, mustRel(l.workspace, path), MaxReadBytes)
		if rerr != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(line, in.Query) {
				rel := mustRel(l.workspace, path)
				matches = append(matches, fmt.Sprintf("%s:%d:%s", rel, i+1, line))
				if len(matches) >= limit {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search failed: %w", err)
	}

	if len(matches) == 0 {
		return "No matches found.", nil
	}
	return strings.Join(matches, "\n"), nil
}

// Invoke rejects tools the sandbox does not implement. The arguments are
// echoed back so the model can correct its call.
func (l *Local) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	return "", fmt.Errorf("tool %q is not available in the local sandbox", name)
}

func mustRel(root, path string) string {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return path
	}
	return rel
}
