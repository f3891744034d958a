package sandbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldanesmith/agentloop/internal/tool"
)

func newTestSandbox(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return l
}

func TestNewLocalCreatesWorkspace(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "workspace")
	l, err := NewLocal(dir, nil)
	require.NoError(t, err)

	info, err := os.Stat(l.Workspace())
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	_, err = NewLocal("", nil)
	require.Error(t, err)
}

func TestRunShell(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	var mu sync.Mutex
	var chunks []string
	onOutput := func(chunk string) {
		mu.Lock()
		chunks = append(chunks, chunk)
		mu.Unlock()
	}

	out, err := l.RunShell(ctx, tool.ShellInput{Command: "echo one && echo two"}, onOutput)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", out)
	assert.Equal(t, []string{"one", "two"}, chunks)
}

func TestRunShellEmptyCommand(t *testing.T) {
	l := newTestSandbox(t)

	_, err := l.RunShell(context.Background(), tool.ShellInput{Command: "   "}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shell command is empty")
}

func TestRunShellNonZeroExit(t *testing.T) {
	l := newTestSandbox(t)

	out, err := l.RunShell(context.Background(), tool.ShellInput{Command: "echo partial && exit 3"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command failed")
	assert.Equal(t, "partial", out)
}

func TestRunShellTimeout(t *testing.T) {
	l := newTestSandbox(t)

	start := time.Now()
	_, err := l.RunShell(context.Background(), tool.ShellInput{Command: "sleep 5", TimeoutMs: 100}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command timed out after 100ms")
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRunShellWorkingDir(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Join(l.Workspace(), "sub"), 0700))

	out, err := l.RunShell(ctx, tool.ShellInput{Command: "pwd", WorkingDir: "sub"}, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, "/sub"))

	_, err = l.RunShell(ctx, tool.ShellInput{Command: "pwd", WorkingDir: "../outside"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid working directory")
}

func TestFileOpWriteReadRoundTrip(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	out, err := l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "notes/draft.txt", Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "Wrote 5 bytes to notes/draft.txt.", out)

	got, err := l.FileOp(ctx, tool.FileInput{Operation: "read", Path: "notes/draft.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestFileOpAppend(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	_, err := l.FileOp(ctx, tool.FileInput{Operation: "append", Path: "log.txt", Content: "a\n"})
	require.NoError(t, err)
	_, err = l.FileOp(ctx, tool.FileInput{Operation: "append", Path: "log.txt", Content: "b\n"})
	require.NoError(t, err)

	got, err := l.FileOp(ctx, tool.FileInput{Operation: "read", Path: "log.txt"})
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", got)
}

func TestFileOpDelete(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	_, err := l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "tmp.txt", Content: "x"})
	require.NoError(t, err)

	out, err := l.FileOp(ctx, tool.FileInput{Operation: "delete", Path: "tmp.txt"})
	require.NoError(t, err)
	assert.Equal(t, "Deleted tmp.txt.", out)

	_, err = l.FileOp(ctx, tool.FileInput{Operation: "read", Path: "tmp.txt"})
	require.Error(t, err)
}

func TestFileOpList(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	_, err := l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "b.txt", Content: ""})
	require.NoError(t, err)
	_, err = l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "sub/a.txt", Content: ""})
	require.NoError(t, err)

	out, err := l.FileOp(ctx, tool.FileInput{Operation: "list", Path: ""})
	require.NoError(t, err)
	assert.Equal(t, "b.txt\nsub/", out)
}

func TestFileOpRejectsEscapes(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	for _, path := range []string{"../escape.txt", "/etc/passwd"} {
		_, err := l.FileOp(ctx, tool.FileInput{Operation: "read", Path: path})
		require.Error(t, err, "path %q must be rejected", path)
	}
}

func TestFileOpUnknownOperation(t *testing.T) {
	l := newTestSandbox(t)

	_, err := l.FileOp(context.Background(), tool.FileInput{Operation: "truncate", Path: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown file operation: "truncate"`)
}

func TestSearch(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	_, err := l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "a.txt", Content: "alpha\nneedle here\nomega"})
	require.NoError(t, err)
	_, err = l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "sub/b.txt", Content: "another needle"})
	require.NoError(t, err)
	_, err = l.FileOp(ctx, tool.FileInput{Operation: "write", Path: ".hidden/c.txt", Content: "needle in hidden dir"})
	require.NoError(t, err)

	out, err := l.Search(ctx, tool.SearchInput{Query: "needle"})
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, out, "a.txt:2:needle here")
	assert.Contains(t, out, filepath.Join("sub", "b.txt")+":1:another needle")
	assert.NotContains(t, out, ".hidden")
}

func TestSearchRespectsLimit(t *testing.T) {
	l := newTestSandbox(t)
	ctx := context.Background()

	content := strings.Repeat("needle\n", 10)
	_, err := l.FileOp(ctx, tool.FileInput{Operation: "write", Path: "many.txt", Content: content})
	require.NoError(t, err)

	out, err := l.Search(ctx, tool.SearchInput{Query: "needle", MaxResults: 3})
	require.NoError(t, err)
	assert.Len(t, strings.Split(out, "\n"), 3)
}

func TestSearchNoMatches(t *testing.T) {
	l := newTestSandbox(t)

	out, err := l.Search(context.Background(), tool.SearchInput{Query: "absent"})
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)

	_, err = l.Search(context.Background(), tool.SearchInput{Query: "  "})
	require.Error(t, err)
}

func TestInvokeRejectsUnknownTools(t *testing.T) {
	l := newTestSandbox(t)

	_, err := l.Invoke(context.Background(), "browser", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tool "browser" is not available in the local sandbox`)
}
