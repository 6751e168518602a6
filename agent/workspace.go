package agent

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Workspace abstracts the filesystem and shell the tools operate on, so
// tests and remote integrations can substitute their own.
type Workspace interface {
	// Root returns the absolute workspace root.
	Root() string
	// Resolve maps a possibly-relative path to an absolute path inside
	// the root, rejecting escapes.
	Resolve(path string) (string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]fs.DirEntry, error)
	Stat(ctx context.Context, path string) (fs.FileInfo, error)
	// RunCommand executes a shell command in the root and returns its
	// combined output and exit code.
	RunCommand(ctx context.Context, command string, timeout time.Duration) (string, int, error)
}

// LocalWorkspace is a Workspace over the local filesystem.
type LocalWorkspace struct {
	root string
}

// NewLocalWorkspace creates a workspace rooted at dir.
func NewLocalWorkspace(dir string) (*LocalWorkspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &LocalWorkspace{root: abs}, nil
}

// Root returns the workspace root.
func (w *LocalWorkspace) Root() string { return w.root }

// Resolve maps path into the root and rejects escapes.
func (w *LocalWorkspace) Resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	if p != w.root && !strings.HasPrefix(p, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", path)
	}
	return p, nil
}

func (w *LocalWorkspace) ReadFile(_ context.Context, path string) ([]byte, error) {
	p, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (w *LocalWorkspace) WriteFile(_ context.Context, path string, data []byte) error {
	p, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (w *LocalWorkspace) ListDir(_ context.Context, path string) ([]fs.DirEntry, error) {
	p, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadDir(p)
}

func (w *LocalWorkspace) Stat(_ context.Context, path string) (fs.FileInfo, error) {
	p, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	return os.Stat(p)
}

// RunCommand executes command under sh -c in the workspace root. A
// non-zero exit is reported through the exit code, not the error; the
// error covers start failures and timeouts.
func (w *LocalWorkspace) RunCommand(ctx context.Context, command string, timeout time.Duration) (string, int, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", command)
	cmd.Dir = w.root

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if cctx.Err() == context.DeadlineExceeded {
		return out.String(), -1, fmt.Errorf("command timed out after %s", timeout)
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return out.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return out.String(), -1, err
	}
	return out.String(), 0, nil
}
