package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testWorkspace(t *testing.T) *LocalWorkspace {
	t.Helper()
	ws, err := NewLocalWorkspace(t.TempDir())
	require.NoError(t, err)
	return ws
}

func writeTestFile(t *testing.T, ws *LocalWorkspace, path, content string) {
	t.Helper()
	full := filepath.Join(ws.Root(), path)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestWorkspaceRejectsEscapes(t *testing.T) {
	ws := testWorkspace(t)

	_, err := ws.Resolve("../outside.txt")
	assert.Error(t, err)

	_, err = ws.Resolve("sub/../../outside.txt")
	assert.Error(t, err)

	_, err = ws.Resolve("sub/../inside.txt")
	assert.NoError(t, err)
}

func TestReadFileTool(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "pkg/main.go", "package main\n\nfunc main() {}\n")

	out, err := (&readFileTool{}).Execute(context.Background(), ws, json.RawMessage(`{"file_path":"pkg/main.go"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "1\tpackage main")
	assert.Contains(t, out, "3\tfunc main() {}")
}

func TestReadFileToolOffsetAndLimit(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "lines.txt", "one\ntwo\nthree\nfour\nfive\n")

	out, err := (&readFileTool{}).Execute(context.Background(), ws, json.RawMessage(`{"file_path":"lines.txt","offset":2,"limit":2}`))
	require.NoError(t, err)
	assert.Contains(t, out, "two")
	assert.Contains(t, out, "three")
	assert.NotContains(t, out, "one\n")
	assert.Contains(t, out, "more lines")
}

func TestListDirectoryTool(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "a.txt", "x")
	writeTestFile(t, ws, "sub/b.txt", "y")

	out, err := (&listDirectoryTool{}).Execute(context.Background(), ws, json.RawMessage(`{"path":"."}`))
	require.NoError(t, err)
	assert.Contains(t, out, "a.txt")
	assert.Contains(t, out, "sub/")
}

func TestGrepTool(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "a.go", "package a\n// TODO: fix this\n")
	writeTestFile(t, ws, "b.go", "package b\n")

	out, err := (&grepTool{}).Execute(context.Background(), ws, json.RawMessage(`{"pattern":"TODO"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "a.go:2:")
	assert.NotContains(t, out, "b.go")

	out, err = (&grepTool{}).Execute(context.Background(), ws, json.RawMessage(`{"pattern":"NOPE"}`))
	require.NoError(t, err)
	assert.Equal(t, "No matches found.", out)
}

func TestGlobTool(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "cmd/main.go", "x")
	writeTestFile(t, ws, "internal/util/util.go", "x")
	writeTestFile(t, ws, "README.md", "x")

	out, err := (&globTool{}).Execute(context.Background(), ws, json.RawMessage(`{"pattern":"**/*.go"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "cmd/main.go")
	assert.Contains(t, out, "internal/util/util.go")
	assert.NotContains(t, out, "README.md")
}

func TestWriteAndEditFileTools(t *testing.T) {
	ws := testWorkspace(t)

	_, err := (&writeFileTool{}).Execute(context.Background(), ws,
		json.RawMessage(`{"file_path":"notes.txt","content":"alpha beta gamma"}`))
	require.NoError(t, err)

	out, err := (&editFileTool{}).Execute(context.Background(), ws,
		json.RawMessage(`{"file_path":"notes.txt","old_string":"beta","new_string":"delta"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "1 occurrence")

	data, err := os.ReadFile(filepath.Join(ws.Root(), "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha delta gamma", string(data))
}

func TestEditFileToolRequiresUniqueMatch(t *testing.T) {
	ws := testWorkspace(t)
	writeTestFile(t, ws, "dup.txt", "same same")

	_, err := (&editFileTool{}).Execute(context.Background(), ws,
		json.RawMessage(`{"file_path":"dup.txt","old_string":"same","new_string":"diff"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "matches 2 times")

	out, err := (&editFileTool{}).Execute(context.Background(), ws,
		json.RawMessage(`{"file_path":"dup.txt","old_string":"same","new_string":"diff","replace_all":true}`))
	require.NoError(t, err)
	assert.Contains(t, out, "2 occurrence")
}

func TestShellTool(t *testing.T) {
	ws := testWorkspace(t)

	out, err := (&shellTool{}).Execute(context.Background(), ws, json.RawMessage(`{"command":"echo hello"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	out, err = (&shellTool{}).Execute(context.Background(), ws, json.RawMessage(`{"command":"exit 3"}`))
	require.NoError(t, err)
	assert.Contains(t, out, "exit code 3")
}

func TestGlobToRegexp(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		match   bool
	}{
		{"*.go", "main.go", true},
		{"*.go", "cmd/main.go", false},
		{"**/*.go", "cmd/main.go", true},
		{"**/*.go", "main.go", true},
		{"cmd/*.go", "cmd/main.go", true},
		{"cmd/*.go", "cmd/sub/main.go", false},
		{"docs/**", "docs/a/b.md", true},
	}
	for _, tt := range tests {
		re, err := globToRegexp(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.match, re.MatchString(tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}
