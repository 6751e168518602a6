package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// RegisterCoreTools adds the built-in tool set to a registry.
func RegisterCoreTools(r *Registry) error {
	tools := []Tool{
		&readFileTool{},
		&listDirectoryTool{},
		&grepTool{},
		&globTool{},
		&writeFileTool{},
		&editFileTool{},
		&shellTool{},
		&finishTool{},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

const maxReadLines = 2000

type readFileTool struct{}

func (t *readFileTool) Name() string       { return "read_file" }
func (t *readFileTool) Category() Category { return CategoryReadOnly }
func (t *readFileTool) Description() string {
	return "Read a file from the workspace. Returns numbered lines. Use offset and limit for large files."
}
func (t *readFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path to the file, relative to the workspace root"},
			"offset": {"type": "integer", "minimum": 1, "description": "1-based line to start from"},
			"limit": {"type": "integer", "minimum": 1, "description": "Maximum number of lines to return"}
		},
		"required": ["file_path"]
	}`)
}

func (t *readFileTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		FilePath string `json:"file_path"`
		Offset   int    `json:"offset"`
		Limit    int    `json:"limit"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	data, err := ws.ReadFile(ctx, args.FilePath)
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(data), "\n")
	start := args.Offset
	if start < 1 {
		start = 1
	}
	if start > len(lines) {
		return "", fmt.Errorf("offset %d is past the end of %s (%d lines)", start, args.FilePath, len(lines))
	}
	limit := args.Limit
	if limit <= 0 || limit > maxReadLines {
		limit = maxReadLines
	}
	end := start - 1 + limit
	if end > len(lines) {
		end = len(lines)
	}

	var b strings.Builder
	for i := start - 1; i < end; i++ {
		fmt.Fprintf(&b, "%6d\t%s\n", i+1, lines[i])
	}
	if end < len(lines) {
		fmt.Fprintf(&b, "[%d more lines; reread with offset=%d]\n", len(lines)-end, end+1)
	}
	return b.String(), nil
}

type listDirectoryTool struct{}

func (t *listDirectoryTool) Name() string       { return "list_directory" }
func (t *listDirectoryTool) Category() Category { return CategoryReadOnly }
func (t *listDirectoryTool) Description() string {
	return "List the entries of a directory. Directories are suffixed with a slash."
}
func (t *listDirectoryTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "Directory path, relative to the workspace root"}
		},
		"required": ["path"]
	}`)
}

func (t *listDirectoryTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	entries, err := ws.ListDir(ctx, args.Path)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "(empty directory)", nil
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
}

const maxGrepMatches = 200

type grepTool struct{}

func (t *grepTool) Name() string       { return "grep" }
func (t *grepTool) Category() Category { return CategoryReadOnly }
func (t *grepTool) Description() string {
	return "Search file contents with a regular expression. Returns path:line: matches."
}
func (t *grepTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Go regular expression to search for"},
			"path": {"type": "string", "description": "Directory to search under, default workspace root"},
			"include": {"type": "string", "description": "Only search files whose base name matches this glob, e.g. *.go"}
		},
		"required": ["pattern"]
	}`)
}

func (t *grepTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
		Include string `json:"include"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	re, err := regexp.Compile(args.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}

	root := args.Path
	if root == "" {
		root = "."
	}
	absRoot, err := ws.Resolve(root)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || ctx.Err() != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if args.Include != "" {
			if ok, _ := filepath.Match(args.Include, d.Name()); !ok {
				return nil
			}
		}
		data, err := ws.ReadFile(ctx, path)
		if err != nil || looksBinary(data) {
			return nil
		}
		rel, _ := filepath.Rel(ws.Root(), path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d: %s\n", rel, i+1, strings.TrimRight(line, "\r"))
				matches++
				if matches >= maxGrepMatches {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if walkErr != nil {
		return "", walkErr
	}
	if matches == 0 {
		return "No matches found.", nil
	}
	if matches >= maxGrepMatches {
		fmt.Fprintf(&b, "[match limit of %d reached; narrow the pattern or path]\n", maxGrepMatches)
	}
	return b.String(), nil
}

func skipDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".idea", "__pycache__":
		return true
	}
	return false
}

func looksBinary(data []byte) bool {
	n := len(data)
	if n > 1024 {
		n = 1024
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

type globTool struct{}

func (t *globTool) Name() string       { return "glob" }
func (t *globTool) Category() Category { return CategoryReadOnly }
func (t *globTool) Description() string {
	return "Find files whose paths match a glob pattern. Supports ** for any number of directories."
}
func (t *globTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"pattern": {"type": "string", "description": "Glob pattern relative to the workspace root, e.g. **/*.go"},
			"path": {"type": "string", "description": "Directory to search under, default workspace root"}
		},
		"required": ["pattern"]
	}`)
}

func (t *globTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		Pattern string `json:"pattern"`
		Path    string `json:"path"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	root := args.Path
	if root == "" {
		root = "."
	}
	absRoot, err := ws.Resolve(root)
	if err != nil {
		return "", err
	}

	re, err := globToRegexp(args.Pattern)
	if err != nil {
		return "", err
	}

	var found []string
	_ = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || ctx.Err() != nil {
			return nil
		}
		if d.IsDir() {
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(absRoot, path)
		if re.MatchString(filepath.ToSlash(rel)) {
			full, _ := filepath.Rel(ws.Root(), path)
			found = append(found, full)
		}
		return nil
	})
	if len(found) == 0 {
		return "No files matched.", nil
	}
	sort.Strings(found)
	return strings.Join(found, "\n"), nil
}

// globToRegexp translates a glob with ** support into an anchored regexp.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				// Swallow a following slash so **/ matches zero directories.
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString(`(?:[^/]+/)*`)
				} else {
					b.WriteString(`.*`)
				}
			} else {
				b.WriteString(`[^/]*`)
			}
		case '?':
			b.WriteString(`[^/]`)
		case '.', '+', '(', ')', '|', '[', ']', '{', '}', '^', '$', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid glob pattern %q: %w", pattern, err)
	}
	return re, nil
}

type writeFileTool struct{}

func (t *writeFileTool) Name() string       { return "write_file" }
func (t *writeFileTool) Category() Category { return CategoryMutating }
func (t *writeFileTool) Description() string {
	return "Write content to a file, creating it and any parent directories. Overwrites existing content."
}
func (t *writeFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path to write, relative to the workspace root"},
			"content": {"type": "string", "description": "Full file content"}
		},
		"required": ["file_path", "content"]
	}`)
}

func (t *writeFileTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		FilePath string `json:"file_path"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if err := ws.WriteFile(ctx, args.FilePath, []byte(args.Content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully wrote %d bytes to %s", len(args.Content), args.FilePath), nil
}

type editFileTool struct{}

func (t *editFileTool) Name() string       { return "edit_file" }
func (t *editFileTool) Category() Category { return CategoryMutating }
func (t *editFileTool) Description() string {
	return "Replace an exact string in a file. old_string must match exactly once unless replace_all is set."
}
func (t *editFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"file_path": {"type": "string", "description": "Path to edit, relative to the workspace root"},
			"old_string": {"type": "string", "description": "Exact text to replace"},
			"new_string": {"type": "string", "description": "Replacement text"},
			"replace_all": {"type": "boolean", "description": "Replace every occurrence instead of requiring a unique match"}
		},
		"required": ["file_path", "old_string", "new_string"]
	}`)
}

func (t *editFileTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		FilePath   string `json:"file_path"`
		OldString  string `json:"old_string"`
		NewString  string `json:"new_string"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	if args.OldString == args.NewString {
		return "", fmt.Errorf("old_string and new_string are identical")
	}

	data, err := ws.ReadFile(ctx, args.FilePath)
	if err != nil {
		return "", err
	}
	content := string(data)

	count := strings.Count(content, args.OldString)
	switch {
	case count == 0:
		return "", fmt.Errorf("old_string not found in %s", args.FilePath)
	case count > 1 && !args.ReplaceAll:
		return "", fmt.Errorf("old_string matches %d times in %s; make it unique or set replace_all", count, args.FilePath)
	}

	replaced := 1
	if args.ReplaceAll {
		content = strings.ReplaceAll(content, args.OldString, args.NewString)
		replaced = count
	} else {
		content = strings.Replace(content, args.OldString, args.NewString, 1)
	}
	if err := ws.WriteFile(ctx, args.FilePath, []byte(content)); err != nil {
		return "", err
	}
	return fmt.Sprintf("Successfully replaced %d occurrence(s) in %s", replaced, args.FilePath), nil
}

type shellTool struct{}

func (t *shellTool) Name() string       { return "shell" }
func (t *shellTool) Category() Category { return CategoryMutating }
func (t *shellTool) Description() string {
	return "Run a shell command in the workspace root and return its combined output and exit code."
}
func (t *shellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command to run"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 600, "description": "Timeout in seconds, default 120"}
		},
		"required": ["command"]
	}`)
}

func (t *shellTool) Execute(ctx context.Context, ws Workspace, input json.RawMessage) (string, error) {
	var args struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}

	timeout := time.Duration(args.TimeoutSeconds) * time.Second
	output, exitCode, err := ws.RunCommand(ctx, args.Command, timeout)
	if err != nil {
		if output != "" {
			return "", fmt.Errorf("%w\noutput so far:\n%s", err, output)
		}
		return "", err
	}
	if exitCode != 0 {
		return fmt.Sprintf("%s\n[exit code %d]", output, exitCode), nil
	}
	if output == "" {
		return "(no output)", nil
	}
	return output, nil
}

type finishTool struct{}

func (t *finishTool) Name() string       { return "finish" }
func (t *finishTool) Category() Category { return CategoryTerminal }
func (t *finishTool) Description() string {
	return "Signal that the goal is complete. Provide a summary of what was done and the final outcome."
}
func (t *finishTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"summary": {"type": "string", "description": "Final summary of the work and its outcome"}
		},
		"required": ["summary"]
	}`)
}

func (t *finishTool) Execute(_ context.Context, _ Workspace, input json.RawMessage) (string, error) {
	var args struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(input, &args); err != nil {
		return "", err
	}
	return args.Summary, nil
}
