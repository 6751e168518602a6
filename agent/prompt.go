package agent

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"
)

const basePrompt = `You are an autonomous coding agent working toward a single goal inside a workspace.

Work in small, verifiable steps:
- Inspect before you change: read relevant files and search before editing.
- Prefer targeted edits over wholesale rewrites.
- After a change, verify it (run tests or re-read the result) before moving on.
- When the goal is met, call the finish tool with a summary of what was done.

Tool usage:
- Propose tool calls in the structured format; never describe a tool call in prose instead of making it.
- Do not repeat a call whose result you already have. Reuse earlier output.
- If a tool reports an input error, fix the input per the reported schema and retry once.`

// agentsFileNames are checked in order at the workspace root for
// project-specific instructions.
var agentsFileNames = []string{"AGENTS.md", "CLAUDE.md", ".agentrc.md"}

const maxAgentsFileBytes = 16 * 1024

// BuildSystemPrompt assembles the session system prompt: the base
// instructions, the goal, environment context, and any project
// instruction file found at the workspace root.
func BuildSystemPrompt(ctx context.Context, ws Workspace, goal string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	b.WriteString("\n\n# Goal\n")
	b.WriteString(goal)

	b.WriteString("\n\n# Environment\n")
	fmt.Fprintf(&b, "Workspace root: %s\n", ws.Root())
	fmt.Fprintf(&b, "Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "Date: %s\n", time.Now().Format("2006-01-02"))
	if branch := gitBranch(ctx, ws); branch != "" {
		fmt.Fprintf(&b, "Git branch: %s\n", branch)
	}

	if instructions := projectInstructions(ctx, ws); instructions != "" {
		b.WriteString("\n# Project instructions\n")
		b.WriteString(instructions)
	}

	return b.String()
}

// projectInstructions returns the first project instruction file found at
// the workspace root, bounded in size.
func projectInstructions(ctx context.Context, ws Workspace) string {
	for _, name := range agentsFileNames {
		data, err := ws.ReadFile(ctx, name)
		if err != nil {
			continue
		}
		if len(data) > maxAgentsFileBytes {
			data = data[:maxAgentsFileBytes]
		}
		return strings.TrimSpace(string(data))
	}
	return ""
}

// gitBranch reads the current branch from .git/HEAD without shelling out.
func gitBranch(ctx context.Context, ws Workspace) string {
	data, err := ws.ReadFile(ctx, ".git/HEAD")
	if err != nil {
		return ""
	}
	head := strings.TrimSpace(string(data))
	if ref, ok := strings.CutPrefix(head, "ref: refs/heads/"); ok {
		return ref
	}
	if len(head) >= 8 {
		return head[:8] + " (detached)"
	}
	return ""
}
