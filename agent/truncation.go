package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// outputLimit bounds one tool's output before it enters the history.
type outputLimit struct {
	maxChars int
	maxLines int
	mode     string // "head_tail" keeps both ends, "tail" keeps the end
}

var defaultOutputLimit = outputLimit{maxChars: 30000, maxLines: 400, mode: "head_tail"}

// outputLimits holds per-tool overrides. Shell output is tail-kept since
// the end of a command's output usually carries the verdict.
var outputLimits = map[string]outputLimit{
	"read_file":      {maxChars: 50000, maxLines: 1000, mode: "head_tail"},
	"grep":           {maxChars: 20000, maxLines: 250, mode: "head_tail"},
	"glob":           {maxChars: 10000, maxLines: 500, mode: "head_tail"},
	"list_directory": {maxChars: 10000, maxLines: 500, mode: "head_tail"},
	"shell":          {maxChars: 20000, maxLines: 250, mode: "tail"},
}

// truncateToolOutput bounds a tool's output per its limit, marking elided
// spans so the model knows content is missing.
func truncateToolOutput(tool, output string) string {
	limit, ok := outputLimits[tool]
	if !ok {
		limit = defaultOutputLimit
	}
	if len(output) <= limit.maxChars && strings.Count(output, "\n") < limit.maxLines {
		return output
	}

	lines := strings.Split(output, "\n")
	switch limit.mode {
	case "tail":
		if len(lines) > limit.maxLines {
			dropped := len(lines) - limit.maxLines
			lines = lines[dropped:]
			lines = append([]string{fmt.Sprintf("[... first %d lines omitted ...]", dropped)}, lines...)
		}
	default: // head_tail
		if len(lines) > limit.maxLines {
			head := limit.maxLines * 2 / 3
			tail := limit.maxLines - head
			dropped := len(lines) - head - tail
			kept := make([]string, 0, limit.maxLines+1)
			kept = append(kept, lines[:head]...)
			kept = append(kept, fmt.Sprintf("[... %d lines omitted ...]", dropped))
			kept = append(kept, lines[len(lines)-tail:]...)
			lines = kept
		}
	}
	out := strings.Join(lines, "\n")

	if len(out) > limit.maxChars {
		switch limit.mode {
		case "tail":
			out = "[... output truncated ...]\n" + runeSafeSuffix(out, limit.maxChars)
		default:
			head := limit.maxChars * 2 / 3
			tail := limit.maxChars - head
			out = runeSafePrefix(out, head) + "\n[... output truncated ...]\n" + runeSafeSuffix(out, tail)
		}
	}
	return out
}

// runeSafePrefix returns at most n leading bytes of s, backed off to a
// rune boundary so a multi-byte character is never split.
func runeSafePrefix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// runeSafeSuffix returns at most n trailing bytes of s, advanced to a
// rune boundary.
func runeSafeSuffix(s string, n int) string {
	if n >= len(s) {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
