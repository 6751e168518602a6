package agent

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"

	"github.com/martinemde/helmsman/llm"
)

// Aggressiveness scales the truncation trigger threshold relative to the
// model's recommended compaction threshold. Conservative triggers earlier,
// aggressive later.
type Aggressiveness string

const (
	Conservative Aggressiveness = "conservative"
	Moderate     Aggressiveness = "moderate"
	Aggressive   Aggressiveness = "aggressive"
)

func (a Aggressiveness) factor() float64 {
	switch a {
	case Conservative:
		return 0.7
	case Aggressive:
		return 1.2
	default:
		return 1.0
	}
}

// TruncationStrategy names how much history a proactive truncation drops.
type TruncationStrategy string

const (
	StrategyNone    TruncationStrategy = ""
	StrategyHalf    TruncationStrategy = "half"     // drop ~half of everything after the first pair
	StrategyQuarter TruncationStrategy = "quarter"  // drop three-quarters
	StrategyLastTwo TruncationStrategy = "last_two" // keep first pair + last two only
)

// ContextStats reports what a ManageContext pass did.
type ContextStats struct {
	TokensBefore       int                `json:"tokens_before"`
	TokensAfter        int                `json:"tokens_after"`
	TurnsBefore        int                `json:"turns_before"`
	TurnsAfter         int                `json:"turns_after"`
	DuplicateFileReads int                `json:"duplicate_file_reads"`
	DuplicatesDropped  int                `json:"duplicates_dropped"`
	Compressed         int                `json:"compressed"`
	Strategy           TruncationStrategy `json:"strategy,omitempty"`
	Removed            int                `json:"removed"` // cumulative across composed truncations
	Emergency          bool               `json:"emergency"`
}

// ManageResult is the outcome of one ManageContext pass.
type ManageResult struct {
	Turns       []Turn
	Stats       ContextStats
	WasModified bool
}

// ContextManager fits a conversation history to a model's context window.
// It deduplicates repeated content, compresses oversized bodies, and
// truncates in progressively harsher tiers. One manager serves one
// session; repeated truncations compose through the removed counter so a
// second pass never re-deletes an already-dropped region.
//
// Token accounting is heuristic throughout. It drives trigger thresholds,
// never correctness.
type ContextManager struct {
	est   *Estimator
	model llm.ModelInfo

	// minHashLen is the minimum body length considered for structural
	// dedupe; maxBodyLen is the length above which bodies are compressed.
	minHashLen int
	maxBodyLen int

	removedSoFar int
}

// NewContextManager creates a manager for the given model.
func NewContextManager(est *Estimator, model llm.ModelInfo) *ContextManager {
	return &ContextManager{
		est:        est,
		model:      model,
		minHashLen: 200,
		maxBodyLen: 4000,
	}
}

// ManageContext returns a history that fits the model's budget. The
// returned list is a new reduced history: any turn it rewrites is cloned
// first, so the input turns are left untouched even when the result is
// never installed. Callers install the result wholesale. The first
// two turns and every system turn are always preserved by the
// optimization and proactive tiers. An error is returned only when even
// emergency truncation cannot get under the hard maximum.
func (m *ContextManager) ManageContext(turns []Turn, level Aggressiveness) (ManageResult, error) {
	work := make([]Turn, len(turns))
	copy(work, turns)

	stats := ContextStats{TurnsBefore: len(work)}
	modified := false

	m.est.Annotate(work)
	stats.TokensBefore = m.est.Total(work)

	work, changed := m.optimizeContent(work, &stats)
	modified = modified || changed

	threshold := int(float64(m.model.CompactThreshold) * level.factor())
	if threshold > m.model.ContextWindow {
		threshold = m.model.ContextWindow
	}

	total := m.est.Total(work)
	for total > threshold {
		strategy := selectStrategy(total, threshold)
		before := len(work)
		work = m.truncate(work, strategy, &stats)
		if len(work) == before {
			break
		}
		modified = true
		total = m.est.Total(work)
	}

	if total >= m.model.ContextWindow {
		work = m.emergencyTruncate(work, &stats)
		modified = true
		total = m.est.Total(work)
		if total >= m.model.ContextWindow {
			return ManageResult{}, &llm.ContextLengthError{ProviderError: llm.ProviderError{
				BaseError: llm.BaseError{Message: fmt.Sprintf(
					"history still at %d tokens after emergency truncation (window %d)",
					total, m.model.ContextWindow)},
			}}
		}
	}

	stats.TokensAfter = total
	stats.TurnsAfter = len(work)
	return ManageResult{Turns: work, Stats: stats, WasModified: modified}, nil
}

// protected reports whether a turn must never be rewritten or dropped.
func protected(i int, t Turn) bool {
	return i < 2 || t.Kind == TurnSystem
}

var filePathMetaKeys = []string{"file_path", "path"}

// fileReadPath extracts the file-path signature from a tool result, if the
// scheduler recorded one for a read-style tool.
func fileReadPath(r llm.ToolResult) string {
	if r.Metadata == nil || r.IsError {
		return ""
	}
	if name, _ := r.Metadata["tool_name"].(string); name != "read_file" {
		return ""
	}
	for _, k := range filePathMetaKeys {
		if p, ok := r.Metadata[k].(string); ok && p != "" {
			return p
		}
	}
	return ""
}

// optimizeContent applies the three in-place reductions: duplicate
// file-read back-references, structural-hash dedupe, and bounded
// compression of oversized bodies.
func (m *ContextManager) optimizeContent(work []Turn, stats *ContextStats) ([]Turn, bool) {
	modified := false

	// Pass 1: duplicate file reads become back-references to the first
	// occurrence instead of repeating the content. Turns are cloned before
	// any rewrite; the session's own turns must never change underneath it.
	seenPaths := map[string]int{}
	for i := range work {
		if work[i].Kind != TurnToolResults || work[i].ToolResults == nil {
			continue
		}
		for j := range work[i].ToolResults.Results {
			r := work[i].ToolResults.Results[j]
			path := fileReadPath(r)
			if path == "" || strings.HasPrefix(r.Content, "[Duplicate read of") {
				continue
			}
			if first, ok := seenPaths[path]; ok && !protected(i, work[i]) {
				work[i] = work[i].clone()
				work[i].ToolResults.Results[j].Content = fmt.Sprintf(
					"[Duplicate read of %s omitted; identical content appears at message %d.]", path, first)
				work[i].Tokens = 0
				stats.DuplicateFileReads++
				modified = true
			} else if !ok {
				seenPaths[path] = i
			}
		}
	}

	// Pass 2: drop turns whose structural hash repeats an earlier body.
	seenHashes := map[[16]byte]bool{}
	out := work[:0]
	for i := range work {
		t := work[i]
		body := t.TextContent()
		if !protected(i, t) && len(body) >= m.minHashLen {
			h := structuralHash(body)
			if seenHashes[h] {
				stats.DuplicatesDropped++
				modified = true
				continue
			}
			seenHashes[h] = true
		}
		out = append(out, t)
	}
	work = out

	// Pass 3: compress any remaining oversized body.
	for i := range work {
		if protected(i, work[i]) {
			continue
		}
		body := work[i].TextContent()
		if len(body) <= m.maxBodyLen {
			continue
		}
		work[i] = work[i].clone()
		work[i].setTextContent(compressBody(body, m.maxBodyLen))
		work[i].Tokens = 0
		stats.Compressed++
		modified = true
	}

	return work, modified
}

// structuralHash hashes a whitespace-normalized body so trivially
// reformatted repeats still collide.
func structuralHash(body string) [16]byte {
	normalized := strings.Join(strings.Fields(body), " ")
	sum := sha256.Sum256([]byte(normalized))
	var h [16]byte
	copy(h[:], sum[:16])
	return h
}

var (
	toolSuccessRe = regexp.MustCompile(`(?m)^(Successfully|Created|Updated|Wrote|OK\b).*`)
	toolErrorRe   = regexp.MustCompile(`(?im)^(Tool error|error|failed|\[ERROR)`)
)

// compressBody reduces an oversized body to a bounded summary. Tool
// success/error shapes collapse to a one-line status; everything else is
// head-truncated.
func compressBody(body string, maxLen int) string {
	if loc := toolSuccessRe.FindString(body); loc != "" && len(loc) < 200 {
		return loc + " [full output compressed]"
	}
	if toolErrorRe.MatchString(body) {
		firstLine, _, _ := strings.Cut(strings.TrimSpace(body), "\n")
		firstLine = runeSafePrefix(firstLine, 200)
		return firstLine + " [error output compressed]"
	}
	// Reserve room for the marker so the compressed body stays under the
	// threshold and a second pass leaves it alone.
	head := runeSafePrefix(body, maxLen-64)
	return head + fmt.Sprintf("\n[... %d characters truncated ...]", len(body)-len(head))
}

// selectStrategy picks a tier from how far over the threshold the total is.
func selectStrategy(total, threshold int) TruncationStrategy {
	ratio := float64(total) / float64(threshold)
	switch {
	case ratio >= 2.0:
		return StrategyLastTwo
	case ratio >= 1.5:
		return StrategyQuarter
	default:
		return StrategyHalf
	}
}

// truncate drops a contiguous window of the middle of the history per the
// strategy, preserving indices 0-1 and system turns, then annotates the
// first assistant turn after the kept prefix with a removal notice.
func (m *ContextManager) truncate(work []Turn, strategy TruncationStrategy, stats *ContextStats) []Turn {
	if len(work) <= 4 {
		return work
	}

	prefix := work[:2]
	middle := work[2:]

	var keepFrom int
	switch strategy {
	case StrategyLastTwo:
		keepFrom = len(middle) - 2
	case StrategyQuarter:
		keepFrom = len(middle) * 3 / 4
	default: // StrategyHalf
		keepFrom = len(middle) / 2
	}
	if keepFrom < 0 {
		keepFrom = 0
	}

	removed := 0
	kept := make([]Turn, 0, len(work))
	kept = append(kept, prefix...)
	for i, t := range middle {
		if i >= keepFrom || t.Kind == TurnSystem {
			kept = append(kept, t)
		} else {
			removed++
		}
	}

	m.removedSoFar += removed
	stats.Strategy = strategy
	stats.Removed = m.removedSoFar

	annotateTruncation(kept, m.removedSoFar)
	return kept
}

// annotateTruncation prepends the removal notice to the first assistant
// turn after the kept prefix, replacing any notice from a prior pass so
// composed truncations report one cumulative count.
func annotateTruncation(turns []Turn, removed int) {
	notice := fmt.Sprintf("[Context truncated: %d messages removed.]", removed)
	for i := 2; i < len(turns); i++ {
		if turns[i].Kind != TurnAssistant || turns[i].Assistant == nil {
			continue
		}
		body := turns[i].Assistant.Content
		if idx := strings.Index(body, "]"); strings.HasPrefix(body, "[Context truncated:") && idx > 0 {
			body = strings.TrimPrefix(body[idx+1:], "\n")
		}
		turns[i] = turns[i].clone()
		turns[i].Assistant.Content = notice + "\n" + body
		turns[i].Tokens = 0
		return
	}
}

// emergencyTruncate keeps only system turns plus the last two non-system
// turns, with an explicit notice prepended.
func (m *ContextManager) emergencyTruncate(work []Turn, stats *ContextStats) []Turn {
	stats.Emergency = true

	var systems []Turn
	var rest []Turn
	for _, t := range work {
		if t.Kind == TurnSystem {
			systems = append(systems, t)
		} else {
			rest = append(rest, t)
		}
	}
	if len(rest) > 2 {
		m.removedSoFar += len(rest) - 2
		rest = rest[len(rest)-2:]
	}
	stats.Removed = m.removedSoFar

	notice := NewSystemTurn(fmt.Sprintf(
		"[Emergency context truncation: history exceeded the model's hard limit; %d messages removed. Only the most recent exchange is retained.]",
		m.removedSoFar))

	out := make([]Turn, 0, len(systems)+len(rest)+1)
	out = append(out, notice)
	out = append(out, systems...)
	out = append(out, rest...)
	return out
}
