package agent

import "strings"

// CompletionPolicy decides whether a tool-free reply is a sufficient
// final answer. It is an interface so hosts can swap the heuristic.
type CompletionPolicy interface {
	IsFinal(reply string, iteration, maxIterations int) bool
}

// HeuristicPolicy judges finality from reply length, concluding
// language, and the iteration ceiling.
type HeuristicPolicy struct {
	// MinLength is the minimum reply length considered substantive.
	MinLength int
	// ConcludingPhrases, when present in the reply, mark it final even
	// under MinLength.
	ConcludingPhrases []string
}

// DefaultCompletionPolicy returns the tuned heuristic.
func DefaultCompletionPolicy() *HeuristicPolicy {
	return &HeuristicPolicy{
		MinLength: 120,
		ConcludingPhrases: []string{
			"in summary",
			"to summarize",
			"task is complete",
			"task complete",
			"i have completed",
			"all done",
			"the goal has been",
			"everything is now",
			"no further action",
		},
	}
}

// IsFinal reports whether a tool-free reply should end the session.
func (p *HeuristicPolicy) IsFinal(reply string, iteration, maxIterations int) bool {
	if iteration >= maxIterations {
		return true
	}
	trimmed := strings.TrimSpace(reply)
	if trimmed == "" {
		return false
	}

	lower := strings.ToLower(trimmed)
	for _, phrase := range p.ConcludingPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return len(trimmed) >= p.MinLength
}
