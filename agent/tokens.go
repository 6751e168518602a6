package agent

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Character-per-token divisors by detected content density. Structured
// tool-call markup and code tokenize denser than prose. These are tuned
// approximations, not guarantees; they feed truncation triggers only and
// must never be load-bearing for correctness.
const (
	divisorStructured = 3.0
	divisorCode       = 3.4
	divisorProse      = 4.2
)

// toolCallOverheadTokens approximates per-call schema/ID framing cost.
const toolCallOverheadTokens = 100

// Estimator converts text to approximate token counts. When the tiktoken
// encoding can be loaded it is used for plain prose; structured and code
// content always uses the density heuristic, which the encodings
// undercount for.
type Estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

// NewEstimator returns a ready Estimator. Encoding load is deferred until
// first use so construction never touches the network.
func NewEstimator() *Estimator {
	return &Estimator{}
}

func (e *Estimator) encoding() *tiktoken.Tiktoken {
	e.once.Do(func() {
		// Best effort: offline environments fall back to the heuristic.
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.enc = enc
		}
	})
	return e.enc
}

// EstimateText returns the approximate token count for text.
func (e *Estimator) EstimateText(text string) int {
	if text == "" {
		return 0
	}
	divisor := detectDivisor(text)
	if divisor == divisorProse {
		if enc := e.encoding(); enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	}
	n := int(float64(len(text)) / divisor)
	if n == 0 {
		n = 1
	}
	return n
}

// EstimateTurn returns the approximate token count for a turn, including
// tool call overhead.
func (e *Estimator) EstimateTurn(t Turn) int {
	n := e.EstimateText(t.TextContent())
	if t.Kind == TurnAssistant && t.Assistant != nil {
		for _, tc := range t.Assistant.ToolCalls {
			n += e.EstimateText(string(tc.Arguments)) + toolCallOverheadTokens
		}
	}
	if t.Kind == TurnToolResults && t.ToolResults != nil {
		n += toolCallOverheadTokens * len(t.ToolResults.Results) / 2
	}
	return n
}

// Annotate fills the cached Tokens field on every turn that lacks one.
func (e *Estimator) Annotate(turns []Turn) {
	for i := range turns {
		if turns[i].Tokens == 0 {
			turns[i].Tokens = e.EstimateTurn(turns[i])
		}
	}
}

// Total sums the cached token counts, annotating any missing ones.
func (e *Estimator) Total(turns []Turn) int {
	total := 0
	for i := range turns {
		if turns[i].Tokens == 0 {
			turns[i].Tokens = e.EstimateTurn(turns[i])
		}
		total += turns[i].Tokens
	}
	return total
}

// detectDivisor classifies content density from cheap surface signals.
func detectDivisor(text string) float64 {
	sample := text
	if len(sample) > 2048 {
		sample = sample[:2048]
	}
	switch {
	case looksStructured(sample):
		return divisorStructured
	case looksLikeCode(sample):
		return divisorCode
	default:
		return divisorProse
	}
}

func looksStructured(s string) bool {
	markers := 0
	for _, m := range []string{`{"`, `":`, "tool_call", "[Tool Result]", "[Tool Error]", "```json"} {
		if strings.Contains(s, m) {
			markers++
		}
	}
	return markers >= 2
}

func looksLikeCode(s string) bool {
	if strings.Contains(s, "```") {
		return true
	}
	symbols := strings.Count(s, "{") + strings.Count(s, "}") +
		strings.Count(s, ";") + strings.Count(s, "()") + strings.Count(s, "=>")
	return len(s) > 0 && float64(symbols)/float64(len(s)) > 0.01
}
