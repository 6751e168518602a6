package agent

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/helmsman/llm"
)

// DetectorConfig holds the repetition thresholds. The numbers are tuned
// defaults, not contracts; hosts may override any of them.
type DetectorConfig struct {
	// WindowHorizon bounds how far back the call history reaches. Entries
	// older than this are pruned on every inspection.
	WindowHorizon time.Duration `yaml:"window_horizon" env:"DETECTOR_WINDOW_HORIZON"`

	// IdenticalCallCeiling is the maximum number of calls with the same
	// tool and same serialized input allowed inside the horizon.
	IdenticalCallCeiling int `yaml:"identical_call_ceiling" env:"DETECTOR_IDENTICAL_CEILING"`

	// ReadOnlyToolCeiling and MutatingToolCeiling cap total calls per tool
	// name inside the horizon, regardless of input.
	ReadOnlyToolCeiling int `yaml:"read_only_tool_ceiling" env:"DETECTOR_READONLY_CEILING"`
	MutatingToolCeiling int `yaml:"mutating_tool_ceiling" env:"DETECTOR_MUTATING_CEILING"`

	// RapidFireCeiling identical calls within RapidFireWindow trip the
	// detector even when the longer-window ceilings have headroom.
	RapidFireCeiling int           `yaml:"rapid_fire_ceiling" env:"DETECTOR_RAPIDFIRE_CEILING"`
	RapidFireWindow  time.Duration `yaml:"rapid_fire_window" env:"DETECTOR_RAPIDFIRE_WINDOW"`

	// ExplorationIterations is the iteration count through which known
	// exploration patterns (listing after a search, reading after a
	// search) are tolerated past the per-tool ceiling.
	ExplorationIterations int `yaml:"exploration_iterations" env:"DETECTOR_EXPLORATION_ITERATIONS"`

	// BenignIdempotent names tools exempt from the identical-call ceiling.
	// Re-listing the same directory while orienting is not a loop; such
	// tools are still bounded by the per-tool and rapid-fire ceilings.
	BenignIdempotent []string `yaml:"benign_idempotent" env:"DETECTOR_BENIGN_IDEMPOTENT" envSeparator:","`
}

// DefaultDetectorConfig returns the tuned defaults.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		WindowHorizon:         5 * time.Minute,
		IdenticalCallCeiling:  4,
		ReadOnlyToolCeiling:   15,
		MutatingToolCeiling:   8,
		RapidFireCeiling:      3,
		RapidFireWindow:       10 * time.Second,
		ExplorationIterations: 3,
		BenignIdempotent:      []string{"list_directory"},
	}
}

// callRecord is one historical tool invocation.
type callRecord struct {
	tool      string
	signature string
	at        time.Time
	iteration int
}

// Verdict is the detector's decision on a proposed batch. When Blocked is
// set, Guidance carries a corrective message for the model describing the
// detected pattern and a suggested next action.
type Verdict struct {
	Blocked  bool
	Rule     string
	Tool     string
	Guidance string
}

// RepetitionDetector watches the rolling tool-call history and blocks
// batches that look like unproductive loops before they execute. The
// history is shared across the scheduler's parallel execution, so access
// is mutex-guarded.
type RepetitionDetector struct {
	mu      sync.Mutex
	cfg     DetectorConfig
	history []callRecord
	benign  map[string]bool

	now func() time.Time // injectable for tests
}

// NewRepetitionDetector creates a detector with the given thresholds.
// Zero-valued fields fall back to the defaults.
func NewRepetitionDetector(cfg DetectorConfig) *RepetitionDetector {
	def := DefaultDetectorConfig()
	if cfg.WindowHorizon <= 0 {
		cfg.WindowHorizon = def.WindowHorizon
	}
	if cfg.IdenticalCallCeiling <= 0 {
		cfg.IdenticalCallCeiling = def.IdenticalCallCeiling
	}
	if cfg.ReadOnlyToolCeiling <= 0 {
		cfg.ReadOnlyToolCeiling = def.ReadOnlyToolCeiling
	}
	if cfg.MutatingToolCeiling <= 0 {
		cfg.MutatingToolCeiling = def.MutatingToolCeiling
	}
	if cfg.RapidFireCeiling <= 0 {
		cfg.RapidFireCeiling = def.RapidFireCeiling
	}
	if cfg.RapidFireWindow <= 0 {
		cfg.RapidFireWindow = def.RapidFireWindow
	}
	if cfg.ExplorationIterations <= 0 {
		cfg.ExplorationIterations = def.ExplorationIterations
	}
	if cfg.BenignIdempotent == nil {
		cfg.BenignIdempotent = def.BenignIdempotent
	}

	benign := make(map[string]bool, len(cfg.BenignIdempotent))
	for _, name := range cfg.BenignIdempotent {
		benign[name] = true
	}
	return &RepetitionDetector{cfg: cfg, benign: benign, now: time.Now}
}

// callSignature identifies a call by tool name plus a short hash of its
// canonicalized input.
func callSignature(name string, args json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, args); err != nil {
		buf.Reset()
		buf.Write(args)
	}
	sum := sha256.Sum256(buf.Bytes())
	return fmt.Sprintf("%s:%x", name, sum[:4])
}

// Inspect evaluates a proposed batch against the rolling history. One
// violated rule blocks the entire batch. Inspect does not record the
// batch; call Record after the scheduler accepts it.
func (d *RepetitionDetector) Inspect(batch []llm.ToolCall, iteration int, category func(string) Category) Verdict {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.pruneLocked(now)

	toolCounts := map[string]int{}
	sigCounts := map[string]int{}
	rapidCounts := map[string]int{}
	cutoff := now.Add(-d.cfg.RapidFireWindow)
	for _, rec := range d.history {
		toolCounts[rec.tool]++
		sigCounts[rec.signature]++
		if rec.at.After(cutoff) {
			rapidCounts[rec.signature]++
		}
	}

	distinct := distinctInputBatch(batch)

	for _, call := range batch {
		sig := callSignature(call.Name, call.Arguments)
		cat := CategoryOther
		if category != nil {
			cat = category(call.Name)
		}

		// Rule (d): rapid fire. Checked first so a burst is reported as a
		// burst even when the longer ceilings would also trip.
		if rapidCounts[sig] >= d.cfg.RapidFireCeiling {
			return Verdict{
				Blocked: true,
				Rule:    "rapid_fire",
				Tool:    call.Name,
				Guidance: fmt.Sprintf(
					"You have called %s with the same input %d times in the last %s. The result will not change. Use the output you already have, or try a different tool or different input.",
					call.Name, rapidCounts[sig], d.cfg.RapidFireWindow),
			}
		}

		// Rule (c): identical-call ceiling, with the benign-idempotent
		// carve-out.
		if !d.benign[call.Name] && sigCounts[sig] >= d.cfg.IdenticalCallCeiling {
			return Verdict{
				Blocked: true,
				Rule:    "identical_call",
				Tool:    call.Name,
				Guidance: fmt.Sprintf(
					"You have already called %s with exactly this input %d times. Repeating it will produce the same result. Re-examine the earlier output and take a different next step toward the goal.",
					call.Name, sigCounts[sig]),
			}
		}

		// Rule (b): per-tool ceiling. Early-iteration exploration patterns
		// are tolerated; distinct-input mutating batches raise the ceiling
		// since writing N different files is not a loop.
		ceiling := d.cfg.MutatingToolCeiling
		if cat == CategoryReadOnly {
			ceiling = d.cfg.ReadOnlyToolCeiling
		}
		if cat == CategoryMutating && distinct[call.Name] > 1 {
			ceiling += distinct[call.Name]
		}
		if iteration <= d.cfg.ExplorationIterations && d.validExplorationLocked(call.Name, sig) {
			continue
		}
		if toolCounts[call.Name] >= ceiling {
			return Verdict{
				Blocked: true,
				Rule:    "tool_ceiling",
				Tool:    call.Name,
				Guidance: fmt.Sprintf(
					"You have called %s %d times recently. Further calls are unlikely to make progress. Summarize what you have learned so far and act on it, or finish if the goal is met.",
					call.Name, toolCounts[call.Name]),
			}
		}

		// Count this batch's own calls so a single oversized batch cannot
		// slip under the ceilings.
		toolCounts[call.Name]++
		sigCounts[sig]++
		rapidCounts[sig]++
	}

	return Verdict{}
}

// Record appends an executed batch to the rolling history.
func (d *RepetitionDetector) Record(batch []llm.ToolCall, iteration int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for _, call := range batch {
		d.history = append(d.history, callRecord{
			tool:      call.Name,
			signature: callSignature(call.Name, call.Arguments),
			at:        now,
			iteration: iteration,
		})
	}
	d.pruneLocked(now)
}

// HistoryLen returns the number of retained records.
func (d *RepetitionDetector) HistoryLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

func (d *RepetitionDetector) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.cfg.WindowHorizon)
	i := 0
	for i < len(d.history) && !d.history[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		d.history = append(d.history[:0], d.history[i:]...)
	}
}

// explorationPredecessors maps a tool to the tools whose recent prior use
// marks its calls as orientation rather than looping.
var explorationPredecessors = map[string][]string{
	"list_directory": {"grep", "glob"},
	"read_file":      {"grep", "glob", "list_directory"},
}

// validExplorationLocked reports whether a call fits a known exploration
// pattern: a predecessor tool ran recently with a different input.
func (d *RepetitionDetector) validExplorationLocked(tool, sig string) bool {
	preds := explorationPredecessors[tool]
	if len(preds) == 0 {
		return false
	}
	for _, rec := range d.history {
		if rec.signature == sig {
			continue
		}
		for _, p := range preds {
			if rec.tool == p {
				return true
			}
		}
	}
	return false
}

// distinctInputBatch counts, per tool, how many pairwise-distinct inputs
// the batch carries.
func distinctInputBatch(batch []llm.ToolCall) map[string]int {
	sigs := map[string]map[string]bool{}
	for _, call := range batch {
		if sigs[call.Name] == nil {
			sigs[call.Name] = map[string]bool{}
		}
		sigs[call.Name][callSignature(call.Name, call.Arguments)] = true
	}
	counts := make(map[string]int, len(sigs))
	for name, set := range sigs {
		counts[name] = len(set)
	}
	return counts
}
