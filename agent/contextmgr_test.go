package agent

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinemde/helmsman/llm"
)

func testModel(window, threshold int) llm.ModelInfo {
	return llm.ModelInfo{ID: "test-model", ContextWindow: window, CompactThreshold: threshold}
}

// proseTurn builds a distinct prose body of roughly n characters so the
// structural hash and compression passes leave it alone.
func proseTurn(i, n int) string {
	sentence := fmt.Sprintf("Step %d continues the investigation with new findings about the module layout. ", i)
	var b strings.Builder
	for b.Len() < n {
		b.WriteString(sentence)
	}
	return b.String()
}

func buildHistory(turns int, bodyLen int) []Turn {
	history := []Turn{
		NewSystemTurn("You are a coding agent."),
		NewUserTurn("Refactor the storage layer."),
	}
	for i := 2; i < turns; i++ {
		if i%2 == 0 {
			history = append(history, NewAssistantTurn(proseTurn(i, bodyLen), nil, "", llm.Usage{}, ""))
		} else {
			history = append(history, NewUserTurn(proseTurn(i, bodyLen)))
		}
	}
	return history
}

func TestManageContextNoopUnderThreshold(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(8192, 6144))
	history := buildHistory(6, 300)

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	assert.False(t, result.WasModified)
	assert.Len(t, result.Turns, 6)
}

func TestManageContextThirtyMessageScenario(t *testing.T) {
	window := 8192
	threshold := 6144
	m := NewContextManager(NewEstimator(), testModel(window, threshold))
	history := buildHistory(30, 1200)
	last := history[29]

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)

	assert.True(t, result.WasModified)
	assert.Less(t, len(result.Turns), 30, "history must shrink")

	// First two turns survive verbatim.
	require.GreaterOrEqual(t, len(result.Turns), 2)
	assert.Equal(t, history[0].TextContent(), result.Turns[0].TextContent())
	assert.Equal(t, history[1].TextContent(), result.Turns[1].TextContent())

	// The newest turn survives verbatim.
	got := result.Turns[len(result.Turns)-1]
	assert.Equal(t, last.Kind, got.Kind)
	assert.Equal(t, last.TextContent(), got.TextContent())

	est := NewEstimator()
	assert.LessOrEqual(t, est.Total(result.Turns), threshold, "result must fit the scaled threshold")
}

func TestManageContextIdempotent(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(8192, 6144))
	history := buildHistory(30, 1200)

	first, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, first.WasModified)

	second, err := m.ManageContext(first.Turns, Moderate)
	require.NoError(t, err)
	assert.False(t, second.WasModified, "re-running on a managed list must be a no-op")
	assert.Equal(t, len(first.Turns), len(second.Turns))
}

func TestManageContextNeverExceedsHardMax(t *testing.T) {
	for _, turns := range []int{10, 30, 60} {
		m := NewContextManager(NewEstimator(), testModel(4096, 3000))
		history := buildHistory(turns, 2500)

		result, err := m.ManageContext(history, Aggressive)
		require.NoError(t, err)
		assert.Less(t, NewEstimator().Total(result.Turns), 4096,
			"%d turns: managed history exceeds the hard window", turns)
	}
}

func TestManageContextPreservesSystemTurns(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(8192, 2000))
	history := buildHistory(24, 1200)
	history[10] = NewSystemTurn("Reminder: never push to main.")

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)

	found := false
	for _, turn := range result.Turns {
		if turn.Kind == TurnSystem && strings.Contains(turn.TextContent(), "never push to main") {
			found = true
		}
	}
	assert.True(t, found, "mid-history system turn must survive truncation")
}

func TestManageContextTruncationNotice(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(8192, 2000))
	history := buildHistory(24, 1200)

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)
	assert.Greater(t, result.Stats.Removed, 0)

	var notice string
	for _, turn := range result.Turns[2:] {
		if turn.Kind == TurnAssistant {
			notice = turn.TextContent()
			break
		}
	}
	assert.Contains(t, notice, "Context truncated:", "first kept assistant turn carries the removal notice")
	assert.Contains(t, notice, fmt.Sprintf("%d messages removed", result.Stats.Removed))
}

func TestDuplicateFileReadBackReference(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))

	readResult := func(path string) llm.ToolResult {
		return llm.ToolResult{
			ToolCallID: "call_1",
			Content:    proseTurn(1, 500),
			Metadata:   map[string]any{"tool_name": "read_file", "file_path": path},
		}
	}

	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewToolResultsTurn([]llm.ToolResult{readResult("internal/storage.go")}),
		NewAssistantTurn(proseTurn(3, 400), nil, "", llm.Usage{}, ""),
		NewToolResultsTurn([]llm.ToolResult{readResult("internal/storage.go")}),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	assert.True(t, result.WasModified)
	assert.Equal(t, 1, result.Stats.DuplicateFileReads)

	dup := result.Turns[len(result.Turns)-1]
	assert.Contains(t, dup.TextContent(), "Duplicate read of internal/storage.go")
	assert.Contains(t, result.Turns[2].TextContent(), "Step 1", "first occurrence keeps its content")

	// A second pass leaves the back-reference alone.
	second, err := m.ManageContext(result.Turns, Moderate)
	require.NoError(t, err)
	assert.False(t, second.WasModified)
}

func TestStructuralHashDropsRepeatedBodies(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))
	body := proseTurn(7, 600)
	reformatted := strings.ReplaceAll(body, " ", "  ")

	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewAssistantTurn(body, nil, "", llm.Usage{}, ""),
		NewUserTurn("keep going"),
		NewAssistantTurn(reformatted, nil, "", llm.Usage{}, ""),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	assert.True(t, result.WasModified)
	assert.Equal(t, 1, result.Stats.DuplicatesDropped)
	assert.Len(t, result.Turns, 4)
}

func TestCompressionBoundsOversizedBodies(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewAssistantTurn(proseTurn(9, 12000), nil, "", llm.Usage{}, ""),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	assert.True(t, result.WasModified)
	assert.Equal(t, 1, result.Stats.Compressed)

	compressed := result.Turns[2].TextContent()
	assert.LessOrEqual(t, len(compressed), 4000)
	assert.Contains(t, compressed, "characters truncated")
}

func TestCompressionCollapsesToolStatus(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))
	body := "Successfully wrote 120 bytes to out.txt\n" + proseTurn(4, 9000)
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewToolResultsTurn([]llm.ToolResult{{ToolCallID: "c1", Content: body}}),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)

	got := result.Turns[2].TextContent()
	assert.Contains(t, got, "Successfully wrote 120 bytes to out.txt")
	assert.Contains(t, got, "compressed")
	assert.Less(t, len(got), 300)
}

func TestManageContextLeavesInputUnmodified(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))

	readBody := proseTurn(1, 500)
	bigBody := proseTurn(9, 12000)
	readResult := func() llm.ToolResult {
		return llm.ToolResult{
			ToolCallID: "call_1",
			Content:    readBody,
			Metadata:   map[string]any{"tool_name": "read_file", "file_path": "a.go"},
		}
	}
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewToolResultsTurn([]llm.ToolResult{readResult()}),
		NewToolResultsTurn([]llm.ToolResult{readResult()}),
		NewAssistantTurn(bigBody, nil, "", llm.Usage{}, ""),
	}

	// A shallow copy, exactly what the loop hands over.
	input := make([]Turn, len(history))
	copy(input, history)

	result, err := m.ManageContext(input, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)

	// The managed list carries the rewrites; the original does not.
	assert.Equal(t, readBody, history[3].ToolResults.Results[0].Content,
		"duplicate read in the caller's history must keep its content")
	assert.Equal(t, bigBody, history[4].Assistant.Content,
		"oversized body in the caller's history must keep its length")
	assert.Contains(t, result.Turns[3].TextContent(), "Duplicate read of a.go")
	assert.LessOrEqual(t, len(result.Turns[4].TextContent()), 4000)
}

func TestTruncationNoticeDoesNotMutateInput(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(8192, 2000))
	history := buildHistory(24, 1200)
	originals := make([]string, len(history))
	for i, turn := range history {
		originals[i] = turn.TextContent()
	}

	input := make([]Turn, len(history))
	copy(input, history)
	result, err := m.ManageContext(input, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)
	require.Greater(t, result.Stats.Removed, 0)

	for i, turn := range history {
		assert.Equal(t, originals[i], turn.TextContent(), "turn %d changed in the caller's history", i)
	}
}

func TestCompressionKeepsToolResultIdentity(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewToolResultsTurn([]llm.ToolResult{{
			ToolCallID: "c9",
			Content:    proseTurn(5, 9000),
			Metadata:   map[string]any{"tool_name": "grep"},
		}}),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)

	results := result.Turns[2].ToolResults.Results
	require.Len(t, results, 1)
	assert.Equal(t, "c9", results[0].ToolCallID, "compression must keep the call/result pairing")
	assert.Equal(t, "grep", results[0].Metadata["tool_name"])
	assert.LessOrEqual(t, len(results[0].Content), 4000)
}

func TestCompressionKeepsValidUTF8(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(100000, 90000))
	// One leading ASCII byte misaligns every following three-byte rune
	// relative to the byte-offset cut.
	body := "x" + strings.Repeat("日", 6000)
	history := []Turn{
		NewSystemTurn("system"),
		NewUserTurn("goal"),
		NewAssistantTurn(body, nil, "", llm.Usage{}, ""),
	}

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	require.True(t, result.WasModified)

	got := result.Turns[2].TextContent()
	assert.True(t, utf8.ValidString(got), "compressed body must stay valid UTF-8")
	assert.LessOrEqual(t, len(got), 4000)
}

func TestEmergencyTruncation(t *testing.T) {
	m := NewContextManager(NewEstimator(), testModel(700, 600))
	history := buildHistory(12, 1500)
	// An oversized goal keeps even the lastTwo tier above the hard window,
	// since indices 0-1 are protected from every earlier pass.
	history[1] = NewUserTurn(proseTurn(1, 5000))
	// Keep the final exchange small enough to fit the tiny window.
	history[10] = NewAssistantTurn("Working on it.", nil, "", llm.Usage{}, "")
	history[11] = NewUserTurn("Finish up.")

	result, err := m.ManageContext(history, Moderate)
	require.NoError(t, err)
	assert.True(t, result.Stats.Emergency)
	assert.Less(t, NewEstimator().Total(result.Turns), 700)

	assert.Equal(t, TurnSystem, result.Turns[0].Kind)
	assert.Contains(t, result.Turns[0].TextContent(), "Emergency context truncation")

	last := result.Turns[len(result.Turns)-1]
	assert.Equal(t, "Finish up.", last.TextContent())
}

func TestAggressivenessScalesThreshold(t *testing.T) {
	history := buildHistory(20, 1200)
	est := NewEstimator()
	total := est.Total(buildHistory(20, 1200))

	// Pick a threshold the history is under at moderate but over at
	// conservative scaling.
	threshold := int(float64(total) / 0.85)
	model := testModel(threshold*4, threshold)

	conservative, err := NewContextManager(NewEstimator(), model).ManageContext(history, Conservative)
	require.NoError(t, err)
	assert.True(t, conservative.WasModified, "conservative should trigger earlier")

	moderate, err := NewContextManager(NewEstimator(), model).ManageContext(buildHistory(20, 1200), Moderate)
	require.NoError(t, err)
	assert.False(t, moderate.WasModified)
}
