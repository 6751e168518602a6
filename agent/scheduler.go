package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/helmsman/llm"
)

// Approver decides whether a mutating or other-category call may run. A
// nil Approver auto-approves everything. Returning an error denies the
// call; the denial becomes an error result rather than a session failure.
type Approver func(ctx context.Context, call llm.ToolCall) error

// Scheduler executes a batch of proposed tool calls. Read-only calls run
// concurrently, mutating and other calls run strictly sequentially with
// an approval gate, and terminal calls run last regardless of their
// position in the batch. Result order matches the deduplicated input
// order.
type Scheduler struct {
	registry *Registry
	ws       Workspace
	approver Approver
	emitter  *EventEmitter

	now func() time.Time
}

// NewScheduler creates a scheduler over a registry and workspace.
func NewScheduler(registry *Registry, ws Workspace, approver Approver, emitter *EventEmitter) *Scheduler {
	return &Scheduler{
		registry: registry,
		ws:       ws,
		approver: approver,
		emitter:  emitter,
		now:      time.Now,
	}
}

// Execute runs the batch and returns one result per deduplicated call, in
// deduplicated input order.
func (s *Scheduler) Execute(ctx context.Context, calls []llm.ToolCall) []llm.ToolResult {
	deduped := dedupeCalls(calls)
	results := make([]llm.ToolResult, len(deduped))

	var readOnly, sequential, terminal []int
	for i, call := range deduped {
		switch s.registry.Category(call.Name) {
		case CategoryReadOnly:
			readOnly = append(readOnly, i)
		case CategoryTerminal:
			terminal = append(terminal, i)
		default:
			sequential = append(sequential, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range readOnly {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.executeOne(ctx, deduped[i], false)
		}(i)
	}
	wg.Wait()

	for _, i := range sequential {
		results[i] = s.executeOne(ctx, deduped[i], true)
	}

	for _, i := range terminal {
		results[i] = s.executeOne(ctx, deduped[i], false)
	}

	return results
}

// executeOne validates, optionally gates on approval, runs the tool, and
// stamps timing metadata onto the result.
func (s *Scheduler) executeOne(ctx context.Context, call llm.ToolCall, needsApproval bool) llm.ToolResult {
	result := llm.ToolResult{
		ToolCallID: call.ID,
		Metadata:   map[string]any{"tool_name": call.Name},
	}
	if path := inputFilePath(call.Arguments); path != "" {
		result.Metadata["file_path"] = path
	}

	if err := s.registry.Validate(call.Name, call.Arguments); err != nil {
		result.IsError = true
		result.Content = fmt.Sprintf("Tool error: %v. Check the tool's parameter schema and retry with valid input.", err)
		return result
	}

	tool, ok := s.registry.Get(call.Name)
	if !ok {
		result.IsError = true
		result.Content = fmt.Sprintf("Tool error: unknown tool %q.", call.Name)
		return result
	}

	if needsApproval && s.approver != nil {
		if err := s.approver(ctx, call); err != nil {
			result.IsError = true
			result.Content = fmt.Sprintf("Tool error: call to %s was not approved: %v", call.Name, err)
			return result
		}
	}

	started := s.now()
	s.emit(EventToolStarted, map[string]any{"tool": call.Name, "id": call.ID})

	output, err := tool.Execute(ctx, s.ws, call.Arguments)
	completed := s.now()

	result.Metadata["started_at"] = started.Format(time.RFC3339Nano)
	result.Metadata["completed_at"] = completed.Format(time.RFC3339Nano)
	result.Metadata["duration_ms"] = completed.Sub(started).Milliseconds()

	if err != nil {
		result.IsError = true
		result.Content = "Tool error: " + err.Error()
	} else {
		result.Content = truncateToolOutput(call.Name, output)
	}

	s.emit(EventToolCompleted, map[string]any{
		"tool":        call.Name,
		"id":          call.ID,
		"is_error":    result.IsError,
		"duration_ms": result.Metadata["duration_ms"],
	})
	return result
}

func (s *Scheduler) emit(kind EventKind, data map[string]any) {
	if s.emitter != nil {
		s.emitter.Emit(kind, data)
	}
}

// dedupeCalls removes calls whose tool name and serialized input repeat an
// earlier call in the same batch, keeping the first occurrence's id.
func dedupeCalls(calls []llm.ToolCall) []llm.ToolCall {
	seen := map[string]bool{}
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		sig := callSignature(call.Name, call.Arguments)
		if seen[sig] {
			continue
		}
		seen[sig] = true
		out = append(out, call)
	}
	return out
}

// inputFilePath extracts a file path from call arguments when present, so
// downstream consumers can key on it without reparsing.
func inputFilePath(args json.RawMessage) string {
	var probe struct {
		FilePath string `json:"file_path"`
		Path     string `json:"path"`
	}
	if err := json.Unmarshal(args, &probe); err != nil {
		return ""
	}
	if probe.FilePath != "" {
		return probe.FilePath
	}
	return probe.Path
}
