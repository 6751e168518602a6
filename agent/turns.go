package agent

import (
	"time"

	"github.com/martinemde/helmsman/llm"
)

// TurnKind discriminates between history entry types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSystem      TurnKind = "system"
	TurnSteering    TurnKind = "steering"
)

// Turn is a single entry in the conversation history. Tokens caches the
// estimated token count; zero means not yet annotated.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	Tokens      int              `json:"tokens,omitempty"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	System      *SystemTurn      `json:"system,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the model's response.
type AssistantTurn struct {
	Content    string         `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	Reasoning  string         `json:"reasoning,omitempty"`
	Usage      llm.Usage      `json:"usage"`
	ResponseID string         `json:"response_id,omitempty"`
}

// ToolResultsTurn holds tool execution results.
type ToolResultsTurn struct {
	Results []llm.ToolResult `json:"results"`
}

// SystemTurn holds a system message.
type SystemTurn struct {
	Content string `json:"content"`
}

// SteeringTurn holds an injected guidance message (user steering or
// corrective messages from the loop's safety engines).
type SteeringTurn struct {
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{Kind: TurnUser, Timestamp: time.Now(), User: &UserTurn{Content: content}}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []llm.ToolCall, reasoning string, usage llm.Usage, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			ToolCalls:  toolCalls,
			Reasoning:  reasoning,
			Usage:      usage,
			ResponseID: responseID,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []llm.ToolResult) Turn {
	return Turn{Kind: TurnToolResults, Timestamp: time.Now(), ToolResults: &ToolResultsTurn{Results: results}}
}

// NewSystemTurn creates a Turn wrapping a system message.
func NewSystemTurn(content string) Turn {
	return Turn{Kind: TurnSystem, Timestamp: time.Now(), System: &SystemTurn{Content: content}}
}

// NewSteeringTurn creates a Turn wrapping an injected guidance message.
func NewSteeringTurn(content string) Turn {
	return Turn{Kind: TurnSteering, Timestamp: time.Now(), Steering: &SteeringTurn{Content: content}}
}

// TextContent returns the text content of a turn regardless of its kind.
// Tool result turns concatenate their result payloads.
func (t Turn) TextContent() string {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			return t.User.Content
		}
	case TurnAssistant:
		if t.Assistant != nil {
			return t.Assistant.Content
		}
	case TurnToolResults:
		if t.ToolResults != nil {
			var s string
			for _, r := range t.ToolResults.Results {
				s += r.Content
			}
			return s
		}
	case TurnSystem:
		if t.System != nil {
			return t.System.Content
		}
	case TurnSteering:
		if t.Steering != nil {
			return t.Steering.Content
		}
	}
	return ""
}

// setTextContent replaces the primary text of a turn in place. Used by the
// context manager when compressing or back-referencing message bodies.
func (t *Turn) setTextContent(s string) {
	switch t.Kind {
	case TurnUser:
		if t.User != nil {
			t.User.Content = s
		}
	case TurnAssistant:
		if t.Assistant != nil {
			t.Assistant.Content = s
		}
	case TurnToolResults:
		// The compressed content replaces the results, but the first
		// result's identity survives so the call/result pairing holds.
		if t.ToolResults != nil {
			merged := llm.ToolResult{Content: s}
			if len(t.ToolResults.Results) > 0 {
				first := t.ToolResults.Results[0]
				merged.ToolCallID = first.ToolCallID
				merged.IsError = first.IsError
				merged.Metadata = first.Metadata
			}
			t.ToolResults.Results = []llm.ToolResult{merged}
		}
	case TurnSystem:
		if t.System != nil {
			t.System.Content = s
		}
	case TurnSteering:
		if t.Steering != nil {
			t.Steering.Content = s
		}
	}
}

// clone returns a deep copy of the turn, so a rewrite never reaches the
// history the session (or a host holding Session.History) still owns.
func (t Turn) clone() Turn {
	out := t
	if t.User != nil {
		u := *t.User
		out.User = &u
	}
	if t.Assistant != nil {
		a := *t.Assistant
		a.ToolCalls = append([]llm.ToolCall(nil), t.Assistant.ToolCalls...)
		out.Assistant = &a
	}
	if t.ToolResults != nil {
		out.ToolResults = &ToolResultsTurn{
			Results: append([]llm.ToolResult(nil), t.ToolResults.Results...),
		}
	}
	if t.System != nil {
		s := *t.System
		out.System = &s
	}
	if t.Steering != nil {
		st := *t.Steering
		out.Steering = &st
	}
	return out
}

// HistoryToMessages converts the turn-based history into provider messages.
func HistoryToMessages(history []Turn) []llm.Message {
	var messages []llm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, llm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := llm.AssistantMessage(turn.Assistant.Content)
				for _, tc := range turn.Assistant.ToolCalls {
					msg.Content = append(msg.Content, llm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, result := range turn.ToolResults.Results {
					messages = append(messages, llm.ToolResultMessage(result.ToolCallID, result.Content, result.IsError))
				}
			}
		case TurnSystem:
			if turn.System != nil {
				messages = append(messages, llm.SystemMessage(turn.System.Content))
			}
		case TurnSteering:
			// Steering turns go out as user messages so the model treats
			// them as instructions.
			if turn.Steering != nil {
				messages = append(messages, llm.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}
