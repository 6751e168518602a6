// Package agent implements the autonomous control core: a single-session
// loop that alternates between provider calls and tool execution until a
// goal is met.
//
// The loop is strictly sequential; concurrency exists only inside one
// iteration's tool-execution step, where read-only tools run in
// parallel. Safety engines guard each iteration: the ContextManager fits
// the history to the model's window, the RepetitionDetector blocks
// unproductive loops before they execute, and rate limiting and retry
// live in the llm package's middleware.
//
// Hosts drive the agent through StartSession, StopSession, Steer and
// SessionStatus, and observe it through the event channel returned by
// Events.
package agent
