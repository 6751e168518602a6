package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/helmsman/llm"
)

// ErrSessionAlreadyActive is returned by StartSession while another
// session is running.
var ErrSessionAlreadyActive = errors.New("a session is already active")

// ErrNoActiveSession is returned by operations that require a running
// session.
var ErrNoActiveSession = errors.New("no active session")

// Agent runs sessions: single-threaded control loops that alternate
// between provider calls and tool execution until the goal is met. At
// most one session is active per Agent.
type Agent struct {
	cfg      Config
	client   *llm.Client
	model    llm.ModelInfo
	registry *Registry
	ws       Workspace
	detector *RepetitionDetector
	policy   CompletionPolicy
	emitter  *EventEmitter
	est      *Estimator
	approver Approver
	logger   *slog.Logger

	mu       sync.Mutex
	session  *Session
	cancel   context.CancelFunc
	done     chan struct{}
	steering []string
}

// Option configures an Agent beyond its Config.
type Option func(*Agent)

// WithClient injects a prebuilt provider client, replacing the default
// gollm-backed one. Used by hosts with their own middleware and by tests.
func WithClient(c *llm.Client) Option { return func(a *Agent) { a.client = c } }

// WithWorkspace substitutes the workspace the tools operate on.
func WithWorkspace(ws Workspace) Option { return func(a *Agent) { a.ws = ws } }

// WithRegistry substitutes the tool registry.
func WithRegistry(r *Registry) Option { return func(a *Agent) { a.registry = r } }

// WithCompletionPolicy substitutes the final-answer heuristic.
func WithCompletionPolicy(p CompletionPolicy) Option { return func(a *Agent) { a.policy = p } }

// WithApprover installs an approval gate for mutating tool calls.
func WithApprover(ap Approver) Option { return func(a *Agent) { a.approver = ap } }

// WithLogger substitutes the structured logger.
func WithLogger(l *slog.Logger) Option { return func(a *Agent) { a.logger = l } }

// New builds an Agent from a Config. Missing pieces get defaults: a local
// workspace at cfg.WorkspaceDir, the core tool set, and a gollm-backed
// client with rate-limit and retry middleware.
func New(cfg Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		cfg:      cfg,
		detector: NewRepetitionDetector(cfg.Detector),
		emitter:  NewEventEmitter(),
		est:      NewEstimator(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	model := cfg.Model
	if model == "" {
		for _, m := range llm.ListModels(cfg.Provider) {
			model = m.ID
			break
		}
	}
	a.model = llm.ModelInfoOrDefault(model)

	if a.ws == nil {
		ws, err := NewLocalWorkspace(cfg.WorkspaceDir)
		if err != nil {
			return nil, fmt.Errorf("create workspace: %w", err)
		}
		a.ws = ws
	}

	if a.registry == nil {
		a.registry = NewRegistry()
		if err := RegisterCoreTools(a.registry); err != nil {
			return nil, fmt.Errorf("register core tools: %w", err)
		}
	}

	if a.policy == nil {
		a.policy = DefaultCompletionPolicy()
	}

	if a.client == nil {
		provider, err := llm.NewGollmProvider(cfg.Provider,
			llm.WithAPIKey(cfg.APIKey),
			llm.WithModel(a.model.ID),
		)
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", cfg.Provider, err)
		}
		limiter := llm.NewRateLimiter(cfg.RateLimit)
		limiter.OnWait = func(d time.Duration, attempt int) {
			a.emitter.Emit(EventRateLimited, map[string]any{"wait_ms": d.Milliseconds(), "attempt": attempt})
		}
		a.client = llm.NewClient(
			llm.WithProvider(cfg.Provider, provider),
			llm.WithDefaultProvider(cfg.Provider),
			llm.WithMiddleware(
				llm.RateLimitMiddleware(limiter),
				llm.RetryMiddleware(cfg.Retry.Policy()),
			),
		)
	}

	return a, nil
}

// Events returns a channel of lifecycle notifications for UI layers.
func (a *Agent) Events() <-chan Event {
	return a.emitter.Subscribe()
}

// StartSession begins a new session toward goal and returns its id. The
// loop runs on its own goroutine; observe it through Events and
// SessionStatus, or block on Wait.
func (a *Agent) StartSession(ctx context.Context, goal string) (string, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return "", errors.New("goal must not be empty")
	}

	a.mu.Lock()
	if a.session != nil && !a.session.Status().Terminal() {
		a.mu.Unlock()
		return "", ErrSessionAlreadyActive
	}

	session := newSession(goal)
	lctx := ctx
	var cancel context.CancelFunc
	if a.cfg.SessionTimeout > 0 {
		lctx, cancel = context.WithTimeout(ctx, a.cfg.SessionTimeout)
	} else {
		lctx, cancel = context.WithCancel(ctx)
	}
	a.cancel = cancel
	a.session = session
	a.done = make(chan struct{})
	a.steering = nil
	done := a.done
	a.mu.Unlock()

	a.emitter.SetSessionID(session.ID())
	a.emitter.Emit(EventSessionStarted, map[string]any{"goal": goal})

	go func() {
		defer close(done)
		// Releases the deadline timer once the loop exits on its own.
		defer cancel()
		a.run(lctx, session)
	}()

	return session.ID(), nil
}

// StopSession requests a user stop. Idempotent; a session that already
// reached a terminal status is left as is. In-flight work is not aborted
// mid-call, but no new iteration begins.
func (a *Agent) StopSession() {
	a.mu.Lock()
	session := a.session
	cancel := a.cancel
	a.mu.Unlock()

	if session == nil {
		return
	}
	session.finish(StatusUserStopped, "", nil)
	if cancel != nil {
		cancel()
	}
	a.emitter.Emit(EventSessionStopped, nil)
}

// SessionStatus returns a snapshot of the current or most recent session,
// or nil when none has run.
func (a *Agent) SessionStatus() *SessionSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	snap := a.session.Snapshot()
	return &snap
}

// Steer queues a user message to be injected before the next iteration.
func (a *Agent) Steer(message string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil || a.session.Status().Terminal() {
		return ErrNoActiveSession
	}
	a.steering = append(a.steering, message)
	return nil
}

// Wait blocks until the current session's loop exits.
func (a *Agent) Wait() {
	a.mu.Lock()
	done := a.done
	a.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Close stops any active session and releases resources.
func (a *Agent) Close() error {
	a.StopSession()
	a.Wait()
	a.emitter.Close()
	return a.client.Close()
}

// run is the control loop: strictly sequential iterations, concurrency
// only inside one iteration's tool execution.
func (a *Agent) run(ctx context.Context, session *Session) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic in control loop: %v", r)
			a.logger.Error("session panicked", "session", session.ID(), "error", err)
			session.finish(StatusError, "", err)
			a.emitter.Emit(EventSessionError, map[string]any{"error": err.Error()})
		}
	}()

	ctxmgr := NewContextManager(a.est, a.model)
	scheduler := NewScheduler(a.registry, a.ws, a.approver, a.emitter)

	systemPrompt := BuildSystemPrompt(ctx, a.ws, session.goal)
	session.appendTurn(NewSystemTurn(systemPrompt))
	session.appendTurn(NewUserTurn(session.goal))

	for !session.Status().Terminal() {
		if ctx.Err() != nil {
			session.finish(StatusUserStopped, "", nil)
			return
		}

		iteration := session.nextIteration()
		a.emitter.Emit(EventIterationStarted, map[string]any{"iteration": iteration})
		a.logger.Debug("iteration started", "session", session.ID(), "iteration", iteration)

		a.drainSteering(session)

		if err := a.iterate(ctx, session, ctxmgr, scheduler, iteration); err != nil {
			a.logger.Error("iteration failed", "session", session.ID(), "iteration", iteration, "error", err)
			session.finish(StatusError, "", err)
			a.emitter.Emit(EventSessionError, map[string]any{"error": err.Error()})
			return
		}

		a.emitter.Emit(EventIterationFinished, map[string]any{"iteration": iteration})

		if iteration >= a.cfg.MaxIterations && !session.Status().Terminal() {
			a.forceCompletion(ctx, session, ctxmgr)
			return
		}
	}
}

// iterate runs one provider round-trip plus any resulting tool execution.
func (a *Agent) iterate(ctx context.Context, session *Session, ctxmgr *ContextManager, scheduler *Scheduler, iteration int) error {
	managed, err := ctxmgr.ManageContext(session.historyCopy(), a.cfg.Aggressiveness)
	if err != nil {
		// Unrecoverable overflow after emergency truncation.
		return err
	}
	if managed.WasModified {
		session.replaceHistory(managed.Turns)
		a.emitter.Emit(EventContextTruncated, map[string]any{
			"strategy": string(managed.Stats.Strategy),
			"removed":  managed.Stats.Removed,
			"tokens":   managed.Stats.TokensAfter,
		})
	}

	resp, err := a.complete(ctx, managed)
	if err != nil {
		if isAbort(err) {
			session.finish(StatusUserStopped, "", nil)
			return nil
		}
		return err
	}

	parsed := ParseReply(resp)
	session.appendTurn(NewAssistantTurn(parsed.Text, parsed.Calls, resp.Reasoning(), resp.Usage, resp.ID))
	a.emitter.Emit(EventAssistantMessage, map[string]any{"text": parsed.Text, "tool_calls": len(parsed.Calls)})

	if !parsed.Parsed() {
		if a.policy.IsFinal(parsed.Text, iteration, a.cfg.MaxIterations) {
			session.finish(StatusCompleted, parsed.Text, nil)
			a.emitter.Emit(EventSessionCompleted, map[string]any{"final_answer": parsed.Text})
			return nil
		}
		session.appendTurn(NewSteeringTurn(
			"Your reply contained no tool calls and does not look like a final answer. " +
				"Continue working toward the goal, or call the finish tool with a summary if it is complete."))
		return nil
	}

	verdict := a.detector.Inspect(parsed.Calls, iteration, a.registry.Category)
	if verdict.Blocked {
		a.logger.Warn("repetition detected", "session", session.ID(), "rule", verdict.Rule, "tool", verdict.Tool)
		a.emitter.Emit(EventLoopDetected, map[string]any{"rule": verdict.Rule, "tool": verdict.Tool})
		session.appendTurn(NewSteeringTurn(verdict.Guidance))
		return nil
	}
	a.detector.Record(parsed.Calls, iteration)

	results := scheduler.Execute(ctx, parsed.Calls)
	session.appendTurn(NewToolResultsTurn(results))

	if summary, done := finishResult(parsed.Calls, results); done {
		session.finish(StatusCompleted, summary, nil)
		a.emitter.Emit(EventSessionCompleted, map[string]any{"final_answer": summary})
	}
	return nil
}

// complete sends the managed history to the provider through the
// middleware chain.
func (a *Agent) complete(ctx context.Context, managed ManageResult) (*llm.Response, error) {
	messages := HistoryToMessages(managed.Turns)
	req := llm.Request{
		Model:                a.model.ID,
		Messages:             messages,
		ToolDefs:             a.registry.Definitions(),
		EstimatedInputTokens: managed.Stats.TokensAfter,
		RequestID:            "req_" + uuid.New().String()[:8],
	}
	return a.client.Complete(ctx, req)
}

// forceCompletion makes a best-effort summarization call at the iteration
// ceiling, then completes the session with whatever it gets.
func (a *Agent) forceCompletion(ctx context.Context, session *Session, ctxmgr *ContextManager) {
	a.logger.Info("iteration ceiling reached, forcing completion", "session", session.ID(), "iterations", session.currentIteration())

	session.appendTurn(NewSteeringTurn(
		"You have reached the iteration limit. Do not call any tools. " +
			"Summarize what you accomplished, what remains, and any important findings."))

	final := "Session ended at the iteration limit before producing a summary."
	managed, err := ctxmgr.ManageContext(session.historyCopy(), a.cfg.Aggressiveness)
	if err == nil {
		if resp, cerr := a.complete(ctx, managed); cerr == nil {
			if text := strings.TrimSpace(resp.Text()); text != "" {
				final = text
				session.appendTurn(NewAssistantTurn(text, nil, "", resp.Usage, resp.ID))
			}
		}
	}

	session.finish(StatusCompleted, final, nil)
	a.emitter.Emit(EventSessionCompleted, map[string]any{"final_answer": final, "forced": true})
}

// drainSteering moves queued user steering messages into the history.
func (a *Agent) drainSteering(session *Session) {
	a.mu.Lock()
	pending := a.steering
	a.steering = nil
	a.mu.Unlock()
	for _, msg := range pending {
		session.appendTurn(NewSteeringTurn(msg))
	}
}

// finishResult returns the terminal tool's output when the batch carried
// a successful finish call.
func finishResult(calls []llm.ToolCall, results []llm.ToolResult) (string, bool) {
	byID := make(map[string]llm.ToolResult, len(results))
	for _, r := range results {
		byID[r.ToolCallID] = r
	}
	for _, call := range calls {
		if call.Name != "finish" {
			continue
		}
		if r, ok := byID[call.ID]; ok && !r.IsError {
			return r.Content, true
		}
	}
	return "", false
}

func isAbort(err error) bool {
	var abort *llm.AbortError
	return errors.As(err, &abort) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
