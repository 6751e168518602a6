package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive      SessionStatus = "active"
	StatusCompleted   SessionStatus = "completed"
	StatusError       SessionStatus = "error"
	StatusUserStopped SessionStatus = "user_stopped"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool { return s != StatusActive }

// Session is one end-to-end run toward a single goal. It is owned by the
// Agent's control loop; hosts observe it through snapshots only. The
// history is append-only except when the context manager installs a
// reduced replacement list.
type Session struct {
	mu sync.Mutex

	id        string
	goal      string
	status    SessionStatus
	history   []Turn
	iteration int
	startedAt time.Time
	endedAt   time.Time

	finalAnswer string
	err         error
}

func newSession(goal string) *Session {
	return &Session{
		id:        uuid.New().String(),
		goal:      goal,
		status:    StatusActive,
		startedAt: time.Now(),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Status returns the current lifecycle state.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// finish transitions to a terminal status once; later transitions are
// ignored so stopSession stays idempotent.
func (s *Session) finish(status SessionStatus, finalAnswer string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.status = status
	s.endedAt = time.Now()
	if finalAnswer != "" {
		s.finalAnswer = finalAnswer
	}
	s.err = err
}

func (s *Session) appendTurn(t Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
}

// replaceHistory installs a reduced history produced by the context
// manager. Logically a new list, not a mutation of past turns.
func (s *Session) replaceHistory(turns []Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = turns
}

func (s *Session) historyCopy() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) nextIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iteration++
	return s.iteration
}

func (s *Session) currentIteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// SessionSnapshot is a host-facing view of a session at a point in time.
type SessionSnapshot struct {
	ID          string        `json:"id"`
	Goal        string        `json:"goal"`
	Status      SessionStatus `json:"status"`
	Iteration   int           `json:"iteration"`
	Turns       int           `json:"turns"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at,omitempty"`
	FinalAnswer string        `json:"final_answer,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot captures the session state. The history itself is not copied
// out; terminal failures preserve it on the session for diagnostics.
func (s *Session) Snapshot() SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := SessionSnapshot{
		ID:          s.id,
		Goal:        s.goal,
		Status:      s.status,
		Iteration:   s.iteration,
		Turns:       len(s.history),
		StartedAt:   s.startedAt,
		EndedAt:     s.endedAt,
		FinalAnswer: s.finalAnswer,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// History returns a copy of the message log, including after terminal
// failure.
func (s *Session) History() []Turn {
	return s.historyCopy()
}
