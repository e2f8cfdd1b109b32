package engine

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/theshibabasement/maxun/pkg/models"
)

// MockSession implements Session with a test-scripted event stream. Tests
// emit events through Emit/Finish and inspect which control commands the
// orchestrator issued.
type MockSession struct {
	mu     sync.Mutex
	events chan Event
	closed bool

	PauseCalls  int
	ResumeCalls int
	StepCalls   int
	AbortCalls  int
	Breakpoints []string

	// AckAbort controls whether Abort acknowledges teardown by closing the
	// event channel. Tests set it to false to simulate an unresponsive engine.
	AckAbort bool
}

func NewMockSession() *MockSession {
	return &MockSession{
		events:   make(chan Event, 64),
		AckAbort: true,
	}
}

func (s *MockSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.PauseCalls++
}

func (s *MockSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResumeCalls++
}

func (s *MockSession) Step() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StepCalls++
}

func (s *MockSession) SetBreakpoints(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Breakpoints = append([]string(nil), ids...)
}

func (s *MockSession) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AbortCalls++
	if s.AckAbort && !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *MockSession) Events() <-chan Event { return s.events }

// Emit delivers one scripted event to the orchestrator.
func (s *MockSession) Emit(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// Finish emits the terminal event and closes the stream.
func (s *MockSession) Finish(outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- Event{Kind: FinishedEvent, Outcome: outcome}
	s.closed = true
	close(s.events)
}

// Close tears the stream down without a finished event, simulating an
// engine crash.
func (s *MockSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}

// Calls returns the recorded command counts under the lock.
func (s *MockSession) Calls() (pause, resume, step, abort int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PauseCalls, s.ResumeCalls, s.StepCalls, s.AbortCalls
}

// MockLauncher hands out prepared sessions in order.
type MockLauncher struct {
	mu       sync.Mutex
	Sessions []*MockSession
	Launched []string // robot ids in launch order
	Err      error
}

func NewMockLauncher(sessions ...*MockSession) *MockLauncher {
	return &MockLauncher{Sessions: sessions}
}

func (l *MockLauncher) Launch(ctx context.Context, robot models.Robot) (Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	if len(l.Launched) >= len(l.Sessions) {
		return nil, errors.Errorf("no session prepared for robot %s", robot.ID)
	}
	session := l.Sessions[len(l.Launched)]
	l.Launched = append(l.Launched, robot.ID)
	return session, nil
}
