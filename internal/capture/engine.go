package capture

import (
	"fmt"
	"io"
	"sync"
)

// Engine starts sessions against one platform and allows at most one live
// session per target process.
type Engine struct {
	platform Platform
	opts     Options

	mu       sync.Mutex
	sessions map[uint32]*Session
}

func NewEngine(platform Platform, opts Options) *Engine {
	return &Engine{
		platform: platform,
		opts:     opts,
		sessions: make(map[uint32]*Session),
	}
}

// StartCapture begins capturing pid's audio into sink. Validation errors and
// failures to issue the activation request are returned immediately;
// activation results arrive asynchronously and are observed on the session.
func (e *Engine) StartCapture(pid uint32, includeDescendants bool, sink io.Writer) (*Session, error) {
	if pid == 0 {
		return nil, fmt.Errorf("%w: process id must be non-zero", ErrInvalidTarget)
	}

	e.mu.Lock()
	if _, ok := e.sessions[pid]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: pid %d is already being captured", ErrAlreadyStarted, pid)
	}
	s := NewSession(e.platform, e.platform, e.opts)
	e.sessions[pid] = s
	e.mu.Unlock()

	go e.forget(pid, s)

	if err := s.Start(Target{ProcessID: pid, IncludeDescendants: includeDescendants}, sink); err != nil {
		return nil, err
	}
	return s, nil
}

// StopCapture requests s to stop. It does not wait for teardown.
func (e *Engine) StopCapture(s *Session) error {
	if s == nil {
		return fmt.Errorf("%w: nil session", ErrInvalidState)
	}
	return s.Stop()
}

// Active returns the live session for pid, if any.
func (e *Engine) Active(pid uint32) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[pid]
	return s, ok
}

func (e *Engine) forget(pid uint32, s *Session) {
	<-s.Done()
	e.mu.Lock()
	if e.sessions[pid] == s {
		delete(e.sessions, pid)
	}
	e.mu.Unlock()
}
