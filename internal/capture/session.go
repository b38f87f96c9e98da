package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/breeze-rmm/apploopback/internal/logging"
)

var log = logging.L("capture")

// DefaultBufferDuration is the ring size requested from the platform.
const DefaultBufferDuration = 20 * time.Millisecond

// State is a session lifecycle state. Transitions only move forward.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateActivating
	StateCapturing
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{"idle", "starting", "activating", "capturing", "stopping", "stopped", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s is Stopped or Failed.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateFailed
}

// EndReason records why a session left the capturing path.
type EndReason int

const (
	ReasonNone EndReason = iota
	ReasonStopRequested
	ReasonProcessExited
	ReasonCancelled
	ReasonFailed
)

func (r EndReason) String() string {
	switch r {
	case ReasonStopRequested:
		return "stop requested"
	case ReasonProcessExited:
		return "target process exited"
	case ReasonCancelled:
		return "cancelled during activation"
	case ReasonFailed:
		return "failed"
	default:
		return "none"
	}
}

// Diagnostic is a non-fatal event raised by the capture loop.
type Diagnostic struct {
	Err    error // ErrBufferOverrun
	Frames uint32
	Total  uint64 // overruns so far
}

// Options tune a session. The zero value is usable.
type Options struct {
	SilencePolicy      SilencePolicy
	BufferDuration     time.Duration
	TargetFormat       AudioFormat // zero means DefaultFormat
	PreferDeviceFormat bool

	// CheckTarget, if set, runs during Start; an error fails the session
	// with ErrInvalidTarget.
	CheckTarget func(pid uint32) error
	// OnDiagnostic is called on the capture goroutine and must not block.
	OnDiagnostic func(Diagnostic)
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.BufferDuration <= 0 {
		o.BufferDuration = DefaultBufferDuration
	}
	if o.TargetFormat == (AudioFormat{}) {
		o.TargetFormat = DefaultFormat
	}
	if o.Logger == nil {
		o.Logger = log
	}
	return o
}

// Session is one start-once, stop-once capture of a target process.
type Session struct {
	activator Activator
	watcher   ExitWatcher
	opts      Options

	mu            sync.Mutex
	log           *slog.Logger
	state         State
	target        Target
	sink          io.Writer
	format        AudioFormat
	client        Client
	clientStarted bool
	watch         ProcessWatch
	released      bool
	cancelled     bool
	reason        EndReason
	err           error

	stop    chan struct{} // closed when the loop must exit
	started chan struct{} // closed on reaching Capturing
	done    chan struct{} // closed on reaching a terminal state
	stats   counters

	zero []byte // capture goroutine only
}

// NewSession creates an idle session. watcher may be nil, in which case
// target exit is not detected.
func NewSession(activator Activator, watcher ExitWatcher, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		activator: activator,
		watcher:   watcher,
		opts:      opts,
		log:       opts.Logger,
		stop:      make(chan struct{}),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start validates target and requests activation. It does not wait for the
// activation to complete; observe the outcome with Done, Wait or State.
func (s *Session) Start(target Target, sink io.Writer) error {
	s.mu.Lock()
	switch {
	case s.state == StateIdle:
	case s.state.Terminal():
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start after %s", ErrInvalidState, state)
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}

	s.target = target
	s.sink = sink
	s.log = logging.WithTarget(s.log, target.ProcessID, target.IncludeDescendants)
	s.setStateLocked(StateStarting)

	if err := s.validateLocked(); err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		return err
	}

	s.setStateLocked(StateActivating)
	s.mu.Unlock()

	if err := s.activator.Activate(target, s.activated); err != nil {
		err = fmt.Errorf("request activation: %w", err)
		s.mu.Lock()
		if s.state == StateActivating {
			s.failLocked(err)
		}
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *Session) validateLocked() error {
	if s.target.ProcessID == 0 {
		return fmt.Errorf("%w: process id must be non-zero", ErrInvalidTarget)
	}
	if s.sink == nil {
		return fmt.Errorf("%w: nil sink", ErrInvalidState)
	}
	if s.opts.CheckTarget != nil {
		if err := s.opts.CheckTarget(s.target.ProcessID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTarget, err)
		}
	}
	return nil
}

// activated is the activation completion. It may run on any thread.
func (s *Session) activated(client Client, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActivating {
		s.log.Warn("activation completed in unexpected state", logging.KeyState, s.state.String())
		if client != nil {
			if err := client.Close(); err != nil {
				s.log.Warn("close capture client", logging.KeyError, err)
			}
		}
		return
	}

	if s.cancelled {
		if err != nil {
			s.log.Debug("activation failed after cancellation", logging.KeyError, err)
		}
		s.client = client
		s.setStateLocked(StateStopping)
		s.finishLocked(StateStopped, ReasonCancelled, nil)
		return
	}

	if err != nil {
		s.failLocked(fmt.Errorf("activate process loopback: %w", err))
		return
	}

	s.client = client
	if err := s.prepareLocked(); err != nil {
		s.failLocked(err)
		return
	}

	var exited <-chan struct{}
	if s.watch != nil {
		exited = s.watch.Exited()
	}

	s.setStateLocked(StateCapturing)
	s.stats.markStarted(time.Now())
	close(s.started)
	s.log.Info("capture started", "format", s.format.String(), "bufferMs", s.opts.BufferDuration.Milliseconds())

	go s.run(client, exited)
}

// prepareLocked negotiates the format and brings the client and the exit
// subscription up. Whatever it acquired is released by the caller's teardown.
func (s *Session) prepareLocked() error {
	var mix *MixFormat
	reported, err := s.client.MixFormat()
	switch {
	case err == nil:
		mix = &reported
	case errors.Is(err, ErrMixFormatUnavailable):
	default:
		return fmt.Errorf("query mix format: %w", err)
	}

	format, err := Negotiate(mix, s.opts.TargetFormat, s.opts.PreferDeviceFormat)
	if err != nil {
		return err
	}
	if err := s.client.Initialize(format, s.opts.BufferDuration); err != nil {
		return fmt.Errorf("initialize capture client: %w", err)
	}
	s.format = format

	if s.watcher != nil {
		watch, err := s.watcher.Watch(s.target.ProcessID)
		if err != nil {
			return fmt.Errorf("watch target process: %w", err)
		}
		s.watch = watch
	}

	if err := s.client.Start(); err != nil {
		return fmt.Errorf("start capture client: %w", err)
	}
	s.clientStarted = true
	return nil
}

// Stop asks the session to end and returns without waiting for teardown.
// Calling it again, or after the session ended, is a no-op.
func (s *Session) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateIdle:
		return fmt.Errorf("%w: stop before start", ErrInvalidState)
	case StateStarting, StateActivating:
		if !s.cancelled {
			s.cancelled = true
			s.log.Info("stop requested during activation")
		}
	case StateCapturing:
		s.reason = ReasonStopRequested
		s.setStateLocked(StateStopping)
		close(s.stop)
	}
	return nil
}

// run owns the capture goroutine; every exit path funnels into finish.
func (s *Session) run(client Client, exited <-chan struct{}) {
	var (
		reason EndReason
		err    error
	)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("capture loop panic", "panic", r, "stack", string(debug.Stack()))
			reason, err = ReasonFailed, fmt.Errorf("capture loop panic: %v", r)
		}
		s.finish(reason, err)
	}()

	reason, err = s.loop(client, exited)
}

func (s *Session) finish(reason EndReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failLocked(err)
		return
	}
	if s.state == StateCapturing {
		s.setStateLocked(StateStopping)
	}
	if s.reason == ReasonNone {
		s.reason = reason
	}
	s.finishLocked(StateStopped, s.reason, nil)
}

func (s *Session) failLocked(err error) {
	s.log.Error("capture failed", logging.KeyState, s.state.String(), logging.KeyError, err)
	s.finishLocked(StateFailed, ReasonFailed, err)
}

func (s *Session) finishLocked(terminal State, reason EndReason, err error) {
	s.reason = reason
	s.err = err
	s.releaseLocked()
	s.stats.markEnded(time.Now())
	s.setStateLocked(terminal)
	close(s.done)

	if terminal == StateStopped {
		st := s.stats.snapshot(time.Now())
		s.log.Info("capture stopped",
			"reason", reason.String(),
			"bytes", st.BytesWritten,
			"buffers", st.Buffers,
			"overruns", st.Overruns,
			logging.KeyDurationMs, st.Elapsed.Milliseconds(),
		)
	}
}

// releaseLocked tears down platform resources exactly once.
func (s *Session) releaseLocked() {
	if s.released {
		return
	}
	s.released = true

	if s.client != nil {
		if s.clientStarted {
			if err := s.client.Stop(); err != nil {
				s.log.Warn("stop capture client", logging.KeyError, err)
			}
		}
		if err := s.client.Close(); err != nil {
			s.log.Warn("close capture client", logging.KeyError, err)
		}
	}
	if s.watch != nil {
		if err := s.watch.Close(); err != nil {
			s.log.Warn("close process watch", logging.KeyError, err)
		}
	}
}

func (s *Session) setStateLocked(next State) {
	s.log.Debug("session state", "from", s.state.String(), "to", next.String())
	s.state = next
}

// Started is closed once the session reaches Capturing. It stays open for a
// session that fails or is cancelled before capturing.
func (s *Session) Started() <-chan struct{} { return s.started }

// Done is closed once the session is Stopped or Failed and all platform
// resources are released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done. It returns the terminal
// error, nil for a clean stop.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err is the error that failed the session, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Reason() EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) Target() Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.target
}

// Format is the negotiated format; zero until Capturing.
func (s *Session) Format() AudioFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

func (s *Session) Stats() Stats {
	return s.stats.snapshot(time.Now())
}
