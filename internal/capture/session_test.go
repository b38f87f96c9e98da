package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func startCapturing(t *testing.T, opts Options, client *fakeClient, sink io.Writer) (*Session, *fakePlatform) {
	t.Helper()
	p := newFakePlatform(client)
	s := NewSession(p, p, opts)
	if err := s.Start(Target{ProcessID: 4242, IncludeDescendants: true}, sink); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-s.Started():
	case <-time.After(2 * time.Second):
		t.Fatalf("session never started capturing (state %s, err %v)", s.State(), s.Err())
	}
	return s, p
}

func TestStartCaptureRejectsZeroPID(t *testing.T) {
	p := newFakePlatform(newFakeClient(&stereo48k16))
	e := NewEngine(p, Options{})

	s, err := e.StartCapture(0, true, &lockedBuffer{})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("StartCapture(0) error = %v, want ErrInvalidTarget", err)
	}
	if s != nil {
		t.Fatal("expected no session for an invalid target")
	}
	if p.calls != 0 {
		t.Fatalf("activator called %d times, want 0", p.calls)
	}
}

func TestToneSecondAt48kStereoDelivers192000Bytes(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := &lockedBuffer{}
	p := newFakePlatform(client)
	e := NewEngine(p, Options{PreferDeviceFormat: true})

	s, err := e.StartCapture(4242, true, sink)
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	waitFor(t, "capturing", func() bool { return s.State() == StateCapturing })

	client.push(tenMillis(100, 0, 0x5A)...)
	waitFor(t, "all buffers released", func() bool {
		_, released, _ := client.counts()
		return released == 100
	})

	if err := e.StopCapture(s); err != nil {
		t.Fatalf("StopCapture: %v", err)
	}
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := sink.Len(); got != 192000 {
		t.Fatalf("sink received %d bytes, want 192000", got)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if s.Reason() != ReasonStopRequested {
		t.Fatalf("reason = %s, want stop requested", s.Reason())
	}
	if got := s.Format(); got.BytesPerSecond() != 192000 {
		t.Fatalf("format %s has %d bytes/s", got, got.BytesPerSecond())
	}
	if p.targets[0] != (Target{ProcessID: 4242, IncludeDescendants: true}) {
		t.Fatalf("activated target = %+v", p.targets[0])
	}
	if client.violations != 0 {
		t.Fatalf("%d buffer ownership violations", client.violations)
	}
	if client.stopCalls != 1 || client.closeCalls != 1 {
		t.Fatalf("client stop=%d close=%d, want 1 each", client.stopCalls, client.closeCalls)
	}
	if client.attached != 1 || client.detached != 1 {
		t.Fatalf("thread attach=%d detach=%d, want 1 each", client.attached, client.detached)
	}
}

func TestSilentBuffersAreZeroFilled(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := &lockedBuffer{}
	s, _ := startCapturing(t, Options{PreferDeviceFormat: true}, client, sink)

	client.push(tenMillis(100, FlagSilent, 0)...)
	waitFor(t, "all buffers released", func() bool {
		_, released, _ := client.counts()
		return released == 100
	})
	s.Stop()
	waitDone(t, s)

	format := s.Format()
	want := int(format.BytesPerSecond()) // one second of silence
	got := sink.Bytes()
	if len(got) != want {
		t.Fatalf("sink received %d bytes, want %d", len(got), want)
	}
	if !bytes.Equal(got, make([]byte, want)) {
		t.Fatal("silent buffers must be forwarded as zero bytes")
	}
	if st := s.Stats(); st.SilentBuffers != 100 || st.BytesWritten != uint64(want) {
		t.Fatalf("stats = %+v", st)
	}
}

func TestSilentBuffersSkippedByPolicy(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := &lockedBuffer{}
	s, _ := startCapturing(t, Options{PreferDeviceFormat: true, SilencePolicy: SilenceSkip}, client, sink)

	client.push(tenMillis(10, FlagSilent, 0)...)
	client.push(tenMillis(1, 0, 0x01)...)
	waitFor(t, "all buffers released", func() bool {
		_, released, _ := client.counts()
		return released == 11
	})
	s.Stop()
	waitDone(t, s)

	if got := sink.Len(); got != 480*4 {
		t.Fatalf("sink received %d bytes, want only the audible buffer (%d)", got, 480*4)
	}
}

func TestActivationDeniedFailsSession(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	p := newFakePlatform(client)
	p.mode = activateSync
	p.err = &HResultError{Op: "ActivateAudioInterfaceAsync", HResult: HResultAccessDenied}
	sink := &lockedBuffer{}

	s := NewSession(p, p, Options{})
	if err := s.Start(Target{ProcessID: 4}, sink); err != nil {
		t.Fatalf("Start returned %v; activation errors arrive asynchronously", err)
	}

	err := s.Wait(context.Background())
	if !errors.Is(err, ErrActivationDenied) {
		t.Fatalf("Wait error = %v, want ErrActivationDenied", err)
	}
	if hr, ok := HResultOf(err); !ok || hr != HResultAccessDenied {
		t.Fatalf("HResultOf = 0x%08X, %v", hr, ok)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	select {
	case <-s.Started():
		t.Fatal("Started closed for a session that never captured")
	default:
	}
	if sink.Len() != 0 {
		t.Fatalf("sink received %d bytes after a failed activation", sink.Len())
	}
	if client.closeCalls != 0 || client.acquired != 0 {
		t.Fatal("no client should have been used")
	}
	if p.watches != 0 {
		t.Fatal("no exit subscription should have been made")
	}
}

func TestActivationRequestFailureReturnsImmediately(t *testing.T) {
	p := newFakePlatform(newFakeClient(&stereo48k16))
	p.requestErr = &HResultError{Op: "ActivateAudioInterfaceAsync", HResult: HResultNotImpl}

	s := NewSession(p, p, Options{})
	err := s.Start(Target{ProcessID: 9}, &lockedBuffer{})
	if !errors.Is(err, ErrUnsupportedPlatform) {
		t.Fatalf("Start error = %v, want ErrUnsupportedPlatform", err)
	}
	waitDone(t, s)
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

func TestCheckTargetFailure(t *testing.T) {
	p := newFakePlatform(newFakeClient(&stereo48k16))
	s := NewSession(p, p, Options{CheckTarget: func(uint32) error { return errors.New("process not found") }})

	err := s.Start(Target{ProcessID: 31337}, &lockedBuffer{})
	if !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("Start error = %v, want ErrInvalidTarget", err)
	}
	if p.calls != 0 {
		t.Fatal("activation must not be requested for a missing process")
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
}

func TestStopTwiceReleasesOnce(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	s, p := startCapturing(t, Options{}, client, &lockedBuffer{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				t.Errorf("Stop: %v", err)
			}
		}()
	}
	wg.Wait()
	waitDone(t, s)

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after stopped: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if client.stopCalls != 1 || client.closeCalls != 1 {
		t.Fatalf("client stop=%d close=%d, want 1 each", client.stopCalls, client.closeCalls)
	}
	if p.watchClose != 1 {
		t.Fatalf("process watch closed %d times, want 1", p.watchClose)
	}
}

func TestLateActivationClosesStrayClient(t *testing.T) {
	logs := &lockedBuffer{}
	opts := Options{Logger: slog.New(slog.NewTextHandler(logs, nil))}
	client := newFakeClient(&stereo48k16)
	s, _ := startCapturing(t, opts, client, &lockedBuffer{})

	stray := newFakeClient(&stereo48k16)
	stray.closeErr = errors.New("already released")
	s.activated(stray, nil)

	if _, _, closes := stray.counts(); closes != 1 {
		t.Fatalf("stray client closed %d times, want 1", closes)
	}
	if s.State() != StateCapturing {
		t.Fatalf("state = %s, want capturing", s.State())
	}
	if !strings.Contains(string(logs.Bytes()), "close capture client") {
		t.Fatalf("close failure not logged:\n%s", logs.Bytes())
	}

	s.Stop()
	waitDone(t, s)
	if _, _, closes := client.counts(); closes != 1 {
		t.Fatalf("live client closed %d times, want 1", closes)
	}
}

func TestProcessExitStopsSessionWithoutStop(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := &lockedBuffer{}
	s, p := startCapturing(t, Options{}, client, sink)

	client.push(tenMillis(3, 0, 0x10)...)
	waitFor(t, "buffers released", func() bool {
		_, released, _ := client.counts()
		return released == 3
	})

	close(p.exited)
	waitDone(t, s)

	if s.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", s.State())
	}
	if s.Reason() != ReasonProcessExited {
		t.Fatalf("reason = %s, want target process exited", s.Reason())
	}
	if s.Err() != nil {
		t.Fatalf("Err = %v, want nil", s.Err())
	}

	before := sink.Len()
	client.push(tenMillis(2, 0, 0x20)...)
	time.Sleep(20 * time.Millisecond)
	if sink.Len() != before {
		t.Fatal("sink written after the session stopped")
	}
	if acquired, _, closes := client.counts(); acquired != 3 || closes != 1 {
		t.Fatalf("acquired=%d closes=%d after exit", acquired, closes)
	}
}

func TestStopDuringActivationTearsDownFreshClient(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	p := newFakePlatform(client)
	p.mode = activateManual

	s := NewSession(p, p, Options{})
	if err := s.Start(Target{ProcessID: 77}, &lockedBuffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.State() != StateActivating {
		t.Fatalf("state = %s, want activating until completion arrives", s.State())
	}

	p.complete()
	waitDone(t, s)

	if s.State() != StateStopped || s.Reason() != ReasonCancelled {
		t.Fatalf("state=%s reason=%s, want stopped/cancelled", s.State(), s.Reason())
	}
	if client.started || client.initialized != (AudioFormat{}) {
		t.Fatal("cancelled session must not initialize or start the client")
	}
	if client.closeCalls != 1 {
		t.Fatalf("client closed %d times, want 1", client.closeCalls)
	}
	if client.attached != 0 {
		t.Fatal("no capture thread should have been launched")
	}
}

func TestSinkWriteFailureFailsSession(t *testing.T) {
	errDisk := errors.New("pipe closed")
	client := newFakeClient(&stereo48k16)
	sink := writerFunc(func(p []byte) (int, error) { return 0, errDisk })
	s, p := startCapturing(t, Options{}, client, sink)

	client.push(tenMillis(2, 0, 0x33)...)
	waitDone(t, s)

	err := s.Err()
	if !errors.Is(err, ErrSinkWriteFailed) || !errors.Is(err, errDisk) {
		t.Fatalf("Err = %v, want ErrSinkWriteFailed wrapping the sink error", err)
	}
	if s.State() != StateFailed {
		t.Fatalf("state = %s, want failed", s.State())
	}
	acquired, released, closes := client.counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("acquired=%d released=%d, want 1/1", acquired, released)
	}
	if closes != 1 || p.watchClose != 1 {
		t.Fatalf("client closes=%d watch closes=%d, want 1 each", closes, p.watchClose)
	}
}

func TestShortWriteIsSinkFailure(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := writerFunc(func(p []byte) (int, error) { return len(p) / 2, nil })
	s, _ := startCapturing(t, Options{}, client, sink)

	client.push(tenMillis(1, 0, 0x01)...)
	waitDone(t, s)

	if err := s.Err(); !errors.Is(err, ErrSinkWriteFailed) || !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("Err = %v, want short write sink failure", err)
	}
}

func TestDiscontinuityCountedAndCaptureContinues(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := &lockedBuffer{}

	var mu sync.Mutex
	var diags []Diagnostic
	opts := Options{OnDiagnostic: func(d Diagnostic) {
		mu.Lock()
		diags = append(diags, d)
		mu.Unlock()
	}}
	s, _ := startCapturing(t, opts, client, sink)

	client.push(tenMillis(1, 0, 0x01)...)
	client.push(tenMillis(1, FlagDiscontinuity|FlagTimestampError, 0x02)...)
	client.push(tenMillis(1, 0, 0x03)...)
	waitFor(t, "buffers released", func() bool {
		_, released, _ := client.counts()
		return released == 3
	})
	s.Stop()
	if err := s.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	st := s.Stats()
	if st.Overruns != 1 || st.TimestampErrors != 1 || st.Buffers != 3 {
		t.Fatalf("stats = %+v", st)
	}
	if sink.Len() != 3*480*4 {
		t.Fatalf("sink received %d bytes, want all three buffers", sink.Len())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(diags) != 1 || !errors.Is(diags[0].Err, ErrBufferOverrun) || diags[0].Frames != 480 {
		t.Fatalf("diagnostics = %+v", diags)
	}
}

func TestStopFinishesInFlightBufferOnly(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	sink := writerFunc(func(p []byte) (int, error) {
		once.Do(func() { close(entered) })
		<-unblock
		return len(p), nil
	})
	s, _ := startCapturing(t, Options{}, client, sink)

	client.push(tenMillis(3, 0, 0x44)...)
	<-entered
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(unblock)
	waitDone(t, s)

	acquired, released, _ := client.counts()
	if acquired != 1 || released != 1 {
		t.Fatalf("acquired=%d released=%d, want the in-flight buffer only", acquired, released)
	}
	if len(client.buffers) != 2 {
		t.Fatalf("%d buffers left in the ring, want 2", len(client.buffers))
	}
}

func TestStartTwiceAndStopBeforeStart(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	p := newFakePlatform(client)
	s := NewSession(p, p, Options{})

	if err := s.Stop(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Stop before Start = %v, want ErrInvalidState", err)
	}
	if err := s.Start(Target{ProcessID: 5}, &lockedBuffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(Target{ProcessID: 5}, &lockedBuffer{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
	waitFor(t, "capturing", func() bool { return s.State() == StateCapturing })
	s.Stop()
	waitDone(t, s)

	if err := s.Start(Target{ProcessID: 5}, &lockedBuffer{}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Start after stop = %v, want ErrInvalidState", err)
	}
	if p.calls != 1 {
		t.Fatalf("activator called %d times, want 1", p.calls)
	}
}

func TestUnsupportedMixFormatFailsAndReleasesClient(t *testing.T) {
	client := newFakeClient(&MixFormat{SampleRate: 48000, BitsPerSample: 32, Channels: 2, BlockAlign: 6, SampleType: SampleFloat})
	p := newFakePlatform(client)
	s := NewSession(p, p, Options{PreferDeviceFormat: true})

	if err := s.Start(Target{ProcessID: 6}, &lockedBuffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	if !errors.Is(s.Err(), ErrFormatUnsupported) {
		t.Fatalf("Err = %v, want ErrFormatUnsupported", s.Err())
	}
	if client.started || client.closeCalls != 1 || client.stopCalls != 0 {
		t.Fatalf("started=%v close=%d stop=%d", client.started, client.closeCalls, client.stopCalls)
	}
}

func TestMixFormatUnavailableUsesTargetFormat(t *testing.T) {
	client := newFakeClient(nil)
	s, _ := startCapturing(t, Options{PreferDeviceFormat: true}, client, &lockedBuffer{})
	defer s.Stop()

	if client.initialized != DefaultFormat {
		t.Fatalf("initialized %s, want %s", client.initialized, DefaultFormat)
	}
}

func TestClientStartFailureReleasesWatch(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	client.startErr = &HResultError{Op: "IAudioClient::Start", HResult: HResultServiceNotRunning}
	p := newFakePlatform(client)
	s := NewSession(p, p, Options{})

	if err := s.Start(Target{ProcessID: 8}, &lockedBuffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, s)

	if !errors.Is(s.Err(), ErrActivationFailed) {
		t.Fatalf("Err = %v, want ErrActivationFailed", s.Err())
	}
	if p.watchClose != 1 || client.closeCalls != 1 {
		t.Fatalf("watch closes=%d client closes=%d", p.watchClose, client.closeCalls)
	}
}

func TestDeviceInvalidatedFailsSession(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	s, _ := startCapturing(t, Options{}, client, &lockedBuffer{})

	client.mu.Lock()
	client.nextErr = &HResultError{Op: "IAudioCaptureClient::GetBuffer", HResult: HResultDeviceInvalidated}
	client.mu.Unlock()
	client.push()
	waitDone(t, s)

	if !errors.Is(s.Err(), ErrDeviceInvalidated) {
		t.Fatalf("Err = %v, want ErrDeviceInvalidated", s.Err())
	}
}

func TestPanickingSinkStillTearsDown(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	sink := writerFunc(func(p []byte) (int, error) { panic("boom") })
	s, _ := startCapturing(t, Options{}, client, sink)

	client.push(tenMillis(1, 0, 0x01)...)
	waitDone(t, s)

	if s.State() != StateFailed || s.Err() == nil {
		t.Fatalf("state=%s err=%v, want failed with error", s.State(), s.Err())
	}
	if _, _, closes := client.counts(); closes != 1 {
		t.Fatalf("client closed %d times, want 1", closes)
	}
	if client.detached != 1 {
		t.Fatal("capture thread must detach on panic")
	}
}

func TestEngineRejectsSecondCaptureOfSamePID(t *testing.T) {
	client := newFakeClient(&stereo48k16)
	e := NewEngine(newFakePlatform(client), Options{})

	s, err := e.StartCapture(42, false, &lockedBuffer{})
	if err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if _, err := e.StartCapture(42, false, &lockedBuffer{}); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second StartCapture = %v, want ErrAlreadyStarted", err)
	}
	if got, ok := e.Active(42); !ok || got != s {
		t.Fatal("Active should return the live session")
	}

	waitFor(t, "capturing", func() bool { return s.State() == StateCapturing })
	e.StopCapture(s)
	waitDone(t, s)
	waitFor(t, "session forgotten", func() bool {
		_, ok := e.Active(42)
		return !ok
	})

	if err := e.StopCapture(nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("StopCapture(nil) = %v, want ErrInvalidState", err)
	}
}

func TestWaitHonorsContext(t *testing.T) {
	p := newFakePlatform(newFakeClient(&stereo48k16))
	p.mode = activateManual
	s := NewSession(p, p, Options{})
	if err := s.Start(Target{ProcessID: 3}, &lockedBuffer{}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
