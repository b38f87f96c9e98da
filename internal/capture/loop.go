package capture

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/breeze-rmm/apploopback/internal/logging"
)

// loop waits for ring signals and drains the ring until the session ends.
// It holds its OS thread; the platform buffer calls are thread-affine.
func (s *Session) loop(client Client, exited <-chan struct{}) (EndReason, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	detach, err := client.AttachThread()
	if err != nil {
		return ReasonFailed, fmt.Errorf("attach capture thread: %w", err)
	}
	defer detach()

	ready := client.Ready()
	for {
		select {
		case <-s.stop:
			return ReasonStopRequested, nil
		case <-exited:
			s.log.Info("target process exited")
			return ReasonProcessExited, nil
		case <-ready:
		}

		if reason, err := s.drain(client, exited); reason != ReasonNone || err != nil {
			return reason, err
		}
	}
}

// drain forwards every buffer currently in the ring. Only one buffer is ever
// held: it is written and released before the next is acquired, and stop or
// exit is checked between buffers, never mid-buffer.
func (s *Session) drain(client Client, exited <-chan struct{}) (EndReason, error) {
	for {
		select {
		case <-s.stop:
			return ReasonStopRequested, nil
		case <-exited:
			s.log.Info("target process exited")
			return ReasonProcessExited, nil
		default:
		}

		buf, err := client.NextBuffer()
		if err != nil {
			if errors.Is(err, ErrDeviceInvalidated) {
				return ReasonFailed, err
			}
			s.log.Debug("capture buffer unavailable, waiting for next signal", logging.KeyError, err)
			return ReasonNone, nil
		}
		if buf.Frames == 0 {
			return ReasonNone, nil
		}

		werr := s.forward(buf)
		if err := client.ReleaseBuffer(buf.Frames); err != nil {
			if werr != nil {
				return ReasonFailed, werr
			}
			return ReasonFailed, fmt.Errorf("release capture buffer: %w", err)
		}
		if werr != nil {
			return ReasonFailed, werr
		}
	}
}

// forward writes one buffer's worth of bytes to the sink.
func (s *Session) forward(buf Buffer) error {
	s.stats.record(buf)

	if buf.Discontinuous() {
		total := s.stats.overruns.Load()
		s.log.Warn("capture discontinuity, frames lost", "frames", buf.Frames, "overruns", total)
		if s.opts.OnDiagnostic != nil {
			s.opts.OnDiagnostic(Diagnostic{Err: ErrBufferOverrun, Frames: buf.Frames, Total: total})
		}
	}
	if buf.TimestampErr() {
		s.log.Debug("capture timestamp error", "frames", buf.Frames)
	}

	n := s.format.FrameBytes(buf.Frames)
	var p []byte
	switch {
	case buf.Silent() && s.opts.SilencePolicy == SilenceSkip:
		return nil
	case buf.Silent():
		p = s.zeros(n)
	case len(buf.Data) >= n:
		p = buf.Data[:n]
	default:
		p = buf.Data
	}
	if len(p) == 0 {
		return nil
	}

	written, err := s.sink.Write(p)
	s.stats.bytesWritten.Add(uint64(written))
	if err != nil {
		return &sinkError{err: err}
	}
	if written != len(p) {
		return &sinkError{err: io.ErrShortWrite}
	}
	return nil
}

// zeros returns n zero bytes from a buffer reused across silent packets.
func (s *Session) zeros(n int) []byte {
	if cap(s.zero) < n {
		s.zero = make([]byte, n)
	}
	return s.zero[:n]
}
