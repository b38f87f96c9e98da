//go:build windows && (amd64 || arm64)

package wasapi

import (
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

const (
	audclntShareModeShared = 0

	audclntStreamFlagsLoopback          = 0x00020000
	audclntStreamFlagsEventCallback     = 0x00040000
	audclntStreamFlagsSrcDefaultQuality = 0x08000000
	audclntStreamFlagsAutoConvertPCM    = 0x80000000

	streamFlags = audclntStreamFlagsLoopback |
		audclntStreamFlagsEventCallback |
		audclntStreamFlagsAutoConvertPCM |
		audclntStreamFlagsSrcDefaultQuality

	audclntBufferFlagsDataDiscontinuity = 0x1
	audclntBufferFlagsSilent            = 0x2
	audclntBufferFlagsTimestampError    = 0x4
)

// client is an activated process loopback IAudioClient.
type client struct {
	mu            sync.Mutex
	audioClient   uintptr
	captureClient uintptr
	format        capture.AudioFormat
	event         windows.Handle
	quit          windows.Handle
	ready         chan struct{}
	wg            sync.WaitGroup
	closed        bool

	waitMu  sync.Mutex
	waitErr error // set when the waiter stops on a failed wait
}

func newClient(audioClient uintptr) *client {
	return &client{audioClient: audioClient, ready: make(chan struct{}, 1)}
}

// MixFormat queries the engine format. Process loopback clients do not
// implement GetMixFormat, which surfaces as capture.ErrMixFormatUnavailable.
func (c *client) MixFormat() (capture.MixFormat, error) {
	var wfx *byte
	hr := comCall(c.audioClient, audioClientGetMixFormat, uintptr(unsafe.Pointer(&wfx)))
	if hr == capture.HResultNotImpl {
		return capture.MixFormat{}, capture.ErrMixFormatUnavailable
	}
	if capture.Failed(hr) {
		return capture.MixFormat{}, &capture.HResultError{Op: "IAudioClient::GetMixFormat", HResult: hr}
	}
	if wfx == nil {
		return capture.MixFormat{}, capture.ErrMixFormatUnavailable
	}
	defer coTaskMemFree(unsafe.Pointer(wfx))

	hdr := unsafe.Slice(wfx, waveFormatExSize)
	extra := int(hdr[16]) | int(hdr[17])<<8
	return decodeWaveFormat(unsafe.Slice(wfx, waveFormatExSize+extra))
}

// Initialize opens a shared-mode, event-driven loopback stream in format and
// fetches the capture service.
func (c *client) Initialize(format capture.AudioFormat, bufferDuration time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%w: client closed", capture.ErrInvalidState)
	}

	wfx := encodeWaveFormat(format)
	hns := int64(bufferDuration / 100) // REFERENCE_TIME is in 100ns units
	hr := comCall(c.audioClient, audioClientInitialize,
		audclntShareModeShared,
		streamFlags,
		uintptr(hns),
		0,
		uintptr(unsafe.Pointer(&wfx[0])),
		0,
	)
	runtime.KeepAlive(wfx)
	if capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioClient::Initialize", HResult: hr}
	}

	event, err := windows.CreateEvent(nil, 0, 0, nil)
	if err != nil {
		return fmt.Errorf("create capture event: %w", err)
	}
	c.event = event
	if hr := comCall(c.audioClient, audioClientSetEventHandle, uintptr(event)); capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioClient::SetEventHandle", HResult: hr}
	}

	if hr := comCall(c.audioClient, audioClientGetService,
		uintptr(unsafe.Pointer(iidIAudioCaptureClient)),
		uintptr(unsafe.Pointer(&c.captureClient))); capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioClient::GetService", HResult: hr}
	}

	quit, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return fmt.Errorf("create quit event: %w", err)
	}
	c.quit = quit
	c.format = format

	c.wg.Add(1)
	go c.waitLoop()
	return nil
}

// waitLoop turns the audio event into ready notifications. A pending
// notification absorbs further signals until the capture loop drains it.
func (c *client) waitLoop() {
	defer c.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	handles := []windows.Handle{c.event, c.quit}
	for {
		ev, err := windows.WaitForMultipleObjects(handles, false, windows.INFINITE)
		if err != nil {
			log.Error("wait for capture event", "error", err.Error())
			c.failWait(err)
			return
		}
		if ev != windows.WAIT_OBJECT_0 {
			return
		}
		select {
		case c.ready <- struct{}{}:
		default:
		}
	}
}

// failWait records a waiter failure and wakes the capture loop, whose next
// NextBuffer reports it.
func (c *client) failWait(err error) {
	c.waitMu.Lock()
	c.waitErr = fmt.Errorf("%w: wait for capture event: %v", capture.ErrDeviceInvalidated, err)
	c.waitMu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *client) waitFailure() error {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return c.waitErr
}

func (c *client) Start() error {
	if hr := comCall(c.audioClient, audioClientStart); capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioClient::Start", HResult: hr}
	}
	return nil
}

func (c *client) Stop() error {
	if hr := comCall(c.audioClient, audioClientStop); capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioClient::Stop", HResult: hr}
	}
	return nil
}

func (c *client) Ready() <-chan struct{} { return c.ready }

// AttachThread joins the locked capture thread to the MTA.
func (c *client) AttachThread() (func(), error) {
	if err := coInitialize(); err != nil {
		return nil, err
	}
	return ole.CoUninitialize, nil
}

// NextBuffer acquires the next packet. An empty queue yields a zero-frame
// buffer. Data aliases the engine's memory and is only valid until
// ReleaseBuffer. Once the waiter has failed no more signals arrive, so the
// failure is returned instead.
func (c *client) NextBuffer() (capture.Buffer, error) {
	if err := c.waitFailure(); err != nil {
		return capture.Buffer{}, err
	}
	var data *byte
	var frames, flags uint32
	hr := comCall(c.captureClient, captureClientGetBuffer,
		uintptr(unsafe.Pointer(&data)),
		uintptr(unsafe.Pointer(&frames)),
		uintptr(unsafe.Pointer(&flags)),
		0,
		0,
	)
	if hr == capture.HResultBufferEmpty {
		return capture.Buffer{}, nil
	}
	if capture.Failed(hr) {
		return capture.Buffer{}, &capture.HResultError{Op: "IAudioCaptureClient::GetBuffer", HResult: hr}
	}

	b := capture.Buffer{Frames: frames, Flags: bufferFlags(flags)}
	if data != nil && frames > 0 && !b.Silent() {
		b.Data = unsafe.Slice(data, c.format.FrameBytes(frames))
	}
	return b, nil
}

func (c *client) ReleaseBuffer(frames uint32) error {
	if hr := comCall(c.captureClient, captureClientReleaseBuffer, uintptr(frames)); capture.Failed(hr) {
		return &capture.HResultError{Op: "IAudioCaptureClient::ReleaseBuffer", HResult: hr}
	}
	return nil
}

// Close stops the waiter and releases every COM reference and handle.
func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.quit != 0 {
		windows.SetEvent(c.quit)
		c.wg.Wait()
		windows.CloseHandle(c.quit)
		c.quit = 0
	}
	comRelease(c.captureClient)
	c.captureClient = 0
	comRelease(c.audioClient)
	c.audioClient = 0
	if c.event != 0 {
		windows.CloseHandle(c.event)
		c.event = 0
	}
	return nil
}

func bufferFlags(raw uint32) capture.BufferFlags {
	var f capture.BufferFlags
	if raw&audclntBufferFlagsDataDiscontinuity != 0 {
		f |= capture.FlagDiscontinuity
	}
	if raw&audclntBufferFlagsSilent != 0 {
		f |= capture.FlagSilent
	}
	if raw&audclntBufferFlagsTimestampError != 0 {
		f |= capture.FlagTimestampError
	}
	return f
}
