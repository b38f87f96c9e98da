//go:build windows && (amd64 || arm64)

package wasapi

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

// processLoopbackDevice is the virtual device path for process loopback.
const processLoopbackDevice = `VAD\Process_Loopback`

const vtBlob = 65

// activationParams is AUDIOCLIENT_ACTIVATION_PARAMS with the
// AUDIOCLIENT_PROCESS_LOOPBACK_PARAMS arm of its union.
type activationParams struct {
	activationType  uint32
	targetProcessID uint32
	loopbackMode    uint32
}

// propVariantBlob is a PROPVARIANT holding a VT_BLOB.
type propVariantBlob struct {
	vt       uint16
	reserved [3]uint16
	size     uint32
	data     *activationParams
}

type completionHandlerVtbl struct {
	ole.IUnknownVtbl
	ActivateCompleted uintptr
}

// completionHandler is a Go-implemented, agile
// IActivateAudioInterfaceCompletionHandler. The audio stack may invoke it on
// any thread.
type completionHandler struct {
	vtbl *completionHandlerVtbl
	refs atomic.Int32
	once sync.Once
	done func(capture.Client, error)
}

var (
	handlerVtbl = &completionHandlerVtbl{
		IUnknownVtbl: ole.IUnknownVtbl{
			QueryInterface: syscall.NewCallback(handlerQueryInterface),
			AddRef:         syscall.NewCallback(handlerAddRef),
			Release:        syscall.NewCallback(handlerRelease),
		},
		ActivateCompleted: syscall.NewCallback(handlerActivateCompleted),
	}

	// liveHandlers keeps handlers reachable while native code holds a
	// reference to them.
	liveHandlers sync.Map
)

func newCompletionHandler(done func(capture.Client, error)) *completionHandler {
	h := &completionHandler{vtbl: handlerVtbl, done: done}
	h.refs.Store(1)
	liveHandlers.Store(h, struct{}{})
	return h
}

func (h *completionHandler) release() int32 {
	n := h.refs.Add(-1)
	if n == 0 {
		liveHandlers.Delete(h)
	}
	return n
}

func handlerQueryInterface(this *completionHandler, riid *ole.GUID, ppv *uintptr) uintptr {
	if ppv == nil {
		return ePointer
	}
	if ole.IsEqualGUID(riid, ole.IID_IUnknown) ||
		ole.IsEqualGUID(riid, iidActivateCompletionHandler) ||
		ole.IsEqualGUID(riid, iidIAgileObject) {
		this.refs.Add(1)
		*ppv = uintptr(unsafe.Pointer(this))
		return sOK
	}
	*ppv = 0
	return eNoInterface
}

func handlerAddRef(this *completionHandler) uintptr {
	return uintptr(this.refs.Add(1))
}

func handlerRelease(this *completionHandler) uintptr {
	return uintptr(this.release())
}

func handlerActivateCompleted(this *completionHandler, op uintptr) uintptr {
	this.complete(op)
	return sOK
}

// complete reads the activation result and hands it to the session. A panic
// here would unwind into the audio stack, so it is logged and dropped.
func (h *completionHandler) complete(op uintptr) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in activation completion",
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()

	var activateHR uint32
	var unk uintptr
	hr := comCall(op, asyncOpGetActivateResult,
		uintptr(unsafe.Pointer(&activateHR)),
		uintptr(unsafe.Pointer(&unk)))

	switch {
	case capture.Failed(hr):
		h.finish(nil, &capture.HResultError{Op: "GetActivateResult", HResult: hr})
	case capture.Failed(activateHR):
		comRelease(unk)
		h.finish(nil, &capture.HResultError{Op: "ActivateAudioInterfaceAsync", HResult: activateHR})
	case unk == 0:
		h.finish(nil, &capture.HResultError{Op: "ActivateAudioInterfaceAsync", HResult: ePointer})
	default:
		h.finish(newClient(unk), nil)
	}
}

func (h *completionHandler) finish(c capture.Client, err error) {
	h.once.Do(func() { h.done(c, err) })
}

// Activate requests a process loopback IAudioClient for target. done runs
// once, on an arbitrary thread, when the audio stack completes the request.
func (p *Platform) Activate(target capture.Target, done func(capture.Client, error)) error {
	if p.isClosed() {
		return fmt.Errorf("%w: platform closed", capture.ErrInvalidState)
	}
	mode, err := loopbackMode(target)
	if err != nil {
		return err
	}
	path, err := windows.UTF16PtrFromString(processLoopbackDevice)
	if err != nil {
		return err
	}

	params := &activationParams{
		activationType:  activationTypeProcessLoopback,
		targetProcessID: target.ProcessID,
		loopbackMode:    mode,
	}
	pv := &propVariantBlob{
		vt:   vtBlob,
		size: uint32(unsafe.Sizeof(*params)),
		data: params,
	}

	h := newCompletionHandler(done)
	defer h.release()

	var op uintptr
	r, _, _ := procActivateAudioInterfaceAsync.Call(
		uintptr(unsafe.Pointer(path)),
		uintptr(unsafe.Pointer(iidIAudioClient)),
		uintptr(unsafe.Pointer(pv)),
		uintptr(unsafe.Pointer(h)),
		uintptr(unsafe.Pointer(&op)),
	)
	runtime.KeepAlive(path)
	runtime.KeepAlive(pv)
	runtime.KeepAlive(params)

	if hr := uint32(r); capture.Failed(hr) {
		return &capture.HResultError{Op: "ActivateAudioInterfaceAsync", HResult: hr}
	}
	comRelease(op)
	log.Debug("activation requested", "pid", target.ProcessID, "includeTree", target.IncludeDescendants)
	return nil
}
