//go:build windows && (amd64 || arm64)

package wasapi

import (
	"errors"
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// COM interface IDs used by process loopback.
var (
	iidIAudioClient              = ole.NewGUID("{1CB9AD4C-DBFA-4C32-B178-C2F568A703B2}")
	iidIAudioCaptureClient       = ole.NewGUID("{C8ADBD64-E71E-48A0-A4DE-185C395CD317}")
	iidActivateCompletionHandler = ole.NewGUID("{41D949AB-9862-444A-80F6-C261334DA5EB}")
	iidIAgileObject              = ole.NewGUID("{94EA2B94-E9CC-49E0-C0FF-EE64CA8F5B90}")
)

const (
	sOK          = 0x00000000
	sFalse       = 0x00000001
	ePointer     = 0x80004003
	eNoInterface = 0x80004002

	// COM vtable indices (IUnknown = 0,1,2; interface methods start at 3)
	asyncOpGetActivateResult   = 3  // IActivateAudioInterfaceAsyncOperation::GetActivateResult
	audioClientInitialize      = 3  // IAudioClient::Initialize
	audioClientGetMixFormat    = 8  // IAudioClient::GetMixFormat
	audioClientStart           = 10 // IAudioClient::Start
	audioClientStop            = 11 // IAudioClient::Stop
	audioClientSetEventHandle  = 13 // IAudioClient::SetEventHandle
	audioClientGetService      = 14 // IAudioClient::GetService
	captureClientGetBuffer     = 3  // IAudioCaptureClient::GetBuffer
	captureClientReleaseBuffer = 4  // IAudioCaptureClient::ReleaseBuffer
)

var (
	mmdevapiDLL = windows.NewLazySystemDLL("mmdevapi.dll")
	ole32DLL    = windows.NewLazySystemDLL("ole32.dll")

	procActivateAudioInterfaceAsync = mmdevapiDLL.NewProc("ActivateAudioInterfaceAsync")
	procCoTaskMemFree               = ole32DLL.NewProc("CoTaskMemFree")
)

// comCall invokes a COM vtable method and returns its HRESULT.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) uint32 {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(fnPtr, allArgs...)
	return uint32(ret)
}

// comRelease drops one reference on a COM interface.
func comRelease(obj uintptr) {
	if obj != 0 {
		(*ole.IUnknown)(unsafe.Pointer(obj)).Release()
	}
}

// coInitialize joins the calling thread to the multithreaded apartment.
// A thread already in the MTA (S_FALSE) counts as success and still needs a
// matching ole.CoUninitialize.
func coInitialize() error {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err == nil {
		return nil
	}
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) && uint32(oleErr.Code()) == sFalse {
		return nil
	}
	return fmt.Errorf("CoInitializeEx: %w", err)
}

func coTaskMemFree(p unsafe.Pointer) {
	if p != nil {
		procCoTaskMemFree.Call(uintptr(p))
	}
}
