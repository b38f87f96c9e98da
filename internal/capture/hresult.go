package capture

import "fmt"

// Status codes the engine inspects directly.
const (
	HResultBufferEmpty        uint32 = 0x08890001 // AUDCLNT_S_BUFFER_EMPTY
	HResultNotImpl            uint32 = 0x80004001
	HResultAccessDenied       uint32 = 0x80070005
	HResultInvalidArg         uint32 = 0x80070057
	HResultNotFound           uint32 = 0x80070490
	HResultDeviceInvalidated  uint32 = 0x88890004
	HResultUnsupportedFormat  uint32 = 0x88890008
	HResultServiceNotRunning  uint32 = 0x88890010
	HResultIllegalMethodCall  uint32 = 0x8000000E
	HResultComNotInitialized  uint32 = 0x800401F0
	HResultClassNotRegistered uint32 = 0x80040154
)

type hresultInfo struct {
	Name    string
	Message string
}

// knownHResults maps the audio client and COM status codes seen during
// process loopback activation and capture to descriptions.
var knownHResults = map[uint32]hresultInfo{
	// Audio client
	0x88890001:               {"AUDCLNT_E_NOT_INITIALIZED", "the audio stream has not been initialized"},
	0x88890002:               {"AUDCLNT_E_ALREADY_INITIALIZED", "the audio client is already initialized"},
	0x88890003:               {"AUDCLNT_E_WRONG_ENDPOINT_TYPE", "the endpoint does not support this stream direction"},
	HResultDeviceInvalidated: {"AUDCLNT_E_DEVICE_INVALIDATED", "the audio endpoint was removed or reconfigured"},
	0x88890005:               {"AUDCLNT_E_NOT_STOPPED", "the audio stream was not stopped"},
	0x88890006:               {"AUDCLNT_E_BUFFER_TOO_LARGE", "the requested buffer is too large"},
	0x88890007:               {"AUDCLNT_E_OUT_OF_ORDER", "a buffer operation was called out of order"},
	HResultUnsupportedFormat: {"AUDCLNT_E_UNSUPPORTED_FORMAT", "the audio engine does not support the requested format"},
	0x88890009:               {"AUDCLNT_E_INVALID_SIZE", "the released frame count exceeds the acquired buffer"},
	0x8889000A:               {"AUDCLNT_E_DEVICE_IN_USE", "the endpoint is already in use"},
	0x8889000B:               {"AUDCLNT_E_BUFFER_OPERATION_PENDING", "a previous buffer has not been released"},
	0x8889000C:               {"AUDCLNT_E_THREAD_NOT_REGISTERED", "the thread is not registered"},
	0x8889000F:               {"AUDCLNT_E_ENDPOINT_CREATE_FAILED", "the audio endpoint could not be created"},
	HResultServiceNotRunning: {"AUDCLNT_E_SERVICE_NOT_RUNNING", "the Windows audio service is not running"},
	0x88890011:               {"AUDCLNT_E_EVENTHANDLE_NOT_EXPECTED", "the stream was not initialized for event-driven buffering"},
	0x88890013:               {"AUDCLNT_E_EVENTHANDLE_NOT_SET", "no event handle was set for an event-driven stream"},
	0x88890018:               {"AUDCLNT_E_BUFFER_ERROR", "the capture buffer could not be retrieved"},
	HResultBufferEmpty:       {"AUDCLNT_S_BUFFER_EMPTY", "no capture data is available"},

	// COM / Win32
	HResultNotImpl:            {"E_NOTIMPL", "not implemented (process loopback needs Windows 10 build 20348 or later)"},
	0x80004002:                {"E_NOINTERFACE", "no such interface supported"},
	0x80004003:                {"E_POINTER", "invalid pointer"},
	0x80004005:                {"E_FAIL", "unspecified failure"},
	0x8000FFFF:                {"E_UNEXPECTED", "catastrophic failure"},
	HResultIllegalMethodCall:  {"E_ILLEGAL_METHOD_CALL", "a method was called at an unexpected time"},
	HResultAccessDenied:       {"E_ACCESSDENIED", "access denied: the target is protected or the caller lacks permission"},
	0x8007000E:                {"E_OUTOFMEMORY", "not enough memory to complete the operation"},
	HResultInvalidArg:         {"E_INVALIDARG", "one or more arguments are not valid (is the process id correct?)"},
	HResultNotFound:           {"ERROR_NOT_FOUND", "the target process was not found"},
	HResultComNotInitialized:  {"CO_E_NOTINITIALIZED", "COM was not initialized on the calling thread"},
	HResultClassNotRegistered: {"REGDB_E_CLASSNOTREG", "class not registered"},
}

// FormatHResult returns a human-readable description of a status code.
// For known codes: "0x88890008: AUDCLNT_E_UNSUPPORTED_FORMAT: the audio engine ..."
// For unknown codes: "0x80070020: unknown HRESULT"
func FormatHResult(hr uint32) string {
	if info, ok := knownHResults[hr]; ok {
		return fmt.Sprintf("0x%08X: %s: %s", hr, info.Name, info.Message)
	}
	return fmt.Sprintf("0x%08X: unknown HRESULT", hr)
}

// HResultMessage returns just the description part, or "" for unknown codes.
func HResultMessage(hr uint32) string {
	return knownHResults[hr].Message
}

// Failed reports whether hr is an error (severity bit set).
func Failed(hr uint32) bool {
	return int32(hr) < 0
}

func classifyHResult(hr uint32) error {
	switch hr {
	case HResultAccessDenied:
		return ErrActivationDenied
	case HResultInvalidArg, HResultNotFound:
		return ErrInvalidTarget
	case HResultUnsupportedFormat:
		return ErrFormatUnsupported
	case HResultDeviceInvalidated:
		return ErrDeviceInvalidated
	case HResultNotImpl:
		return ErrUnsupportedPlatform
	}
	return ErrActivationFailed
}
