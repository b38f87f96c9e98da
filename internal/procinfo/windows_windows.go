//go:build windows

package procinfo

import (
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	user32DLL             = windows.NewLazySystemDLL("user32.dll")
	procGetWindowTextW    = user32DLL.NewProc("GetWindowTextW")
	procGetWindowTextLenW = user32DLL.NewProc("GetWindowTextLengthW")

	enumWindowsCallback = syscall.NewCallback(collectWindow)
)

// Windows lists titled top-level windows in z-order. A process with several
// windows appears once per window.
func Windows() ([]Window, error) {
	var list []Window
	if err := windows.EnumWindows(enumWindowsCallback, unsafe.Pointer(&list)); err != nil {
		return nil, err
	}
	return list, nil
}

func collectWindow(hwnd windows.HWND, param uintptr) uintptr {
	list := (*[]Window)(unsafe.Pointer(param))

	title := windowTitle(hwnd)
	if title == "" {
		return 1
	}
	var pid uint32
	if _, err := windows.GetWindowThreadProcessId(hwnd, &pid); err != nil || pid == 0 {
		return 1
	}
	*list = append(*list, Window{
		PID:     pid,
		Title:   title,
		Visible: windows.IsWindowVisible(hwnd),
	})
	return 1
}

func windowTitle(hwnd windows.HWND) string {
	n, _, _ := procGetWindowTextLenW.Call(uintptr(hwnd))
	if n == 0 {
		return ""
	}
	buf := make([]uint16, n+1)
	got, _, _ := procGetWindowTextW.Call(uintptr(hwnd), uintptr(unsafe.Pointer(&buf[0])), uintptr(len(buf)))
	if got == 0 {
		return ""
	}
	return windows.UTF16ToString(buf[:got])
}
