//go:build windows

package sink

import (
	"errors"
	"fmt"

	"golang.org/x/sys/windows"
)

// checkStdout rejects a missing or detached standard output handle.
func checkStdout() error {
	h, err := windows.GetStdHandle(windows.STD_OUTPUT_HANDLE)
	if err != nil {
		return fmt.Errorf("get stdout handle: %w", err)
	}
	if h == windows.InvalidHandle || h == 0 {
		return errors.New("no stdout handle")
	}
	if t, err := windows.GetFileType(h); err == nil && t == windows.FILE_TYPE_UNKNOWN {
		return errors.New("stdout handle has unknown type")
	}
	return nil
}
