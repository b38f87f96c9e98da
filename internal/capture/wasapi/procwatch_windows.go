//go:build windows && (amd64 || arm64)

package wasapi

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/apploopback/internal/capture"
)

type processWatch struct {
	pid    uint32
	proc   windows.Handle
	quit   windows.Handle
	exited chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// Watch opens pid for SYNCHRONIZE and reports when it exits.
func (p *Platform) Watch(pid uint32) (capture.ProcessWatch, error) {
	proc, err := windows.OpenProcess(windows.SYNCHRONIZE, false, pid)
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_INVALID_PARAMETER):
			return nil, fmt.Errorf("%w: process %d not found", capture.ErrInvalidTarget, pid)
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return nil, fmt.Errorf("%w: open process %d: %v", capture.ErrActivationDenied, pid, err)
		}
		return nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	quit, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		windows.CloseHandle(proc)
		return nil, fmt.Errorf("create watch event: %w", err)
	}

	w := &processWatch{pid: pid, proc: proc, quit: quit, exited: make(chan struct{})}
	w.wg.Add(1)
	go w.wait()
	return w, nil
}

func (w *processWatch) wait() {
	defer w.wg.Done()
	ev, err := windows.WaitForMultipleObjects([]windows.Handle{w.proc, w.quit}, false, windows.INFINITE)
	if err != nil {
		log.Warn("wait for target process", "pid", w.pid, "error", err.Error())
		return
	}
	if ev == windows.WAIT_OBJECT_0 {
		log.Debug("target process exited", "pid", w.pid)
		close(w.exited)
	}
}

func (w *processWatch) Exited() <-chan struct{} { return w.exited }

func (w *processWatch) Close() error {
	w.once.Do(func() {
		windows.SetEvent(w.quit)
		w.wg.Wait()
		windows.CloseHandle(w.quit)
		windows.CloseHandle(w.proc)
	})
	return nil
}
