//go:build windows && (amd64 || arm64)

package wasapi

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"

	"github.com/breeze-rmm/apploopback/internal/capture"
	"github.com/breeze-rmm/apploopback/internal/logging"
)

var log = logging.L("wasapi")

// minProcessLoopbackBuild is the first Windows build with process loopback.
const minProcessLoopbackBuild = 20348

// Platform activates process loopback clients and watches target processes.
// It holds the process MTA open for its lifetime so activation completions
// and capture threads share one apartment.
type Platform struct {
	mu      sync.Mutex
	closed  bool
	quit    chan struct{}
	stopped chan struct{}
}

var _ capture.Platform = (*Platform)(nil)

// New checks that the OS supports process loopback and enters the MTA.
func New() (*Platform, error) {
	if v := windows.RtlGetVersion(); v.BuildNumber < minProcessLoopbackBuild {
		return nil, fmt.Errorf("%w: process loopback needs Windows build %d, have %d",
			capture.ErrUnsupportedPlatform, minProcessLoopbackBuild, v.BuildNumber)
	}
	if err := procActivateAudioInterfaceAsync.Find(); err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrUnsupportedPlatform, err)
	}

	p := &Platform{quit: make(chan struct{}), stopped: make(chan struct{})}
	ready := make(chan error, 1)
	go p.holdMTA(ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Platform) holdMTA(ready chan<- error) {
	defer close(p.stopped)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := coInitialize(); err != nil {
		ready <- err
		return
	}
	defer ole.CoUninitialize()
	ready <- nil
	<-p.quit
}

func (p *Platform) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close leaves the MTA. Sessions must be finished first.
func (p *Platform) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.quit)
	<-p.stopped
	return nil
}
