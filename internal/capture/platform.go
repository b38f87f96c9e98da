package capture

import "time"

// Activator requests a process-scoped loopback audio client.
//
// Activate must return promptly. A non-nil error means the request was never
// issued and done will not be called. Otherwise done is called exactly once,
// possibly on a platform-owned thread and possibly before Activate returns.
type Activator interface {
	Activate(target Target, done func(Client, error)) error
}

// Client is an activated process loopback client. The session owns it
// exclusively and calls Close exactly once.
type Client interface {
	// MixFormat reports the platform mix, or ErrMixFormatUnavailable.
	MixFormat() (MixFormat, error)
	// Initialize prepares an event-driven shared-mode stream in format.
	Initialize(format AudioFormat, bufferDuration time.Duration) error
	Start() error
	Stop() error

	// Ready receives a value whenever the ring signals new data.
	Ready() <-chan struct{}
	// AttachThread prepares the calling OS thread for NextBuffer and
	// ReleaseBuffer. The returned func undoes it.
	AttachThread() (detach func(), err error)
	// NextBuffer acquires the next packet. Frames == 0 means the ring is empty.
	NextBuffer() (Buffer, error)
	// ReleaseBuffer returns the packet acquired by the last NextBuffer.
	ReleaseBuffer(frames uint32) error

	Close() error
}

// ExitWatcher subscribes to target-process termination.
type ExitWatcher interface {
	Watch(pid uint32) (ProcessWatch, error)
}

// ProcessWatch is one termination subscription.
type ProcessWatch interface {
	// Exited is closed when the process terminates.
	Exited() <-chan struct{}
	Close() error
}

// Platform bundles the collaborators a session needs.
type Platform interface {
	Activator
	ExitWatcher
}
