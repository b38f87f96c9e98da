package capture

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

// fakeClient is a scripted capture ring.
type fakeClient struct {
	mu         sync.Mutex
	mix        *MixFormat
	mixErr     error
	initErr    error
	startErr   error
	nextErr    error
	releaseErr error
	closeErr   error

	buffers []Buffer
	ready   chan struct{}

	inFlight    bool
	violations  int
	acquired    int
	released    int
	initialized AudioFormat
	started     bool
	stopCalls   int
	closeCalls  int
	attached    int
	detached    int
}

func newFakeClient(mix *MixFormat) *fakeClient {
	c := &fakeClient{ready: make(chan struct{}, 1)}
	if mix == nil {
		c.mixErr = ErrMixFormatUnavailable
	} else {
		c.mix = mix
	}
	return c
}

func (c *fakeClient) push(bufs ...Buffer) {
	c.mu.Lock()
	c.buffers = append(c.buffers, bufs...)
	c.mu.Unlock()
	select {
	case c.ready <- struct{}{}:
	default:
	}
}

func (c *fakeClient) MixFormat() (MixFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mixErr != nil {
		return MixFormat{}, c.mixErr
	}
	return *c.mix, nil
}

func (c *fakeClient) Initialize(format AudioFormat, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initErr != nil {
		return c.initErr
	}
	c.initialized = format
	return nil
}

func (c *fakeClient) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.started = true
	return nil
}

func (c *fakeClient) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	return nil
}

func (c *fakeClient) Ready() <-chan struct{} { return c.ready }

func (c *fakeClient) AttachThread() (func(), error) {
	c.mu.Lock()
	c.attached++
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.detached++
		c.mu.Unlock()
	}, nil
}

func (c *fakeClient) NextBuffer() (Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight {
		c.violations++
	}
	if c.nextErr != nil {
		return Buffer{}, c.nextErr
	}
	if len(c.buffers) == 0 {
		return Buffer{}, nil
	}
	b := c.buffers[0]
	c.buffers = c.buffers[1:]
	c.inFlight = true
	c.acquired++
	return b, nil
}

func (c *fakeClient) ReleaseBuffer(frames uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inFlight {
		c.violations++
	}
	c.inFlight = false
	c.released++
	return c.releaseErr
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	return c.closeErr
}

func (c *fakeClient) counts() (acquired, released, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.acquired, c.released, c.closeCalls
}

type activationMode int

const (
	activateAsync activationMode = iota
	activateSync
	activateManual
)

// fakePlatform is an activator and exit watcher in one.
type fakePlatform struct {
	mu         sync.Mutex
	mode       activationMode
	client     *fakeClient
	err        error // delivered through the completion
	requestErr error // returned by Activate
	calls      int
	targets    []Target
	pending    func()

	exited     chan struct{}
	watchErr   error
	watches    int
	watchClose int
}

func newFakePlatform(client *fakeClient) *fakePlatform {
	return &fakePlatform{client: client, exited: make(chan struct{})}
}

func (p *fakePlatform) Activate(target Target, done func(Client, error)) error {
	p.mu.Lock()
	p.calls++
	p.targets = append(p.targets, target)
	if p.requestErr != nil {
		err := p.requestErr
		p.mu.Unlock()
		return err
	}
	deliver := func() {
		if p.err != nil {
			done(nil, p.err)
			return
		}
		done(p.client, nil)
	}
	mode := p.mode
	if mode == activateManual {
		p.pending = deliver
	}
	p.mu.Unlock()

	switch mode {
	case activateSync:
		deliver()
	case activateAsync:
		go deliver()
	}
	return nil
}

func (p *fakePlatform) complete() {
	p.mu.Lock()
	deliver := p.pending
	p.mu.Unlock()
	deliver()
}

func (p *fakePlatform) Watch(pid uint32) (ProcessWatch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchErr != nil {
		return nil, p.watchErr
	}
	p.watches++
	return &fakeWatch{p: p}, nil
}

type fakeWatch struct {
	p *fakePlatform
}

func (w *fakeWatch) Exited() <-chan struct{} { return w.p.exited }

func (w *fakeWatch) Close() error {
	w.p.mu.Lock()
	w.p.watchClose++
	w.p.mu.Unlock()
	return nil
}

// lockedBuffer is a sink that can be inspected while the loop writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end, state %s", s.State())
	}
}

var stereo48k16 = MixFormat{
	SampleRate:    48000,
	BitsPerSample: 16,
	Channels:      2,
	BlockAlign:    4,
	SampleType:    SampleInteger,
}

// tenMillis returns n 10ms buffers of 48kHz audio filled with fill.
func tenMillis(n int, flags BufferFlags, fill byte) []Buffer {
	bufs := make([]Buffer, n)
	for i := range bufs {
		b := Buffer{Frames: 480, Flags: flags}
		if flags&FlagSilent == 0 {
			b.Data = bytes.Repeat([]byte{fill}, 480*4)
		}
		bufs[i] = b
	}
	return bufs
}
