//go:build windows

package sink

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/Microsoft/go-winio"
)

// SDDL: SYSTEM and Administrators full control, Interactive Users read/write.
const pipeSecurity = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GRGW;;;IU)"

const pipeBufferSize = 256 * 1024

// pipeSink is an accepted named pipe connection; closing it also closes the
// listener so the pipe name is freed.
type pipeSink struct {
	net.Conn
	listener net.Listener
	once     sync.Once
}

func openPipe(ctx context.Context, name string) (io.WriteCloser, error) {
	cfg := &winio.PipeConfig{
		SecurityDescriptor: pipeSecurity,
		InputBufferSize:    pipeBufferSize,
		OutputBufferSize:   pipeBufferSize,
	}
	listener, err := winio.ListenPipe(name, cfg)
	if err != nil {
		return nil, fmt.Errorf("listen pipe %s: %w", name, err)
	}
	log.Info("waiting for pipe consumer", "pipe", name)

	type result struct {
		conn net.Conn
		err  error
	}
	accepted := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		accepted <- result{conn, err}
	}()

	select {
	case r := <-accepted:
		if r.err != nil {
			listener.Close()
			return nil, fmt.Errorf("accept pipe %s: %w", name, r.err)
		}
		return &pipeSink{Conn: r.conn, listener: listener}, nil
	case <-ctx.Done():
		listener.Close()
		if r := <-accepted; r.conn != nil {
			r.conn.Close()
		}
		return nil, ctx.Err()
	}
}

func (p *pipeSink) Close() error {
	var err error
	p.once.Do(func() {
		err = p.Conn.Close()
		p.listener.Close()
	})
	return err
}
