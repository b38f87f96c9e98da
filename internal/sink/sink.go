// Package sink opens the byte destinations a capture can stream PCM into.
//
// An output is one of:
//
//	"" or "-"               process stdout
//	pipe:\\.\pipe\NAME      Windows named pipe server, one consumer
//	ws://host/path          WebSocket client, one binary message per write
//	wss://host/path
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/breeze-rmm/apploopback/internal/logging"
)

var log = logging.L("sink")

// ErrUnsupported is returned for sink kinds the current OS cannot provide.
var ErrUnsupported = errors.New("sink not supported on this platform")

// Kind identifies a sink transport.
type Kind int

const (
	KindStdout Kind = iota
	KindPipe
	KindWebSocket
)

func (k Kind) String() string {
	switch k {
	case KindStdout:
		return "stdout"
	case KindPipe:
		return "pipe"
	case KindWebSocket:
		return "websocket"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

const pipePrefix = "pipe:"

// Parse splits an output into its kind and address.
func Parse(output string) (Kind, string, error) {
	output = strings.TrimSpace(output)
	switch {
	case output == "" || output == "-":
		return KindStdout, "", nil
	case strings.HasPrefix(output, pipePrefix):
		name := strings.TrimPrefix(output, pipePrefix)
		if !strings.HasPrefix(name, `\\.\pipe\`) || len(name) == len(`\\.\pipe\`) {
			return 0, "", fmt.Errorf("invalid pipe name %q: want \\\\.\\pipe\\NAME", name)
		}
		return KindPipe, name, nil
	case strings.HasPrefix(output, "ws://"), strings.HasPrefix(output, "wss://"):
		return KindWebSocket, output, nil
	}
	return 0, "", fmt.Errorf("unrecognized output %q", output)
}

// Open prepares the sink named by output. Pipe sinks block until a consumer
// connects or ctx is done.
func Open(ctx context.Context, output string) (io.WriteCloser, error) {
	kind, addr, err := Parse(output)
	if err != nil {
		return nil, err
	}

	var w io.WriteCloser
	switch kind {
	case KindStdout:
		w, err = openStdout()
	case KindPipe:
		w, err = openPipe(ctx, addr)
	case KindWebSocket:
		w, err = dialWebSocket(ctx, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s sink: %w", kind, err)
	}
	log.Info("sink ready", "kind", kind.String(), "addr", addr)
	return w, nil
}
