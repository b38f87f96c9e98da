//go:build !windows

package sink

import (
	"context"
	"io"
)

func openPipe(context.Context, string) (io.WriteCloser, error) {
	return nil, ErrUnsupported
}
