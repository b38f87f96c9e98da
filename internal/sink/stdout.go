package sink

import (
	"io"
	"os"
)

// stdoutSink writes to the process stdout and never closes it.
type stdoutSink struct {
	w io.Writer
}

func openStdout() (io.WriteCloser, error) {
	if err := checkStdout(); err != nil {
		return nil, err
	}
	return &stdoutSink{w: os.Stdout}, nil
}

func (s *stdoutSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *stdoutSink) Close() error { return nil }
