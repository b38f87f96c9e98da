package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/apploopback/internal/capture"
	"github.com/breeze-rmm/apploopback/internal/capture/wasapi"
	"github.com/breeze-rmm/apploopback/internal/config"
	"github.com/breeze-rmm/apploopback/internal/logging"
	"github.com/breeze-rmm/apploopback/internal/procinfo"
	"github.com/breeze-rmm/apploopback/internal/sink"
)

var log = logging.L("main")

// teardownTimeout bounds the wait for capture teardown after a stop.
const teardownTimeout = 5 * time.Second

// runCapture returns the process exit code. Usage errors and capture start
// failures exit 0; only a failure to prepare the output exits 1.
func runCapture(cmd *cobra.Command, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "Usage: apploopback <pid>")
		return 0
	}
	pid := parsePID(args[0])
	if pid == 0 {
		fmt.Fprintln(os.Stderr, "Invalid PID")
		return 0
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	result := cfg.ValidateTiered()
	for _, err := range result.Warnings {
		fmt.Fprintf(os.Stderr, "Config warning: %v\n", err)
	}
	if result.HasFatals() {
		for _, err := range result.Fatals {
			fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		}
		return 1
	}

	logOut, err := openLogOutput(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		return 1
	}
	defer logOut.Close()
	logging.Init(cfg.LogFormat, cfg.LogLevel, logOut)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	out, err := sink.Open(ctx, cfg.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to prepare output: %v\n", err)
		return 1
	}
	defer out.Close()

	platform, err := wasapi.New()
	if err != nil {
		printStartFailure(err)
		return 0
	}
	defer platform.Close()

	opts, err := cfg.CaptureOptions()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}
	opts.CheckTarget = procinfo.Check
	opts.OnDiagnostic = func(d capture.Diagnostic) {
		log.Debug("capture diagnostic", logging.KeyError, d.Err, "frames", d.Frames, "total", d.Total)
	}

	if info, err := procinfo.Describe(pid); err == nil {
		log.Info("capture target", logging.KeyPID, pid, "name", info.Name, "descendants", info.Descendants)
	}

	engine := capture.NewEngine(platform, opts)
	session, err := engine.StartCapture(pid, cfg.IncludeDescendants, out)
	if err != nil {
		printStartFailure(err)
		return 0
	}

	select {
	case <-session.Started():
	case <-session.Done():
		if err := session.Err(); err != nil {
			printStartFailure(err)
		}
		return 0
	case <-ctx.Done():
		engine.StopCapture(session)
		waitTeardown(session)
		return 0
	}

	fmt.Fprintf(os.Stderr, "Capturing pid %d as %s. Press any key to stop.\n", pid, session.Format())

	select {
	case <-stdinClosed():
		log.Info("stop requested from stdin")
	case <-ctx.Done():
		log.Info("stop requested by signal")
	case <-session.Done():
	}

	engine.StopCapture(session)
	if err := waitTeardown(session); err != nil {
		fmt.Fprintf(os.Stderr, "Capture failed: %v\n", err)
		return 1
	}
	st := session.Stats()
	log.Info("capture finished",
		"reason", session.Reason().String(),
		"bytes", st.BytesWritten,
		logging.KeyDurationMs, st.Elapsed.Milliseconds())
	return 0
}

// parsePID accepts decimal, 0x-prefixed hex and 0-prefixed octal. Anything
// unparsable is treated as pid 0.
func parsePID(s string) uint32 {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// stdinClosed fires on the first byte or on end of input.
func stdinClosed() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		var buf [1]byte
		if _, err := os.Stdin.Read(buf[:]); err != nil {
			fmt.Fprintln(os.Stderr, "Error reading input")
		}
	}()
	return ch
}

func waitTeardown(s *capture.Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	err := s.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("capture teardown timed out", logging.KeyState, s.State().String())
		return nil
	}
	return err
}

func printStartFailure(err error) {
	fmt.Fprintln(os.Stderr, "Failed to start capture")
	if hr, ok := capture.HResultOf(err); ok {
		fmt.Fprintln(os.Stderr, capture.FormatHResult(hr))
		return
	}
	fmt.Fprintln(os.Stderr, err)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

func openLogOutput(cfg *config.Config) (io.WriteCloser, error) {
	if cfg.LogFile == "" {
		return nopCloser{os.Stderr}, nil
	}
	return logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
}
