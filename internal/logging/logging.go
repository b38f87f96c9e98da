package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyComponent  = "component"
	KeyPID        = "pid"
	KeyTree       = "includeTree"
	KeyState      = "state"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

// handlerOp is a WithAttrs or WithGroup call recorded against the root
// handler so it can be replayed, in order, onto whichever handler is current.
type handlerOp struct {
	group string
	attrs []slog.Attr
}

// rootHandler lets package-level loggers created before Init pick up the
// configured handler once Init runs.
type rootHandler struct {
	current *atomic.Pointer[slog.Handler]
	ops     []handlerOp
}

func newRootHandler(h slog.Handler) *rootHandler {
	p := &atomic.Pointer[slog.Handler]{}
	p.Store(&h)
	return &rootHandler{current: p}
}

func (h *rootHandler) set(handler slog.Handler) {
	h.current.Store(&handler)
}

func (h *rootHandler) resolve() slog.Handler {
	handler := *h.current.Load()
	for _, op := range h.ops {
		if op.group != "" {
			handler = handler.WithGroup(op.group)
			continue
		}
		handler = handler.WithAttrs(op.attrs)
	}
	return handler
}

func (h *rootHandler) with(op handlerOp) *rootHandler {
	ops := make([]handlerOp, 0, len(h.ops)+1)
	ops = append(ops, h.ops...)
	ops = append(ops, op)
	return &rootHandler{current: h.current, ops: ops}
}

func (h *rootHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *rootHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *rootHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(handlerOp{attrs: append([]slog.Attr(nil), attrs...)})
}

func (h *rootHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(handlerOp{group: name})
}

// Stdout carries PCM, so the pre-Init default is stderr.
var (
	root          = newRootHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(root)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stderr)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	root.set(handler)
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithTarget returns a child logger carrying the capture target fields.
func WithTarget(logger *slog.Logger, pid uint32, includeTree bool) *slog.Logger {
	return logger.With(
		slog.Uint64(KeyPID, uint64(pid)),
		slog.Bool(KeyTree, includeTree),
	)
}

// ParseLevel maps a level name onto a slog level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
