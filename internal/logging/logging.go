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
	KeyComponent      = "component"
	KeyPatchNumber    = "patchNumber"
	KeyReleaseVersion = "releaseVersion"
	KeyPhase          = "phase"
	KeyURL            = "url"
	KeyDurationMs     = "durationMs"
	KeyError          = "error"
)

type contextKey struct{}

// root holds the handler every logger from L writes through. Swapping it in
// Init or SetHandler redirects loggers that already exist.
type root struct {
	h atomic.Pointer[slog.Handler]
}

func (r *root) load() slog.Handler { return *r.h.Load() }
func (r *root) store(h slog.Handler) { r.h.Store(&h) }

// derivation is one WithAttrs or WithGroup call, replayed in order on top of
// whatever handler is current.
type derivation struct {
	group string
	attrs []slog.Attr
}

// deferredHandler resolves its handler at log time.
type deferredHandler struct {
	root  *root
	chain []derivation
}

func (h *deferredHandler) resolve() slog.Handler {
	out := h.root.load()
	for _, d := range h.chain {
		if d.group != "" {
			out = out.WithGroup(d.group)
		} else {
			out = out.WithAttrs(d.attrs)
		}
	}
	return out
}

func (h *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.root.load().Enabled(ctx, level)
}

func (h *deferredHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *deferredHandler) derive(d derivation) *deferredHandler {
	chain := make([]derivation, len(h.chain), len(h.chain)+1)
	copy(chain, h.chain)
	return &deferredHandler{root: h.root, chain: append(chain, d)}
}

func (h *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.derive(derivation{attrs: attrs})
}

func (h *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.derive(derivation{group: name})
}

var (
	rootHandler   = newRoot(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	defaultLogger = slog.New(&deferredHandler{root: rootHandler})
)

func newRoot(h slog.Handler) *root {
	r := &root{}
	r.store(h)
	return r
}

// Init installs a text or JSON handler ("json" selects JSON, anything else
// text) at the given level for every logger from L, including ones created
// earlier. A nil output means stderr. slog's default logger is left alone:
// the host process owns it.
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		rootHandler.store(slog.NewJSONHandler(output, opts))
		return
	}
	rootHandler.store(slog.NewTextHandler(output, opts))
}

// SetHandler routes all updater logs to a host-provided handler, e.g. one
// that forwards into the platform log (logcat, os_log).
func SetHandler(handler slog.Handler) {
	if handler != nil {
		rootHandler.store(handler)
	}
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return defaultLogger.With(slog.String(KeyComponent, component))
}

// WithPatch returns a child logger with patch correlation fields attached.
func WithPatch(logger *slog.Logger, releaseVersion string, patchNumber uint64) *slog.Logger {
	return logger.With(
		slog.String(KeyReleaseVersion, releaseVersion),
		slog.Uint64(KeyPatchNumber, patchNumber),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
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
