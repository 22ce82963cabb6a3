// Package eventlog provides the daemon's event log sink: an append-only text
// stream of records shaped
//
//	<iso8601>, <pid>, <level>, <message>
//
// exposed to the rest of the daemon as a standard *slog.Logger. The sink
// applies level filtering; levels are Debug, Info, Event, Warning and Error,
// where Event is a custom slog level between Info and Warn used for the
// per-dispatch event lines.
package eventlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/casper2020/casper-inotify/internal/clock"
)

// LevelEvent sits between slog.LevelInfo (0) and slog.LevelWarn (4). Emit
// event records with logger.Log(ctx, eventlog.LevelEvent, ...).
const LevelEvent = slog.Level(2)

// levelNames maps slog levels to the names written on each record.
var levelNames = map[slog.Level]string{
	slog.LevelDebug: "Debug",
	slog.LevelInfo:  "Info",
	LevelEvent:      "Event",
	slog.LevelWarn:  "Warning",
	slog.LevelError: "Error",
}

// ParseLevel converts a configuration level string to a slog level. Accepted
// values: "debug", "info", "event", "warning", "error".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "event":
		return LevelEvent, nil
	case "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("eventlog: unknown level %q", s)
}

// Handler is a slog.Handler writing the daemon's record format. Writes are
// serialised by an internal mutex shared across WithAttrs/WithGroup clones.
type Handler struct {
	mu    *sync.Mutex
	w     io.Writer
	min   slog.Level
	pid   int
	attrs []slog.Attr
}

// NewHandler returns a Handler writing to w, dropping records below min.
func NewHandler(w io.Writer, min slog.Level) *Handler {
	return &Handler{mu: &sync.Mutex{}, w: w, min: min, pid: os.Getpid()}
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

// Handle implements slog.Handler. Attributes are appended to the message as
// space-separated key=value pairs so the line shape stays
// "<iso8601>, <pid>, <level>, <message>".
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.UTC().Format(clock.Layout))
	b.WriteString(", ")
	b.WriteString(strconv.Itoa(h.pid))
	b.WriteString(", ")
	b.WriteString(levelName(r.Level))
	b.WriteString(", ")
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &clone
}

// WithGroup implements slog.Handler. Groups are flattened: the record format
// has no nesting, so the group name is ignored.
func (h *Handler) WithGroup(string) slog.Handler { return h }

func writeAttr(b *strings.Builder, a slog.Attr) {
	b.WriteByte(' ')
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func levelName(l slog.Level) string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	// Non-standard levels round down to the nearest named one.
	switch {
	case l < slog.LevelInfo:
		return "Debug"
	case l < LevelEvent:
		return "Info"
	case l < slog.LevelWarn:
		return "Event"
	case l < slog.LevelError:
		return "Warning"
	default:
		return "Error"
	}
}

// Sink couples a *slog.Logger with the file it writes to.
type Sink struct {
	Logger *slog.Logger
	file   *os.File
}

// Open creates (or appends to) the event log file at path and returns a Sink
// filtering below min. An empty path writes to stderr.
func Open(path string, min slog.Level) (*Sink, error) {
	if path == "" {
		return &Sink{Logger: slog.New(NewHandler(os.Stderr, min))}, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %q: %w", path, err)
	}
	return &Sink{Logger: slog.New(NewHandler(f, min)), file: f}, nil
}

// Close flushes and closes the underlying file, if any.
func (s *Sink) Close() error {
	if s.file == nil {
		return nil
	}
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("eventlog: sync: %w", err)
	}
	return s.file.Close()
}
