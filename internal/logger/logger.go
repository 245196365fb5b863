// Package logger installs the process-wide slog handler. Records are written
// as single lines: [15:04:05] [LEVEL] message key=value ...
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

var level = new(slog.LevelVar)

// SetLevel sets the global log level
func SetLevel(s string) {
	level.Set(ParseLevel(s))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	return strings.ToLower(level.Level().String())
}

// ParseLevel parses a string to an slog level. Unknown values mean debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// Handler formats records as lines and fans them out to every writer.
type Handler struct {
	mu    *sync.Mutex
	outs  []io.Writer
	attrs []slog.Attr
	group string
}

// NewHandler creates a handler writing to outs.
func NewHandler(outs ...io.Writer) *Handler {
	return &Handler{mu: &sync.Mutex{}, outs: outs}
}

// Enabled implements slog.Handler
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// Handle implements slog.Handler
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(r.Time.Format("15:04:05"))
	b.WriteString("] [")
	b.WriteString(r.Level.String())
	b.WriteString("] ")
	b.WriteString(r.Message)
	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})
	b.WriteByte('\n')
	line := []byte(b.String())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = out.Write(line)
		}
	}
	return nil
}

func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	key := a.Key
	if group != "" {
		key = group + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			writeAttr(b, key, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(key)
	b.WriteByte('=')
	b.WriteString(a.Value.Resolve().String())
}

// WithAttrs implements slog.Handler
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	nh.attrs = append(nh.attrs, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		nh.attrs = append(nh.attrs, a)
	}
	return &nh
}

// WithGroup implements slog.Handler
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	nh.group = name
	return &nh
}

// JSONReformatter rewrites JSON log lines (the SIP stack logs JSON) into the
// line format. Anything else passes through unchanged.
type JSONReformatter struct {
	base io.Writer
}

// NewJSONReformatter wraps w.
func NewJSONReformatter(w io.Writer) *JSONReformatter {
	return &JSONReformatter{base: w}
}

func (w *JSONReformatter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	lvl := "info"
	if v, ok := entry["level"]; ok {
		lvl = fmt.Sprint(v)
	}
	msg := ""
	if v, ok := entry["message"]; ok {
		msg = fmt.Sprint(v)
	}
	ts := time.Now()
	if v, ok := entry["time"]; ok {
		if t, err := time.Parse(time.RFC3339, fmt.Sprint(v)); err == nil {
			ts = t
		}
	}

	keys := make([]string, 0, len(entry))
	for k := range entry {
		switch k {
		case "level", "message", "time", "caller":
		default:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", ts.Format("15:04:05"), strings.ToUpper(lvl), msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry[k])
	}
	b.WriteByte('\n')
	if _, err := w.base.Write([]byte(b.String())); err != nil {
		return 0, err
	}
	return len(p), nil
}

// InitLogger installs the line handler as the slog default.
func InitLogger(outputs ...io.Writer) {
	wrapped := make([]io.Writer, len(outputs))
	for i, out := range outputs {
		wrapped[i] = NewJSONReformatter(out)
	}
	slog.SetDefault(slog.New(NewHandler(wrapped...)))
}
