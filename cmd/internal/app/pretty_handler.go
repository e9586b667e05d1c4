package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBold   = "\x1b[1m"
	ansiDim    = "\x1b[2m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiCyan   = "\x1b[36m"
)

// prettyHandler writes one line per record for local development:
//
//	15:04:05.000 WARN  coordinator.denied op=coordinator.Register nip05=alice@example.com
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	threshold := slog.LevelInfo
	if h.opts.Level != nil {
		threshold = h.opts.Level.Level()
	}
	return level >= threshold
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(h.paint(ts.Format("15:04:05.000"), ansiDim))
	b.WriteByte(' ')
	b.WriteString(h.paint(fmt.Sprintf("%-5s", levelName(r.Level)), levelColor(r.Level)))
	b.WriteByte(' ')
	b.WriteString(h.paint(r.Message, ansiBold))

	for _, a := range h.attrs {
		h.appendAttr(&b, a, nil)
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, h.groups)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteString(" src=")
			b.WriteString(h.paint(filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line), ansiDim))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = h.attrs[:len(h.attrs):len(h.attrs)]
	// Bound attributes stay under the groups open at bind time.
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, groupUnder(h.groups, a))
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(h.groups[:len(h.groups):len(h.groups)], name)
	return &cp
}

func groupUnder(groups []string, a slog.Attr) slog.Attr {
	for i := len(groups) - 1; i >= 0; i-- {
		a = slog.Attr{Key: groups[i], Value: slog.GroupValue(a)}
	}
	return a
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, prefix []string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" && a.Value.Kind() != slog.KindGroup {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		inner := prefix
		if key != "" {
			inner = append(prefix[:len(prefix):len(prefix)], key)
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, inner)
		}
		return
	}

	full := key
	if len(prefix) > 0 {
		full = strings.Join(prefix, ".") + "." + key
	}
	text, code := formatField(key, a.Value)
	b.WriteByte(' ')
	b.WriteString(displayKey(full))
	b.WriteByte('=')
	b.WriteString(h.paint(text, code))
}

func (h *prettyHandler) paint(s, code string) string {
	if !h.color || code == "" {
		return s
	}
	return code + s + ansiReset
}

// formatField renders a value and picks its color from the field name.
func formatField(key string, v slog.Value) (string, string) {
	switch key {
	case "method":
		m := strings.ToUpper(strings.TrimSpace(v.String()))
		return m, methodColor(m)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return strconv.FormatInt(n, 10), classColor(statusClass(int(n)))
		}
	case "status_class":
		class := strings.TrimSpace(v.String())
		return class, classColor(class)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return strconv.FormatInt(n, 10) + "ms", durationColor(n)
		}
	case "outcome", "result":
		s := strings.ToLower(strings.TrimSpace(v.String()))
		return quoteIfNeeded(s), outcomeColor(s)
	case "err", "error":
		return quoteIfNeeded(valueToString(v)), ansiRed
	case "path", "nip05", "domain":
		return quoteIfNeeded(valueToString(v)), ansiCyan
	}
	return quoteIfNeeded(valueToString(v)), ""
}

func displayKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	}
	return k
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "ERROR"
	case l >= slog.LevelWarn:
		return "WARN"
	case l >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return ansiRed
	case l >= slog.LevelWarn:
		return ansiYellow
	case l >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiDim
	}
}

func methodColor(m string) string {
	switch m {
	case "POST":
		return ansiGreen
	case "PUT", "PATCH":
		return ansiYellow
	case "DELETE":
		return ansiRed
	}
	return ansiBlue
}

func classColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	}
	return ""
}

func durationColor(ms int64) string {
	switch {
	case ms >= 1000:
		return ansiRed
	case ms >= 250:
		return ansiYellow
	}
	return ansiDim
}

// outcomeColor covers HTTP results and coordinator outcomes.
func outcomeColor(s string) string {
	switch s {
	case "success", "ok", "registered", "updated", "removed":
		return ansiGreen
	case "redirect", "already_confirmed", "pending":
		return ansiCyan
	case "client_error", "taken":
		return ansiYellow
	case "server_error", "error":
		return ansiRed
	}
	return ""
}

func valueToString(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	}
	return 0, false
}
