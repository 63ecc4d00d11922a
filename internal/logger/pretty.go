package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	ansiReset  = "\033[0m"
	ansiBold   = "\033[1m"
	ansiRed    = "\033[31m"
	ansiYellow = "\033[33m"
	ansiBlue   = "\033[34m"
	ansiCyan   = "\033[36m"
	ansiGray   = "\033[90m"
)

// PrettyHandler renders records as one aligned line per record:
//
//	15:04:05.000 INFO  epoch done epoch=3 energy=0.41237 ppl=88.1
//
// Colour is only emitted when the writer is a terminal. Floats are
// shortened to five significant digits so per-batch energy lines stay
// readable.
type PrettyHandler struct {
	opts   slog.HandlerOptions
	color  bool
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	attrs  []slog.Attr
}

// NewPrettyHandler creates a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions) *PrettyHandler {
	h := &PrettyHandler{w: w, mu: new(sync.Mutex), color: isTerminal(w)}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	floor := slog.LevelInfo
	if h.opts.Level != nil {
		floor = h.opts.Level.Level()
	}
	return level >= floor
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	h.paint(&b, ansiGray, r.Time.Format("15:04:05.000"))
	b.WriteByte(' ')
	h.paint(&b, ansiBold+levelColor(r.Level), fmt.Sprintf("%-5s", r.Level.String()))
	b.WriteByte(' ')
	b.WriteString(r.Message)

	if n := len(h.attrs) + r.NumAttrs(); n > 0 {
		var kv strings.Builder
		for _, a := range h.attrs {
			writeAttr(&kv, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			writeAttr(&kv, h.prefix, a)
			return true
		})
		h.paint(&b, ansiCyan, kv.String())
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	c.attrs = append(c.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + a.Key
		}
		c.attrs = append(c.attrs, a)
	}
	return &c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func (h *PrettyHandler) paint(b *strings.Builder, code, s string) {
	if !h.color {
		b.WriteString(s)
		return
	}
	b.WriteString(code)
	b.WriteString(s)
	b.WriteString(ansiReset)
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiBlue
	default:
		return ansiGray
	}
}

func writeAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, g := range a.Value.Group() {
			writeAttr(b, p, g)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(formatValue(a.Value))
}

func formatValue(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		s := v.String()
		if strings.ContainsAny(s, " \t\n\"=") || s == "" {
			return strconv.Quote(s)
		}
		return s
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', 5, 64)
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}
