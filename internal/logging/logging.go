package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/inhies/go-bytesize"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// ParseMode maps a --log-format value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "cli", "text":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
	}
	if level == nil {
		level = slog.LevelInfo
	}

	switch mode {
	case ModeJSON:
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(handler)
	default:
		handler := newCLIHandler(w, level)
		return slog.New(handler)
	}
}

// NewCLI constructs a logger that emits human-readable records suitable for CLI use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// Size returns an attribute rendering n bytes in human readable units.
func Size(key string, n int64) slog.Attr {
	return slog.String(key, bytesize.New(float64(n)).String())
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// cliHandler renders "LEVEL time | message key=value ...". Attributes attached through
// WithAttrs are rendered once, qualified by the groups open at that point, and reused for
// every record.
type cliHandler struct {
	out   *lockedWriter
	level slog.Leveler

	// attrs holds the rendered WithAttrs batches, each starting with a space.
	attrs string
	// prefix is the dotted group path applied to attributes added from now on.
	prefix string
}

// lockedWriter is shared by a handler and every handler derived from it.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{out: &lockedWriter{w: w}, level: level}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel(h.level)
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var b strings.Builder
	b.WriteString(strings.ToUpper(record.Level.String()))
	b.WriteByte(' ')
	b.WriteString(timestamp.UTC().Format(time.RFC3339))
	b.WriteString(" | ")
	b.WriteString(record.Message)
	b.WriteString(h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&b, h.prefix, attr)
		return true
	})
	b.WriteByte('\n')

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	_, err := io.WriteString(h.out.w, b.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	for _, attr := range attrs {
		appendAttr(&b, h.prefix, attr)
	}
	clone := *h
	clone.attrs = h.attrs + b.String()
	return &clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func appendAttr(b *strings.Builder, prefix string, attr slog.Attr) {
	value := resolveValue(attr.Value)
	if value.Kind() == slog.KindGroup {
		nested := prefix
		if attr.Key != "" {
			nested = prefix + attr.Key + "."
		}
		for _, a := range value.Group() {
			appendAttr(b, nested, a)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	b.WriteByte(' ')
	b.WriteString(prefix)
	b.WriteString(attr.Key)
	b.WriteByte('=')
	b.WriteString(quoteIfNeeded(formatValue(value)))
}

// quoteIfNeeded keeps key=value pairs splittable on whitespace.
func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func formatValue(value slog.Value) string {
	value = resolveValue(value)
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindLogValuer:
		return "<logvaluer>"
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return err.Error()
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

func currentLevel(level slog.Leveler) slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

func resolveValue(value slog.Value) slog.Value {
	for i := 0; i < 4; i++ {
		if value.Kind() != slog.KindLogValuer {
			return value
		}
		value = value.Resolve()
	}
	return value
}
