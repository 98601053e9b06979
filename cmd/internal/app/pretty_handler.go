package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	defaultPrettyWidth = 100
	minPrettyWidth     = 40
	prettyContinuation = "    "
	prettyEllipsis     = "…"
)

var ansiRE = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders one record as key=value segments, wrapped to the
// terminal width. It is meant for local development; production uses JSON.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []prettyAttr
	groups []string
	color  bool
	width  int
	mu     *sync.Mutex
}

// prettyAttr is an attribute bound by WithAttrs, qualified by the groups open at that time.
type prettyAttr struct {
	prefix string
	attr   slog.Attr
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	head := "ts=" + applyDim(ts.Format("15:04:05.000"), h.color) +
		" lvl=" + levelTag(r.Level, h.color) +
		" msg=" + applyBold(r.Message, h.color)
	segments := []string{head}

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segments = append(segments, "src="+applyDim(fmt.Sprintf("%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	for _, pa := range h.attrs {
		segments = h.appendAttr(segments, pa.attr, pa.prefix)
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		segments = h.appendAttr(segments, a, prefix)
		return true
	})

	lines := wrapSegments(segments, " ", h.terminalWidth(), prettyContinuation)
	out := strings.Join(lines, "\n") + "\n"

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, out)
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	prefix := strings.Join(h.groups, ".")
	cp.attrs = append([]prettyAttr{}, h.attrs...)
	for _, a := range attrs {
		cp.attrs = append(cp.attrs, prettyAttr{prefix: prefix, attr: a})
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// terminalWidth prefers RELAY_LOG_WIDTH, then COLUMNS. Values below
// minPrettyWidth are ignored.
func (h *prettyHandler) terminalWidth() int {
	if h.width > 0 {
		return h.width
	}
	for _, key := range []string{"RELAY_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= minPrettyWidth {
			return n
		}
	}
	return defaultPrettyWidth
}

func (h *prettyHandler) appendAttr(segments []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segments
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segments
	}

	qualify := func(k string) string {
		if parent == "" {
			return k
		}
		return parent + "." + k
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segments = h.appendAttr(segments, ga, qualify(key))
		}
		return segments
	}

	return append(segments, qualify(remapPrettyKey(key))+"="+h.prettyValue(key, a.Value))
}

// prettyValue formats v; key is the unqualified attribute name.
func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		path := strings.TrimSpace(v.String())
		if h.color {
			return ansiCyan + path + ansiReset
		}
		return path
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class", "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}

	return quoteIfNeeded(valueToString(v))
}

// wrapSegments packs segments into lines no wider than width. Lines after the
// first start with cont; a segment too wide for a line of its own is truncated.
func wrapSegments(segments []string, sep string, width int, cont string) []string {
	var (
		lines   []string
		line    string
		lineLen int
		sepLen  = visualLen(sep)
	)

	startLine := func(seg string) {
		lead := ""
		if len(lines) > 0 {
			lead = cont
		}
		seg = truncateVisual(seg, width-visualLen(lead))
		line = lead + seg
		lineLen = visualLen(line)
	}

	for _, seg := range segments {
		if line == "" {
			startLine(seg)
			continue
		}
		segLen := visualLen(seg)
		if lineLen+sepLen+segLen <= width {
			line += sep + seg
			lineLen += sepLen + segLen
			continue
		}
		lines = append(lines, line)
		line = ""
		startLine(seg)
	}
	if line != "" {
		lines = append(lines, line)
	}
	return lines
}

func truncateVisual(s string, max int) string {
	if max <= 0 || visualLen(s) <= max {
		return s
	}
	runes := []rune(stripANSI(s))
	return string(runes[:max-1]) + prettyEllipsis
}

func stripANSI(s string) string {
	return ansiRE.ReplaceAllString(s, "")
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func remapPrettyKey(k string) string {
	switch k {
	case "status_class":
		return "class"
	case "duration_ms":
		return "duration"
	default:
		return k
	}
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
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
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

func paint(s, code string, color bool) string {
	if !color || code == "" {
		return s
	}
	return code + s + ansiReset
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("[DEBUG]", ansiMagenta, color)
	default:
		return paint("[INFO]", ansiBlue, color)
	}
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET":
		return paint(method, ansiGreen, color)
	case "POST":
		return paint(method, ansiCyan, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return method
	}
}

func statusColor(class byte) string {
	switch class {
	case '2':
		return ansiGreen
	case '3':
		return ansiCyan
	case '4':
		return ansiYellow
	case '5':
		return ansiRed
	default:
		return ""
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	return paint(s, statusColor(s[0]), color)
}

func colorizeStatusClass(class string, color bool) string {
	if class == "" {
		return `""`
	}
	return paint(class, statusColor(class[0]), color)
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiGreen, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error":
		return paint(result, ansiRed, color)
	default:
		return quoteIfNeeded(result)
	}
}

func applyDim(s string, color bool) string {
	return paint(s, ansiDim, color)
}

func applyBold(s string, color bool) string {
	return paint(s, ansiBright, color)
}
