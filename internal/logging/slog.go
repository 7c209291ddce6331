package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fatih/color"
)

var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// Options configures the console handler.
type Options struct {
	Level      slog.Leveler
	UseColor   bool
	TimeFormat string
}

func DefaultOptions() Options {
	return Options{
		Level:      slog.LevelInfo,
		UseColor:   true,
		TimeFormat: time.RFC3339,
	}
}

// ConsoleHandler is a compact line-oriented slog.Handler for terminal
// diagnostics: timestamp, level, message, then key=value attrs.
type ConsoleHandler struct {
	opts   Options
	writer io.Writer
	mu     *sync.Mutex
	attrs  []slog.Attr

	colorTime    func(...any) string
	colorMessage func(...any) string
	colorFields  func(...any) string
	colorLevel   map[slog.Level]func(...any) string
}

func NewConsoleHandler(w io.Writer, opts *Options) *ConsoleHandler {
	if opts == nil {
		defaultOpts := DefaultOptions()
		opts = &defaultOpts
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.Level == nil {
		opts.Level = slog.LevelInfo
	}

	h := &ConsoleHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
	}
	h.initColorFuncs()

	return h
}

func (h *ConsoleHandler) initColorFuncs() {
	if !h.opts.UseColor {
		noColor := func(a ...any) string { return fmt.Sprint(a...) }
		h.colorTime = noColor
		h.colorMessage = noColor
		h.colorFields = noColor
		h.colorLevel = map[slog.Level]func(...any) string{}
		for _, level := range []slog.Level{
			slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError,
		} {
			h.colorLevel[level] = noColor
		}
		return
	}

	h.colorTime = color.New(color.FgHiBlack).SprintFunc()
	h.colorMessage = color.New(color.FgCyan).SprintFunc()
	h.colorFields = color.New(color.FgWhite).SprintFunc()
	h.colorLevel = map[slog.Level]func(...any) string{
		slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
		slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
		slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
		slog.LevelError: color.New(color.FgRed).SprintFunc(),
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.Level.Level()
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	buf.WriteString(h.colorTime(r.Time.Format(h.opts.TimeFormat)))
	buf.WriteByte(' ')

	levelStr := fmt.Sprintf("%-5s", r.Level.String())
	if colorFunc, ok := h.colorLevel[r.Level]; ok {
		levelStr = colorFunc(levelStr)
	}
	buf.WriteString(levelStr)
	buf.WriteByte(' ')

	buf.WriteString(h.colorMessage(r.Message))

	attrs := make(map[string]slog.Value, r.NumAttrs()+len(h.attrs))
	for _, attr := range h.attrs {
		attrs[attr.Key] = attr.Value.Resolve()
	}
	r.Attrs(func(attr slog.Attr) bool {
		attrs[attr.Key] = attr.Value.Resolve()
		return true
	})

	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		buf.WriteByte(' ')
		buf.WriteString(h.colorFields(fmt.Sprintf("%s=%v", key, attrs[key])))
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	newHandler := &ConsoleHandler{
		opts:   h.opts,
		writer: h.writer,
		mu:     h.mu,
		attrs:  append(append([]slog.Attr(nil), h.attrs...), attrs...),
	}
	newHandler.initColorFuncs()

	return newHandler
}

// WithGroup flattens groups; this handler keys attrs by name only.
func (h *ConsoleHandler) WithGroup(string) slog.Handler { return h }
