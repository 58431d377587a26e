package logger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/ekisa-team/latentmorph/internal/env"
	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogFile    = "logs/latentmorph.log"
	defaultMaxSizeMB  = 5
	defaultMaxBackups = 10
	defaultMaxAgeDays = 30
)

type options struct {
	console   io.Writer
	logToFile bool
	logFile   string
	level     *slog.Level
	sinks     *FileSinks
}

// Option configures New.
type Option func(*options)

// WithLogToFile enables the rotating JSON file sink.
func WithLogToFile(enabled bool) Option {
	return func(o *options) { o.logToFile = enabled }
}

// WithLogFile sets the rotating log file path.
func WithLogFile(path string) Option {
	return func(o *options) {
		if path != "" {
			o.logFile = path
		}
	}
}

// WithLevel overrides the environment's default level.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = &level }
}

// WithConsole redirects console output. Defaults to stderr.
func WithConsole(w io.Writer) Option {
	return func(o *options) { o.console = w }
}

// WithFileSinks takes the rotating file writer from sinks instead of opening a new one.
func WithFileSinks(sinks *FileSinks) Option {
	return func(o *options) { o.sinks = sinks }
}

// New builds a logger: coloured console output plus an optional rotating JSON file.
// Development logs at debug, production at info.
func New(environment env.Environment, opts ...Option) *slog.Logger {
	o := options{
		console: os.Stderr,
		logFile: defaultLogFile,
	}
	for _, opt := range opts {
		opt(&o)
	}

	level := slog.LevelDebug
	if environment.IsProduction() {
		level = slog.LevelInfo
	}
	if o.level != nil {
		level = *o.level
	}

	handlers := []slog.Handler{
		tint.NewHandler(o.console, &tint.Options{
			Level:      level,
			TimeFormat: "15:04:05",
			NoColor:    environment.IsProduction(),
		}),
	}

	if o.logToFile {
		var w io.Writer
		if o.sinks != nil {
			w = o.sinks.Open(o.logFile)
		} else {
			w = newRotator(o.logFile)
		}
		handlers = append(handlers, slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	}

	if len(handlers) == 1 {
		return slog.New(handlers[0])
	}
	return slog.New(&multiHandler{handlers: handlers})
}

func newRotator(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    defaultMaxSizeMB,
		MaxBackups: defaultMaxBackups,
		MaxAge:     defaultMaxAgeDays,
		Compress:   true,
	}
}

// FileSinks holds one rotating writer per log file, so loggers rebuilt on
// config reload share the open file instead of leaking a handle each time.
type FileSinks struct {
	mu    sync.Mutex
	files map[string]*lumberjack.Logger
}

// NewFileSinks returns an empty set of sinks.
func NewFileSinks() *FileSinks {
	return &FileSinks{files: map[string]*lumberjack.Logger{}}
}

// Open returns the writer for path, creating it on first use.
func (s *FileSinks) Open(path string) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.files[path]; ok {
		return w
	}
	w := newRotator(path)
	s.files[path] = w
	return w
}

// Keep closes every writer except the one for path. An empty path closes all.
func (s *FileSinks) Keep(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for p, w := range s.files {
		if p == path {
			continue
		}
		errs = append(errs, w.Close())
		delete(s.files, p)
	}
	return errors.Join(errs...)
}

// Len reports how many writers are open.
func (s *FileSinks) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Close closes every writer.
func (s *FileSinks) Close() error {
	return s.Keep("")
}

// ParseLevel maps debug/info/warn/error (any case) to a level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, errors.New("empty log level")
	}
	err := level.UnmarshalText([]byte(strings.ToUpper(s)))
	return level, err
}

// multiHandler fans records out to every handler that accepts the level.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		hs[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
