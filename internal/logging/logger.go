package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	}
	return "UNKNOWN"
}

// ParseLevel maps a configuration string to a Level, defaulting to INFO.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Logger defines a minimal, printf-style logging contract.
//
// Handlers and pool components depend on this interface rather than a concrete
// sink so tests can swap in a nop logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

type sink struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

var (
	defaultSink     *sink
	defaultSinkOnce sync.Once
)

func getSink() *sink {
	defaultSinkOnce.Do(func() {
		defaultSink = &sink{out: os.Stderr, level: INFO}
	})
	return defaultSink
}

// SetLevel sets the minimum level for the process-wide sink.
func SetLevel(level Level) {
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.level = level
}

// SetLogFile tees output into the given file in addition to stderr.
// The path's directory is created if needed.
func SetLogFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s := getSink()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = io.MultiWriter(os.Stderr, file)
	return nil
}

func (s *sink) write(level Level, component, format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(s.out, "[%s] [%s] [%s] %s\n", ts, level, component, msg)
}

type componentLogger struct {
	sink      *sink
	component string
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{sink: getSink(), component: component}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.sink.write(DEBUG, l.component, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	l.sink.write(INFO, l.component, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.sink.write(WARN, l.component, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	l.sink.write(ERROR, l.component, format, args...)
}

// WriterFor exposes a component logger as an io.Writer at the given level.
// Each write is logged as one line; used to relay child process output.
func WriterFor(logger Logger, level Level) io.Writer {
	return &loggerWriter{logger: logger, level: level}
}

type loggerWriter struct {
	logger Logger
	level  Level
}

func (w *loggerWriter) Write(p []byte) (int, error) {
	line := strings.TrimRight(string(p), "\n")
	if line != "" {
		switch w.level {
		case DEBUG:
			w.logger.Debug("%s", line)
		case WARN:
			w.logger.Warn("%s", line)
		case ERROR:
			w.logger.Error("%s", line)
		default:
			w.logger.Info("%s", line)
		}
	}
	return len(p), nil
}

// StdLogger adapts a component logger to the stdlib *log.Logger, for
// libraries that only accept that type.
func StdLogger(logger Logger) *log.Logger {
	return log.New(WriterFor(logger, INFO), "", 0)
}
