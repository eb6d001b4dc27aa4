package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// LogLevel represents the severity of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
	LevelFatal: 4,
}

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// sink is shared by a logger and every child derived from it, so level and
// output changes apply to the whole tree.
type sink struct {
	mu     sync.Mutex
	level  LogLevel
	format LogFormat
	out    io.Writer
}

// Logger writes leveled, structured entries. Child loggers created with
// WithField/WithFields carry their own immutable field set.
type Logger struct {
	sink   *sink
	fields map[string]interface{}
}

// LogEntry is the JSON shape of a single line.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Caller    string                 `json:"caller,omitempty"`
}

// NewLogger creates a logger writing to stdout.
func NewLogger(level LogLevel, format LogFormat) *Logger {
	return NewLoggerWithOutput(level, format, os.Stdout)
}

// NewLoggerWithOutput creates a logger writing to w.
func NewLoggerWithOutput(level LogLevel, format LogFormat, w io.Writer) *Logger {
	return &Logger{
		sink:   &sink{level: level, format: format, out: w},
		fields: map[string]interface{}{},
	}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewLoggerWithOutput(LevelFatal, FormatText, io.Discard)
}

func (l *Logger) derive(extra int) *Logger {
	fields := make(map[string]interface{}, len(l.fields)+extra)
	for k, v := range l.fields {
		fields[k] = v
	}
	return &Logger{sink: l.sink, fields: fields}
}

// WithField returns a child logger with key set.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	child := l.derive(1)
	child.fields[key] = value
	return child
}

// WithFields returns a child logger with all of fields set.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	child := l.derive(len(fields))
	for k, v := range fields {
		child.fields[k] = v
	}
	return child
}

// WithError attaches err under the "error" field. A nil error is a no-op.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithField("error", err.Error())
}

// Component is shorthand for WithField("component", name).
func (l *Logger) Component(name string) *Logger {
	return l.WithField("component", name)
}

func (l *Logger) Debug(message string) { l.log(LevelDebug, message) }
func (l *Logger) Info(message string)  { l.log(LevelInfo, message) }
func (l *Logger) Warn(message string)  { l.log(LevelWarn, message) }
func (l *Logger) Error(message string) { l.log(LevelError, message) }

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.log(LevelDebug, fmt.Sprintf(format, args...))
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.log(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.log(LevelWarn, fmt.Sprintf(format, args...))
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.log(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(message string) {
	l.log(LevelFatal, message)
	os.Exit(1)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.Fatal(fmt.Sprintf(format, args...))
}

// Enabled reports whether level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return levelRank[level] >= levelRank[l.sink.level]
}

func (l *Logger) log(level LogLevel, message string) {
	if !l.Enabled(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     string(level),
		Message:   message,
		Fields:    l.fields,
	}
	if levelRank[level] >= levelRank[LevelError] {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", trimPath(file), line)
		}
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	var line string
	if l.sink.format == FormatJSON {
		b, err := json.Marshal(entry)
		if err != nil {
			line = fmt.Sprintf(`{"level":"error","message":"log marshal failed: %s"}`, err)
		} else {
			line = string(b)
		}
	} else {
		line = formatText(entry)
	}
	fmt.Fprintln(l.sink.out, line)
}

func formatText(entry LogEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-5s %s", entry.Timestamp, strings.ToUpper(entry.Level), entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}
	if entry.Caller != "" {
		fmt.Fprintf(&b, " caller=%s", entry.Caller)
	}
	return b.String()
}

func trimPath(file string) string {
	if i := strings.Index(file, "internal/"); i >= 0 {
		return file[i:]
	}
	return file
}

// SetOutput redirects this logger and all of its children.
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	l.sink.out = w
	l.sink.mu.Unlock()
}

// SetLevel changes the threshold for this logger and all of its children.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitGlobalLogger replaces the process-wide logger.
func InitGlobalLogger(level LogLevel, format LogFormat) *Logger {
	logger := NewLogger(level, format)
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
	return logger
}

// GetGlobalLogger returns the process-wide logger, creating an info/json one
// on first use.
func GetGlobalLogger() *Logger {
	globalMu.RLock()
	logger := globalLogger
	globalMu.RUnlock()
	if logger != nil {
		return logger
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger(LevelInfo, FormatJSON)
	}
	return globalLogger
}

type loggerKey struct{}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the global logger.
func FromContext(ctx context.Context) *Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*Logger); ok && logger != nil {
		return logger
	}
	return GetGlobalLogger()
}

// Infof logs through the global logger.
func Infof(format string, args ...interface{}) { GetGlobalLogger().Infof(format, args...) }

// Warnf logs through the global logger.
func Warnf(format string, args ...interface{}) { GetGlobalLogger().Warnf(format, args...) }

// Errorf logs through the global logger.
func Errorf(format string, args ...interface{}) { GetGlobalLogger().Errorf(format, args...) }

// Fatalf logs through the global logger and exits.
func Fatalf(format string, args ...interface{}) { GetGlobalLogger().Fatalf(format, args...) }

// WithField derives from the global logger.
func WithField(key string, value interface{}) *Logger {
	return GetGlobalLogger().WithField(key, value)
}

// ParseLogLevel parses a level name, falling back to info.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return LevelDebug
	case "info", "":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

// ParseLogFormat parses a format name, falling back to json.
func ParseLogFormat(format string) LogFormat {
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return FormatText
	}
	return FormatJSON
}
